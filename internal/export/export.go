package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/zmtools/zmagent/internal/ffmpeg"
	"github.com/zmtools/zmagent/internal/metrics"
	"github.com/zmtools/zmagent/internal/zm"
)

// Request describes one export run.
type Request struct {
	Window Window

	Download bool
	Trim     bool
	Concat   bool

	Speed  float64 // 1.0 = unchanged
	FPS    int
	Width  int
	Height int
	UseGPU bool

	JobID string
	Debug bool
}

func (r Request) wantConcat() bool { return r.Download && r.Concat }

// Exporter runs export requests against one NVR source and one output
// directory. Safe for sequential use; one request runs at a time per job ID.
type Exporter struct {
	src      Source
	ff       *ffmpeg.Runner
	dir      string
	progress *ProgressStore
	logger   *log.Logger
}

func New(src Source, dir string, logger *log.Logger) *Exporter {
	if logger == nil {
		logger = log.Default()
	}
	return &Exporter{
		src:      src,
		ff:       ffmpeg.NewRunner(),
		dir:      dir,
		progress: NewProgressStore(dir),
		logger:   logger,
	}
}

// Progress exposes the snapshot store for the polled counter endpoint.
func (x *Exporter) Progress() *ProgressStore { return x.progress }

// Dir is the artifact directory.
func (x *Exporter) Dir() string { return x.dir }

// Result is the export response payload.
type Result struct {
	JobID     string        `json:"job_id,omitempty"`
	MonitorID string        `json:"monitor_id"`
	Requested RequestedSpan `json:"requested"`
	Results   Collected     `json:"results"`
	Saved     SavedSummary  `json:"saved"`
	Videos    VideoStats    `json:"videos"`
	Debug     []string      `json:"debug,omitempty"`
}

type RequestedSpan struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	SpanSeconds int    `json:"span_seconds"`
	SpanHMS     string `json:"span_hms"`
}

type Collected struct {
	Count    int      `json:"count"`
	Coverage Coverage `json:"coverage"`
}

type Coverage struct {
	FirstStart  string `json:"first_start,omitempty"`
	LastEnd     string `json:"last_end,omitempty"`
	SpanSeconds int    `json:"span_seconds"`
	SpanHMS     string `json:"span_hms"`
}

type SavedSummary struct {
	Path  string `json:"path,omitempty"`
	Bytes int64  `json:"bytes"`
}

type VideoStats struct {
	Attempted  int        `json:"attempted"`
	Downloaded int        `json:"downloaded"`
	Failed     int        `json:"failed"`
	Bytes      int64      `json:"bytes"`
	Dir        string     `json:"dir"`
	Enabled    bool       `json:"enabled"`
	Concat     ConcatInfo `json:"concat"`
}

type ConcatInfo struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
	Bytes   int64  `json:"bytes"`
	Mode    string `json:"mode,omitempty"`
	List    string `json:"list,omitempty"`
	Encoder string `json:"encoder,omitempty"`
	Device  string `json:"device,omitempty"`
	Audio   Audio  `json:"audio"`
}

type Audio struct {
	Present bool   `json:"present"`
	Mode    string `json:"mode,omitempty"`
}

// Run executes the full export: collect, download, trim, optional concat.
// Per-file failures are isolated; the returned error covers only failures
// that prevent any work at all (listing failure on the first page, an
// unwritable output directory).
func (x *Exporter) Run(ctx context.Context, req Request) (*Result, error) {
	w := req.Window
	defer x.progress.Finalize(req.JobID, w.Base())

	var debug []string
	debugf := func(format string, args ...any) {
		debug = append(debug, fmt.Sprintf(format, args...))
	}

	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return nil, fmt.Errorf("export dir: %w", err)
	}

	items, err := Collect(ctx, x.src, w, debugf)
	if err != nil && len(items) == 0 {
		return nil, err
	}
	if err != nil {
		// partial collection still proceeds
		x.logger.Printf("[WARN] export: collection stopped early: %v", err)
		debugf("collection stopped early: %v", err)
	}

	res := &Result{
		JobID:     req.JobID,
		MonitorID: w.MonitorID,
		Requested: RequestedSpan{
			Start:       w.Start.Format(zm.TimeLayout),
			End:         w.End.Format(zm.TimeLayout),
			SpanSeconds: int(w.End.Sub(w.Start).Seconds()),
			SpanHMS:     hms(w.End.Sub(w.Start).Seconds()),
		},
		Results: Collected{Count: len(items), Coverage: coverage(items)},
		Videos:  VideoStats{Dir: x.dir, Enabled: req.Download},
	}

	res.Saved = x.saveSummary(w, items)

	if req.Download {
		stats := x.download(ctx, req, items)
		res.Videos.Attempted = stats.attempted
		res.Videos.Downloaded = stats.downloaded
		res.Videos.Failed = stats.failed
		res.Videos.Bytes = stats.bytes

		if req.Trim && len(stats.downloadedNow) > 0 {
			x.trimBoundaries(items, stats.downloadedNow, debugf)
		}
		if req.Concat {
			res.Videos.Concat = x.concat(req, stats.downloadedNow)
		}
	}

	if req.Debug {
		res.Debug = debug
	}
	return res, nil
}

func coverage(items []Item) Coverage {
	if len(items) == 0 {
		return Coverage{SpanHMS: hms(0)}
	}
	first, last := items[0].startAt, items[0].endAt
	for _, it := range items[1:] {
		if it.startAt.Before(first) {
			first = it.startAt
		}
		if it.endAt.After(last) {
			last = it.endAt
		}
	}
	span := math.Max(0, last.Sub(first).Seconds())
	return Coverage{
		FirstStart:  first.Format(zm.TimeLayout),
		LastEnd:     last.Format(zm.TimeLayout),
		SpanSeconds: int(span),
		SpanHMS:     hms(span),
	}
}

func hms(seconds float64) string {
	s := int(math.Max(0, seconds))
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s%3600/60, s%60)
}

// saveSummary writes the collected event list as a JSON sidecar for the
// window. Best-effort.
func (x *Exporter) saveSummary(w Window, items []Item) SavedSummary {
	payload := struct {
		Events []Item `json:"events"`
		Count  int    `json:"count"`
	}{Events: items, Count: len(items)}
	if payload.Events == nil {
		payload.Events = []Item{}
	}

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return SavedSummary{}
	}
	path := filepath.Join(x.dir, "events_"+w.Base()+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		x.logger.Printf("[WARN] export: save summary: %v", err)
		return SavedSummary{}
	}
	return SavedSummary{Path: path, Bytes: int64(len(raw))}
}

func (x *Exporter) clipPath(it Item) string {
	return filepath.Join(x.dir, fmt.Sprintf("%s-%s.mp4", it.MonitorID, it.EventID))
}

type downloadStats struct {
	attempted     int
	downloaded    int
	failed        int
	bytes         int64
	downloadedNow []string // event IDs in download order
}

// download streams each clip to a .part file and renames on completion.
// One failed file does not abort the batch.
func (x *Exporter) download(ctx context.Context, req Request, items []Item) downloadStats {
	var stats downloadStats
	w := req.Window
	want := req.wantConcat()

	x.progress.Write(req.JobID, Snapshot{
		Phase: "download", Status: "starting", MonitorID: w.MonitorID,
		Total: len(items), WantConcat: want,
	})

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		dest := x.clipPath(it)
		x.progress.Write(req.JobID, Snapshot{
			Phase: "download", Status: "downloading", MonitorID: w.MonitorID,
			Total: len(items), Done: stats.downloaded, Bytes: stats.bytes,
			CurrentFile: filepath.Base(dest), WantConcat: want,
		})

		stats.attempted++
		n, err := x.fetchClip(ctx, req, it, dest, len(items), &stats)
		stats.bytes += n
		metrics.ExportBytesTotal.Add(float64(n))
		if err != nil {
			stats.failed++
			metrics.ExportDownloadsTotal.WithLabelValues("failed").Inc()
			x.logger.Printf("[ERROR] export: download event %s: %v", it.EventID, err)
			x.progress.Write(req.JobID, Snapshot{
				Phase: "download", Status: "error", MonitorID: w.MonitorID,
				Total: len(items), Done: stats.downloaded, Bytes: stats.bytes,
				CurrentFile: filepath.Base(dest), Error: err.Error(),
				HTTPStatus: httpStatusOf(err), WantConcat: want,
			})
			continue
		}

		stats.downloaded++
		stats.downloadedNow = append(stats.downloadedNow, it.EventID)
		metrics.ExportDownloadsTotal.WithLabelValues("ok").Inc()
		x.progress.Write(req.JobID, Snapshot{
			Phase: "download", Status: "file_done", MonitorID: w.MonitorID,
			Total: len(items), Done: stats.downloaded, Bytes: stats.bytes,
			CurrentFile: filepath.Base(dest), WantConcat: want,
		})
	}

	x.progress.Write(req.JobID, Snapshot{
		Phase: "download", Status: "done", MonitorID: w.MonitorID,
		Total: len(items), Done: stats.downloaded, Bytes: stats.bytes,
		WantConcat: want,
	})
	return stats
}

// httpStatusOf digs the served status code out of a download error, 0 when
// the failure was not an HTTP answer.
func httpStatusOf(err error) int {
	var se *zm.StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func (x *Exporter) fetchClip(ctx context.Context, req Request, it Item, dest string, total int, stats *downloadStats) (int64, error) {
	body, _, err := x.src.OpenClip(ctx, it.EventID)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	var written int64
	buf := make([]byte, 1<<20)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return written, werr
			}
			written += int64(n)
			x.progress.Write(req.JobID, Snapshot{
				Phase: "download", Status: "downloading", MonitorID: req.Window.MonitorID,
				Total: total, Done: stats.downloaded, Bytes: stats.bytes + written,
				CurrentFile: filepath.Base(dest), WantConcat: req.wantConcat(),
			})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			return written, rerr
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return written, err
	}
	return written, os.Rename(tmp, dest)
}

// trimBoundaries cuts the first and last clips of the run to the requested
// window. Trim failures are logged and leave the untrimmed clip in place.
func (x *Exporter) trimBoundaries(items []Item, downloadedNow []string, debugf func(string, ...any)) {
	if !x.ff.Available() {
		x.logger.Printf("[ERROR] export: ffmpeg not found on PATH, trimming disabled")
		return
	}

	byID := make(map[string]Item, len(items))
	for _, it := range items {
		byID[it.EventID] = it
	}
	first, ok1 := byID[downloadedNow[0]]
	last, ok2 := byID[downloadedNow[len(downloadedNow)-1]]
	if !ok1 || !ok2 {
		return
	}

	debugf("trim intent: first=%s off=%.3fs dur=%.3fs, last=%s dur=%.3fs",
		first.EventID, first.OffsetSec, first.DurationSec, last.EventID, last.DurationSec)

	if first.EventID == last.EventID {
		if err := x.ff.TrimBoth(x.clipPath(first), first.OffsetSec, first.DurationSec); err != nil {
			x.logger.Printf("[ERROR] export: trim single clip %s: %v", first.EventID, err)
		}
		return
	}

	if first.OffsetSec > 0.01 {
		if err := x.ff.TrimHead(x.clipPath(first), first.OffsetSec); err != nil {
			x.logger.Printf("[ERROR] export: trim head of %s: %v", first.EventID, err)
		}
	}

	// skip a tail cut below 250ms, not worth a remux
	if last.lengthSec-last.DurationSec > 0.25 && last.DurationSec > 0.01 {
		if err := x.ff.TrimTail(x.clipPath(last), last.DurationSec); err != nil {
			x.logger.Printf("[ERROR] export: trim tail of %s: %v", last.EventID, err)
		}
	}
}

// concat joins the clips downloaded in this run into one output file,
// stream-copy when no transform is requested. On success the per-event
// clips and the list file are removed; the output is the sole artifact.
func (x *Exporter) concat(req Request, downloadedNow []string) ConcatInfo {
	info := ConcatInfo{}
	w := req.Window

	if len(downloadedNow) == 0 {
		x.logger.Printf("[WARN] export: concat skipped, no clips downloaded")
		x.progress.Write(req.JobID, Snapshot{Phase: "concat", Status: "skipped", MonitorID: w.MonitorID, WantConcat: true})
		return info
	}
	if !x.ff.Available() {
		x.logger.Printf("[ERROR] export: ffmpeg not found on PATH, concat disabled")
		x.progress.Write(req.JobID, Snapshot{
			Phase: "concat", Status: "error", MonitorID: w.MonitorID,
			Total: len(downloadedNow), Error: "ffmpeg not found", WantConcat: true,
		})
		return info
	}

	var clips []string
	for _, eid := range downloadedNow {
		p := filepath.Join(x.dir, fmt.Sprintf("%s-%s.mp4", w.MonitorID, eid))
		if _, err := os.Stat(p); err == nil {
			clips = append(clips, p)
		}
	}
	if len(clips) == 0 {
		x.progress.Write(req.JobID, Snapshot{Phase: "concat", Status: "skipped", MonitorID: w.MonitorID, WantConcat: true})
		return info
	}

	base := "concat_" + w.Base()
	listPath := filepath.Join(x.dir, base+".txt")
	outPath := filepath.Join(x.dir, base+".mp4")

	var list []byte
	for _, p := range clips {
		list = append(list, []byte(fmt.Sprintf("file '%s'\n", filepath.ToSlash(p)))...)
	}
	if err := os.WriteFile(listPath, list, 0o644); err != nil {
		x.logger.Printf("[ERROR] export: write concat list: %v", err)
		return info
	}
	info.List = listPath

	var totalSeconds float64
	for _, p := range clips {
		if d, err := x.ff.ProbeDuration(p); err == nil {
			totalSeconds += d
		}
	}
	effective := totalSeconds
	if req.Speed > 0 {
		effective = totalSeconds / req.Speed
	}

	spec := ffmpeg.ConcatSpec{
		ListPath: listPath,
		OutPath:  outPath,
		Speed:    req.Speed,
		FPS:      req.FPS,
		Width:    req.Width,
		Height:   req.Height,
		UseGPU:   req.UseGPU,
		HasAudio: x.ff.HasAudio(clips[0]),
	}
	plan := x.ff.PlanConcat(spec)
	info.Mode = plan.Mode
	info.Encoder = plan.Encoder
	info.Device = plan.Device
	info.Audio = Audio{Present: spec.HasAudio, Mode: plan.AudioMode}

	x.progress.Write(req.JobID, Snapshot{
		Phase: "concat", Status: "running", MonitorID: w.MonitorID,
		Total: len(clips), Mode: plan.Mode, TotalSecs: int(totalSeconds), WantConcat: true,
	})

	prog := newConcatProgress(x.progress, req.JobID, w.MonitorID, plan.Mode, len(clips), effective)
	err := x.ff.RunWithProgress(plan, prog.onOutTime)
	if err != nil {
		metrics.ConcatRunsTotal.WithLabelValues(plan.Mode, "error").Inc()
		x.logger.Printf("[ERROR] export: concat (%s): %v", plan.Mode, err)
		x.progress.Write(req.JobID, Snapshot{
			Phase: "concat", Status: "error", MonitorID: w.MonitorID,
			Total: len(clips), Done: prog.lastDone(), Error: err.Error(), WantConcat: true,
		})
		return info
	}

	metrics.ConcatRunsTotal.WithLabelValues(plan.Mode, "ok").Inc()
	info.Enabled = true
	info.Path = outPath
	if st, err := os.Stat(outPath); err == nil {
		info.Bytes = st.Size()
	}

	x.progress.Write(req.JobID, Snapshot{
		Phase: "concat", Status: "done", MonitorID: w.MonitorID,
		Total: len(clips), Done: len(clips), Mode: plan.Mode,
		Bytes: info.Bytes, WantConcat: true,
	})

	// clips and list are only intermediates once the join succeeded
	for _, p := range clips {
		if err := os.Remove(p); err != nil {
			x.logger.Printf("[WARN] export: cleanup %s: %v", p, err)
		}
	}
	if err := os.Remove(listPath); err != nil {
		x.logger.Printf("[WARN] export: cleanup %s: %v", listPath, err)
	}
	return info
}

// concatProgress maps the encoder's output timestamp onto a discrete done
// counter in [0, clips). The counter only moves forward; the final "done"
// snapshot is written by the caller after the subprocess exits.
type concatProgress struct {
	store     *ProgressStore
	jobID     string
	monitorID string
	mode      string
	clips     int
	effective float64 // expected output duration, speed-adjusted
	done      int
	lastWrite time.Time
}

func newConcatProgress(store *ProgressStore, jobID, monitorID, mode string, clips int, effective float64) *concatProgress {
	if effective <= 0 {
		effective = 1
	}
	if clips < 1 {
		clips = 1
	}
	return &concatProgress{
		store: store, jobID: jobID, monitorID: monitorID, mode: mode,
		clips: clips, effective: effective, done: -1,
	}
}

func (p *concatProgress) lastDone() int {
	if p.done < 0 {
		return 0
	}
	return p.done
}

func (p *concatProgress) onOutTime(seconds float64) {
	now := time.Now()
	if now.Sub(p.lastWrite) < 250*time.Millisecond {
		return
	}
	frac := seconds / p.effective
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	done := int(frac * float64(p.clips))
	if done >= p.clips {
		done = p.clips - 1
	}
	if done <= p.done {
		return
	}
	p.done = done
	p.lastWrite = now
	p.store.Write(p.jobID, Snapshot{
		Phase: "concat", Status: "running", MonitorID: p.monitorID,
		Total: p.clips, Done: done, Mode: p.mode, WantConcat: true,
	})
}
