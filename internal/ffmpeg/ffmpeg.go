// Package ffmpeg wraps the external media tool used for probing, lossless
// trimming, and concatenation. Every operation spawns a subprocess and waits
// for it to finish; long transcodes run as long as they need to.
package ffmpeg

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

type Runner struct {
	Bin      string // ffmpeg binary, default "ffmpeg"
	ProbeBin string // ffprobe binary, default "ffprobe"
}

func NewRunner() *Runner {
	return &Runner{Bin: "ffmpeg", ProbeBin: "ffprobe"}
}

// Available reports whether the encoder binary is on PATH.
func (r *Runner) Available() bool {
	_, err := exec.LookPath(r.Bin)
	return err == nil
}

// ProbeDuration returns the container duration in seconds.
func (r *Runner) ProbeDuration(path string) (float64, error) {
	out, err := exec.Command(r.ProbeBin,
		"-v", "error", "-select_streams", "v:0",
		"-show_entries", "format=duration",
		"-of", "default=nw=1:nk=1", path).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	s := strings.TrimSpace(string(out))
	if s == "" {
		return 0, fmt.Errorf("ffprobe %s: empty duration", path)
	}
	return strconv.ParseFloat(s, 64)
}

// HasAudio reports whether the file carries at least one audio stream.
// Errors count as "no audio"; the caller then encodes without sound.
func (r *Runner) HasAudio(path string) bool {
	if _, err := exec.LookPath(r.ProbeBin); err != nil {
		return false
	}
	out, err := exec.Command(r.ProbeBin,
		"-v", "error", "-select_streams", "a:0",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0", path).Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(out)), "audio")
}

// fmtSecs renders fractional seconds the way ffmpeg accepts them.
func fmtSecs(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// copyFlags is the common stream-copy tail for lossless trims.
var copyFlags = []string{"-c", "copy", "-map", "0", "-fflags", "+genpts", "-movflags", "+faststart", "-f", "mp4"}

// TrimBoth rewrites the file in place keeping [offset, offset+duration],
// stream copy only.
func (r *Runner) TrimBoth(path string, offset, duration float64) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-y",
		"-ss", fmtSecs(offset), "-i", path, "-t", fmtSecs(duration)}
	args = append(args, copyFlags...)
	return r.trimInPlace(path, args)
}

// TrimHead rewrites the file in place dropping the first offset seconds.
func (r *Runner) TrimHead(path string, offset float64) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-y",
		"-ss", fmtSecs(offset), "-i", path}
	args = append(args, copyFlags...)
	return r.trimInPlace(path, args)
}

// TrimTail rewrites the file in place keeping the first duration seconds.
func (r *Runner) TrimTail(path string, duration float64) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-y",
		"-i", path, "-t", fmtSecs(duration)}
	args = append(args, copyFlags...)
	return r.trimInPlace(path, args)
}

func (r *Runner) trimInPlace(path string, args []string) error {
	tmp := strings.TrimSuffix(path, filepath.Ext(path)) + ".part"
	args = append(args, tmp)

	var stderr bytes.Buffer
	cmd := exec.Command(r.Bin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg trim: %w: %s", err, excerpt(stderr.String()))
	}
	return replaceFile(tmp, path)
}

func replaceFile(tmp, dst string) error {
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// DetectEncoder picks a hardware H.264 encoder when wanted and present,
// otherwise libx264. The returned device is only set for VAAPI.
func (r *Runner) DetectEncoder(useGPU bool) (encoder, device string) {
	if !useGPU {
		return "libx264", ""
	}
	out, err := exec.Command(r.Bin, "-hide_banner", "-v", "error", "-encoders").Output()
	if err != nil {
		return "libx264", ""
	}
	list := string(out)
	if strings.Contains(list, "h264_nvenc") {
		return "h264_nvenc", ""
	}
	if strings.Contains(list, "h264_vaapi") {
		devs, _ := filepath.Glob("/dev/dri/renderD*")
		if len(devs) > 0 {
			sort.Strings(devs)
			return "h264_vaapi", devs[0]
		}
	}
	return "libx264", ""
}

// AtempoChain decomposes a speed factor into atempo filter factors, each
// clamped to [0.5, 2.0], composing multiplicatively. Keeps audio pitch
// correct under speed change.
func AtempoChain(speed float64) []float64 {
	if speed <= 0 {
		return nil
	}
	var chain []float64
	s := speed
	if s > 1.0 {
		for s > 2.0+1e-6 {
			chain = append(chain, 2.0)
			s /= 2.0
		}
	} else {
		for s < 0.5-1e-6 {
			chain = append(chain, 0.5)
			s /= 0.5
		}
	}
	return append(chain, s)
}

func atempoFilter(speed float64) string {
	parts := AtempoChain(speed)
	strs := make([]string, len(parts))
	for i, f := range parts {
		strs[i] = fmt.Sprintf("atempo=%.6f", f)
	}
	return strings.Join(strs, ",")
}

// ConcatSpec describes one concatenation run over a prepared list file.
type ConcatSpec struct {
	ListPath string
	OutPath  string

	Speed    float64 // 1.0 = unchanged
	FPS      int     // 0 = unchanged
	Width    int     // 0 = unchanged
	Height   int
	UseGPU   bool
	HasAudio bool // probed from the first clip
}

// Reencode reports whether any transform forces a full re-encode.
func (s ConcatSpec) Reencode() bool {
	return s.wantSpeed() || s.FPS > 0 || s.wantSize()
}

func (s ConcatSpec) wantSpeed() bool {
	return s.Speed > 0 && (s.Speed > 1.0+1e-6 || s.Speed < 1.0-1e-6)
}

func (s ConcatSpec) wantSize() bool { return s.Width > 0 && s.Height > 0 }

// ConcatPlan is the resolved command for a spec, exposed so the caller can
// report mode/encoder and tests can check argument construction without
// spawning anything.
type ConcatPlan struct {
	Mode      string // "copy" or "reencode"
	Encoder   string // "copy", "libx264", "h264_nvenc", "h264_vaapi"
	Device    string
	AudioMode string // "copy", "reencode_atempo", "none"
	Args      []string
}

// PlanConcat builds the full argument list for a concat run.
func (r *Runner) PlanConcat(spec ConcatSpec) ConcatPlan {
	args := []string{"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0", "-i", spec.ListPath}

	if !spec.Reencode() {
		audio := "none"
		if spec.HasAudio {
			audio = "copy"
		}
		args = append(args, "-c", "copy", "-movflags", "+faststart", spec.OutPath)
		return ConcatPlan{Mode: "copy", Encoder: "copy", AudioMode: audio, Args: args}
	}

	encoder, device := r.DetectEncoder(spec.UseGPU)

	var vfilters []string
	if spec.wantSpeed() {
		vfilters = append(vfilters, fmt.Sprintf("setpts=PTS/%.6f", spec.Speed))
	}
	if spec.FPS > 0 {
		vfilters = append(vfilters, fmt.Sprintf("fps=%d", spec.FPS))
	}

	switch {
	case encoder == "h264_nvenc":
		if spec.wantSize() {
			vfilters = append(vfilters, fmt.Sprintf("scale=%d:%d:flags=lanczos", spec.Width, spec.Height))
		}
		args = append(args, "-filter:v", joinOrNull(vfilters), "-c:v", "h264_nvenc", "-preset", "p4")
	case encoder == "h264_vaapi" && device != "":
		va := []string{"format=nv12", "hwupload"}
		if spec.wantSize() {
			va = append(va, fmt.Sprintf("scale_vaapi=%d:%d", spec.Width, spec.Height))
		}
		vf := strings.Join(append(vfilters, va...), ",")
		args = append(args, "-vaapi_device", device, "-filter:v", vf, "-c:v", "h264_vaapi", "-qp", "20")
	default:
		encoder, device = "libx264", ""
		if spec.wantSize() {
			vfilters = append(vfilters, fmt.Sprintf("scale=%d:%d:flags=lanczos", spec.Width, spec.Height))
		}
		args = append(args, "-filter:v", joinOrNull(vfilters), "-c:v", "libx264", "-preset", "veryfast", "-crf", "18")
	}

	audioMode := "none"
	if spec.HasAudio {
		if spec.wantSpeed() {
			args = append(args, "-filter:a", atempoFilter(spec.Speed), "-c:a", "aac", "-b:a", "160k", "-ac", "2")
			audioMode = "reencode_atempo"
		} else {
			args = append(args, "-c:a", "copy")
			audioMode = "copy"
		}
	} else {
		args = append(args, "-an")
	}

	args = append(args, "-movflags", "+faststart", spec.OutPath)
	return ConcatPlan{Mode: "reencode", Encoder: encoder, Device: device, AudioMode: audioMode, Args: args}
}

func joinOrNull(filters []string) string {
	if len(filters) == 0 {
		return "null"
	}
	return strings.Join(filters, ",")
}

// RunWithProgress executes the planned command with "-progress pipe:1" and
// invokes onOutTime with the encoder's self-reported output timestamp in
// seconds as lines arrive. Blocks until the subprocess exits.
func (r *Runner) RunWithProgress(plan ConcatPlan, onOutTime func(seconds float64)) error {
	args := append(append([]string{}, plan.Args...), "-progress", "pipe:1", "-nostats")
	cmd := exec.Command(r.Bin, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg spawn: %w", err)
	}

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		if sec, ok := ParseOutTime(sc.Text()); ok && onOutTime != nil {
			onOutTime(sec)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, excerpt(stderr.String()))
	}
	return nil
}

// ParseOutTime extracts seconds from a "-progress" stream line. The
// out_time_ms key carries microseconds despite its name.
func ParseOutTime(line string) (float64, bool) {
	val, ok := strings.CutPrefix(strings.TrimSpace(line), "out_time_ms=")
	if !ok {
		return 0, false
	}
	us, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return us / 1e6, true
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 400 {
		s = s[:400]
	}
	return s
}
