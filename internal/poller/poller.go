package poller

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/zmtools/zmagent/internal/config"
	"github.com/zmtools/zmagent/internal/metrics"
	"github.com/zmtools/zmagent/internal/ratelimit"
	"github.com/zmtools/zmagent/internal/zm"
)

// EventSource is the slice of the NVR API the poller needs.
type EventSource interface {
	ListEvents(ctx context.Context, q zm.EventQuery) ([]zm.Event, zm.Pagination, error)
	GetEvent(ctx context.Context, id string) (*zm.Event, error)
	OpenClip(ctx context.Context, eventID string) (io.ReadCloser, int64, error)
	EventPageURL(eventID string) string
}

// Publisher fans a qualifying event out to an optional side channel.
type Publisher interface {
	Publish(env EventEnvelope) error
}

type Config struct {
	Interval  time.Duration // poll cadence
	Lookback  time.Duration // listing window behind now
	Retention time.Duration // processed-ID horizon
	StorePath string
	PageLimit int
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Lookback <= 0 {
		c.Lookback = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.PageLimit <= 0 {
		c.PageLimit = 100
	}
}

// Poller discovers closed recording events per monitored camera, filters
// burst spam through the sliding window, persists processed IDs, and hands
// qualifying events to clip download. One sequential loop; the loop body is
// the fault boundary; a failed cycle is logged and the next one runs.
type Poller struct {
	src      EventSource
	settings *config.Loader
	cfg      Config
	logger   *log.Logger
	pub      Publisher // may be nil

	store   *ProcessedStore
	window  *ratelimit.Window
	pending map[string]zm.Event // open events by ID, original record kept
}

func New(src EventSource, settings *config.Loader, cfg Config, logger *log.Logger) *Poller {
	cfg.defaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{
		src:      src,
		settings: settings,
		cfg:      cfg,
		logger:   logger,
		store:    NewProcessedStore(cfg.StorePath, cfg.Retention),
		window:   ratelimit.NewWindow(),
		pending:  make(map[string]zm.Event),
	}
}

// SetPublisher attaches an optional event fan-out channel.
func (p *Poller) SetPublisher(pub Publisher) { p.pub = pub }

func (p *Poller) Name() string { return "poller" }

// Run executes poll cycles until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.store.Load(); err != nil {
		p.logger.Printf("[WARN] poller: loading processed IDs: %v", err)
	}
	p.logger.Printf("starting event polling, interval %s", p.cfg.Interval)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.safeCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.safeCycle(ctx)
		}
	}
}

// safeCycle keeps one bad cycle from taking the loop down.
func (p *Poller) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("[ERROR] poller: panic in cycle: %v\n%s", r, debug.Stack())
			metrics.PollCyclesTotal.WithLabelValues("error").Inc()
		}
	}()
	if err := p.Cycle(ctx); err != nil {
		p.logger.Printf("[ERROR] poller: cycle failed: %v", err)
		metrics.PollCyclesTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.PollCyclesTotal.WithLabelValues("ok").Inc()
}

// Cycle runs one full poll pass: discovery, pending reconciliation, store
// flush. Exported so tests can drive passes without the ticker.
func (p *Poller) Cycle(ctx context.Context) error {
	cfg := p.settings.Snapshot()
	now := time.Now()

	events, err := p.listRecent(ctx, cfg, now)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}

	for _, ev := range events {
		if !ev.Valid() {
			p.logger.Printf("[WARN] poller: skipping event with missing fields: id=%q monitor=%q", ev.ID, ev.MonitorID)
			continue
		}
		if p.store.Contains(ev.ID) {
			continue
		}
		if ev.Closed() {
			delete(p.pending, ev.ID)
			p.evaluate(ctx, cfg, ev.ID, ev.MonitorID, ev.StartTime.Time)
		} else {
			p.pending[ev.ID] = ev
		}
	}

	p.reconcilePending(ctx, cfg)
	metrics.PendingEvents.Set(float64(len(p.pending)))

	if err := p.store.Flush(); err != nil {
		p.logger.Printf("[ERROR] poller: writing processed IDs: %v", err)
	}
	return nil
}

func (p *Poller) listRecent(ctx context.Context, cfg *config.Config, now time.Time) ([]zm.Event, error) {
	allowed := make(map[string]bool, len(cfg.Monitors))
	for _, id := range cfg.Monitors {
		allowed[id] = true
	}

	var out []zm.Event
	page := 1
	for {
		events, _, err := p.src.ListEvents(ctx, zm.EventQuery{
			StartAfter: now.Add(-p.cfg.Lookback),
			Descending: true,
			Limit:      p.cfg.PageLimit,
			Page:       page,
		})
		if err != nil {
			return out, err
		}
		for _, ev := range events {
			if allowed[ev.MonitorID] {
				out = append(out, ev)
			}
		}
		if len(events) < p.cfg.PageLimit {
			return out, nil
		}
		page++
	}
}

// reconcilePending re-checks events seen open on earlier passes. An event
// that cannot be resolved is abandoned, not retried forever.
func (p *Poller) reconcilePending(ctx context.Context, cfg *config.Config) {
	for id, original := range p.pending {
		if p.store.Contains(id) {
			delete(p.pending, id)
			continue
		}

		updated, err := p.src.GetEvent(ctx, id)
		if err != nil || updated == nil || updated.ID == "" || updated.MonitorID == "" {
			p.logger.Printf("[WARN] poller: dropping pending event %s: unresolvable (%v)", id, err)
			delete(p.pending, id)
			continue
		}
		if !updated.Closed() {
			continue // still recording
		}
		if !original.StartTime.IsSet() {
			p.logger.Printf("[WARN] poller: dropping pending event %s: original record has no start time", id)
			delete(p.pending, id)
			continue
		}

		// The window and processed-ID timestamps come from the record
		// captured when the event was first seen open, not the re-fetched
		// one. Changing this would shift rate-limiting timing.
		delete(p.pending, id)
		p.evaluate(ctx, cfg, id, updated.MonitorID, original.StartTime.Time)
	}
}

// evaluate runs the sliding-window filter and, when allowed, downloads the
// clip. The event is marked processed either way; a failed download is never
// retried (at-most-once handoff).
func (p *Poller) evaluate(ctx context.Context, cfg *config.Config, eventID, cameraID string, eventTime time.Time) {
	decision := p.window.Observe(cameraID, eventTime, ratelimit.Limit{
		Span:      cfg.TimeWindow,
		Threshold: cfg.Threshold,
	})
	p.store.Mark(eventID, eventTime)

	if !decision.Allowed {
		p.logger.Printf("rate limit exceeded, skipped: %s camId=%s event=%s (%d in window)",
			eventTime.Format(timeLayout), cameraID, p.src.EventPageURL(eventID), decision.Count)
		metrics.EventsProcessedTotal.WithLabelValues(cameraID, "suppressed").Inc()
		return
	}

	p.logger.Printf("new event %s camId=%s event=%s", eventTime.Format(timeLayout), cameraID, p.src.EventPageURL(eventID))
	metrics.EventsProcessedTotal.WithLabelValues(cameraID, "downloaded").Inc()

	clipPath, err := p.downloadClip(ctx, cfg, eventID, cameraID)
	if err != nil {
		p.logger.Printf("[ERROR] poller: downloading clip for event %s: %v", eventID, err)
		metrics.DownloadFailuresTotal.Inc()
		return
	}

	if p.pub != nil {
		env := NewEventEnvelope(eventID, cameraID, eventTime, clipPath)
		if err := p.pub.Publish(env); err != nil {
			p.logger.Printf("[WARN] poller: publishing event %s: %v", eventID, err)
		}
	}
}

// downloadClip streams the event video into the alarm queue directory where
// the detection worker picks it up.
func (p *Poller) downloadClip(ctx context.Context, cfg *config.Config, eventID, cameraID string) (string, error) {
	if err := os.MkdirAll(cfg.AlarmQueueDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(cfg.AlarmQueueDir, fmt.Sprintf("%s-%s.mp4", cameraID, eventID))

	body, _, err := p.src.OpenClip(ctx, eventID)
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return dest, nil
}
