package export

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/zmtools/zmagent/internal/zm"
)

// Source is the slice of the NVR client the export pipeline consumes.
type Source interface {
	ListEvents(ctx context.Context, q zm.EventQuery) ([]zm.Event, zm.Pagination, error)
	OpenClip(ctx context.Context, eventID string) (io.ReadCloser, int64, error)
	EventVideoURL(eventID string) string
	EventJSONURL(eventID string) string
}

// Window is a requested export range for one monitor.
type Window struct {
	MonitorID string
	Start     time.Time
	End       time.Time
	Buffer    time.Duration // padding for overlap selection, also the minimum overlap
	Chunk     int           // listing page size
}

func (w Window) chunk() int {
	if w.Chunk <= 0 {
		return 200
	}
	return w.Chunk
}

// Base is the shared stem for the window's artifact file names.
func (w Window) Base() string {
	return fmt.Sprintf("m%s_%s_to_%s",
		SafeID(w.MonitorID),
		SafeID(w.Start.Format(zm.TimeLayout)),
		SafeID(w.End.Format(zm.TimeLayout)))
}

// Item is one closed event retained for export, with the cut needed to
// reduce its clip to the requested window.
type Item struct {
	EventID     string  `json:"EventId"`
	MonitorID   string  `json:"MonitorId"`
	StartTime   string  `json:"StartTime"`
	EndTime     string  `json:"EndTime"`
	Length      string  `json:"Length"`
	Frames      string  `json:"Frames"`
	Score       string  `json:"Score"`
	VideoURL    string  `json:"VideoURL"`
	EventJSON   string  `json:"EventJSON"`
	ClipStart   string  `json:"ClipStart"`
	ClipEnd     string  `json:"ClipEnd"`
	OffsetSec   float64 `json:"OffsetSec"`
	DurationSec float64 `json:"DurationSec"`

	startAt   time.Time
	endAt     time.Time
	lengthSec float64 // recorded event length, 0 when unreported
}

// Collect walks the event listing ascending by start time and returns every
// closed event overlapping the buffered window, each with its trim cut.
// Events whose true intersection with the unbuffered window is shorter than
// the buffer are dropped as negligible edge touches.
func Collect(ctx context.Context, src Source, w Window, debugf func(format string, args ...any)) ([]Item, error) {
	if debugf == nil {
		debugf = func(string, ...any) {}
	}

	startAdj := w.Start.Add(-w.Buffer)
	endAdj := w.End.Add(w.Buffer)
	minOverlap := w.Buffer.Seconds()

	var items []Item
	page := 1
	for {
		events, pg, err := src.ListEvents(ctx, zm.EventQuery{
			MonitorID:   w.MonitorID,
			StartBefore: endAdj,
			Limit:       w.chunk(),
			Page:        page,
		})
		if err != nil {
			return items, fmt.Errorf("list events page %d: %w", page, err)
		}
		if len(events) == 0 {
			break
		}

		var lastStart time.Time
		for _, ev := range events {
			if ev.ID == "" || !ev.StartTime.IsSet() {
				continue
			}
			lastStart = ev.StartTime.Time
			if !ev.Closed() {
				continue // still recording
			}

			evStart := ev.StartTime.Time
			evEnd := ev.EndTime.Time
			if evStart.After(endAdj) || evEnd.Before(startAdj) {
				continue
			}

			clipStart := laterOf(evStart, w.Start)
			clipEnd := earlierOf(evEnd, w.End)
			overlap := clipEnd.Sub(clipStart).Seconds()
			if overlap+1e-6 < minOverlap {
				continue
			}

			offset := math.Max(0, clipStart.Sub(evStart).Seconds())
			duration := math.Max(0, clipEnd.Sub(clipStart).Seconds())
			if duration <= 0 {
				continue
			}

			items = append(items, Item{
				EventID:     ev.ID,
				MonitorID:   ev.MonitorID,
				StartTime:   ev.StartTime.Format(zm.TimeLayout),
				EndTime:     ev.EndTime.Format(zm.TimeLayout),
				Length:      ev.Length,
				Frames:      ev.Frames,
				Score:       ev.MaxScore,
				VideoURL:    src.EventVideoURL(ev.ID),
				EventJSON:   src.EventJSONURL(ev.ID),
				ClipStart:   clipStart.Format(zm.TimeLayout),
				ClipEnd:     clipEnd.Format(zm.TimeLayout),
				OffsetSec:   round3(offset),
				DurationSec: round3(duration),
				startAt:     evStart,
				endAt:       evEnd,
				lengthSec:   ev.LengthSeconds(),
			})
		}

		// Listing is ascending, so once a page reaches past the buffered
		// window end there is nothing left to collect.
		if !lastStart.IsZero() && !lastStart.Before(endAdj) {
			break
		}
		if pg.PageCount > 0 && maxInt(pg.Page, page) >= pg.PageCount {
			break
		}
		if len(events) < w.chunk() {
			break
		}
		page++
	}

	debugf("collected %d overlapping events for monitor %s", len(items), w.MonitorID)
	return items, nil
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
