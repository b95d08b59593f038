package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zmtools/zmagent/internal/zm"
)

// parseWindowTime accepts "YYYY-MM-DD HH:MM:SS", the same with a T
// separator, and a minute-granularity variant.
func parseWindowTime(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "T", " "))
	for _, layout := range []string{zm.TimeLayout, "2006-01-02 15:04"} {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

type eventSummary struct {
	ID        string `json:"Id"`
	StartTime string `json:"StartTime"`
	EndTime   string `json:"EndTime,omitempty"`
}

type monitorSummary struct {
	ID         string        `json:"Id"`
	Name       string        `json:"Name"`
	Width      int           `json:"Width"`
	Height     int           `json:"Height"`
	Resolution string        `json:"Resolution,omitempty"`
	CaptureFPS float64       `json:"CaptureFPS"`
	Earliest   *eventSummary `json:"Earliest"`
	Latest     *eventSummary `json:"Latest"`
}

// GET /api/v1/events/summary?ids=1,2,5
// Cameras with resolution/FPS plus their earliest and latest finished events.
func (s *Server) EventsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var mons []zm.Monitor
	if ids := strings.TrimSpace(r.URL.Query().Get("ids")); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			m, err := s.mons.Get(ctx, id)
			if err != nil {
				s.logger.Printf("[WARN] api: monitor %s: %v", id, err)
				mons = append(mons, zm.Monitor{ID: id})
				continue
			}
			mons = append(mons, *m)
		}
	} else {
		var err error
		mons, err = s.mons.All(ctx)
		if err != nil {
			respondError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	results := make([]monitorSummary, 0, len(mons))
	for _, m := range mons {
		ms := monitorSummary{
			ID: m.ID, Name: m.Name,
			Width: m.Width, Height: m.Height,
			Resolution: m.Resolution(), CaptureFPS: m.CaptureFPS,
		}
		ms.Earliest = s.pickEvent(ctx, m.ID, false)
		ms.Latest = s.pickEvent(ctx, m.ID, true)
		results = append(results, ms)
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// pickEvent returns the first closed event at the asked end of the listing,
// falling back to the very first record when none has finished.
func (s *Server) pickEvent(ctx context.Context, monitorID string, latest bool) *eventSummary {
	events, _, err := s.nvr.ListEvents(ctx, zm.EventQuery{
		MonitorID:  monitorID,
		Descending: latest,
		Limit:      2,
	})
	if err != nil || len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		if ev.Closed() {
			return &eventSummary{
				ID:        ev.ID,
				StartTime: ev.StartTime.Format(zm.TimeLayout),
				EndTime:   ev.EndTime.Format(zm.TimeLayout),
			}
		}
	}
	ev := events[0]
	out := &eventSummary{ID: ev.ID, StartTime: ev.StartTime.Format(zm.TimeLayout)}
	if ev.Closed() {
		out.EndTime = ev.EndTime.Format(zm.TimeLayout)
	}
	return out
}

type eventView struct {
	EventID   string `json:"EventId"`
	MonitorID string `json:"MonitorId"`
	StartTime string `json:"StartTime"`
	EndTime   string `json:"EndTime,omitempty"`
	Length    string `json:"Length"`
	Frames    string `json:"Frames"`
	Score     string `json:"Score"`
	VideoURL  string `json:"VideoURL"`
	EventJSON string `json:"EventJSON"`
}

// GET /api/v1/events/videos?monitor_id=&start=&end=&chunk=
// Every event for the monitor inside [start, end], paged internally.
func (s *Server) EventsVideos(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	monitorID := q.Get("monitor_id")
	if monitorID == "" {
		respondError(w, http.StatusBadRequest, "monitor_id is required")
		return
	}
	start, err := parseWindowTime(q.Get("start"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseWindowTime(q.Get("end"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	chunk, _ := strconv.Atoi(q.Get("chunk"))
	if chunk <= 0 {
		chunk = 200
	}

	var out []eventView
	page := 1
	for {
		events, pg, err := s.nvr.ListEvents(r.Context(), zm.EventQuery{
			MonitorID:   monitorID,
			StartAfter:  start,
			StartBefore: end,
			Limit:       chunk,
			Page:        page,
		})
		if err != nil {
			s.logger.Printf("[WARN] api: list events page %d: %v", page, err)
			break
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if ev.ID == "" {
				continue
			}
			view := eventView{
				EventID:   ev.ID,
				MonitorID: ev.MonitorID,
				StartTime: ev.StartTime.Format(zm.TimeLayout),
				Length:    ev.Length,
				Frames:    ev.Frames,
				Score:     ev.MaxScore,
				VideoURL:  s.nvr.EventVideoURL(ev.ID),
				EventJSON: s.nvr.EventJSONURL(ev.ID),
			}
			if ev.Closed() {
				view.EndTime = ev.EndTime.Format(zm.TimeLayout)
			}
			out = append(out, view)
		}
		if pg.PageCount > 0 && page >= pg.PageCount {
			break
		}
		if len(events) < chunk {
			break
		}
		page++
	}

	if out == nil {
		out = []eventView{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}
