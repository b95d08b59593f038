package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmtools/zmagent/internal/zm"
)

type fakeSource struct {
	pages   [][]zm.Event
	clips   map[string]string // event ID -> clip body
	clipErr map[string]error
	listErr error
	calls   int
}

func (f *fakeSource) ListEvents(_ context.Context, q zm.EventQuery) ([]zm.Event, zm.Pagination, error) {
	f.calls++
	if f.listErr != nil {
		return nil, zm.Pagination{}, f.listErr
	}
	if q.Page < 1 || q.Page > len(f.pages) {
		return nil, zm.Pagination{Page: q.Page, PageCount: len(f.pages)}, nil
	}
	return f.pages[q.Page-1], zm.Pagination{Page: q.Page, PageCount: len(f.pages)}, nil
}

func (f *fakeSource) OpenClip(_ context.Context, eventID string) (io.ReadCloser, int64, error) {
	if err, ok := f.clipErr[eventID]; ok {
		return nil, 0, err
	}
	body, ok := f.clips[eventID]
	if !ok {
		return nil, 0, errors.New("no such clip")
	}
	return io.NopCloser(strings.NewReader(body)), int64(len(body)), nil
}

func (f *fakeSource) EventVideoURL(id string) string { return "http://nvr/video/" + id }
func (f *fakeSource) EventJSONURL(id string) string  { return "http://nvr/json/" + id }

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation(zm.TimeLayout, s, time.Local)
	require.NoError(t, err)
	return ts
}

func closedEvent(id, monitorID string, start, end time.Time) zm.Event {
	ev := zm.Event{ID: id, MonitorID: monitorID, Length: fmt.Sprintf("%.2f", end.Sub(start).Seconds())}
	ev.StartTime.Time = start
	ev.EndTime.Time = end
	return ev
}

func openEvent(id, monitorID string, start time.Time) zm.Event {
	ev := zm.Event{ID: id, MonitorID: monitorID}
	ev.StartTime.Time = start
	return ev
}

func TestCollectBoundaryCut(t *testing.T) {
	t0 := mustParse(t, "2024-01-01 10:00:00")
	src := &fakeSource{pages: [][]zm.Event{{
		closedEvent("1", "7", t0, t0.Add(60*time.Second)),
	}}}

	items, err := Collect(context.Background(), src, Window{
		MonitorID: "7",
		Start:     t0.Add(10 * time.Second),
		End:       t0.Add(40 * time.Second),
	}, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.InDelta(t, 10.0, items[0].OffsetSec, 1e-9)
	assert.InDelta(t, 30.0, items[0].DurationSec, 1e-9)
	assert.InDelta(t, 60.0, items[0].lengthSec, 1e-9, "recorded length carried for the tail-cut decision")
	assert.Equal(t, "2024-01-01 10:00:10", items[0].ClipStart)
	assert.Equal(t, "2024-01-01 10:00:40", items[0].ClipEnd)
}

func TestCollectSkipsOpenAndNonOverlapping(t *testing.T) {
	t0 := mustParse(t, "2024-01-01 10:00:00")
	src := &fakeSource{pages: [][]zm.Event{{
		openEvent("1", "7", t0),
		closedEvent("2", "7", t0.Add(-10*time.Minute), t0.Add(-9*time.Minute)),
		closedEvent("3", "7", t0, t0.Add(time.Minute)),
	}}}

	items, err := Collect(context.Background(), src, Window{
		MonitorID: "7", Start: t0, End: t0.Add(5 * time.Minute),
	}, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "3", items[0].EventID)
}

func TestCollectMinOverlapFilter(t *testing.T) {
	t0 := mustParse(t, "2024-01-01 10:00:00")
	// touches the window by only one second, below the 2s buffer
	graze := closedEvent("1", "7", t0.Add(-59*time.Second), t0.Add(1*time.Second))
	solid := closedEvent("2", "7", t0.Add(10*time.Second), t0.Add(70*time.Second))
	src := &fakeSource{pages: [][]zm.Event{{graze, solid}}}

	items, err := Collect(context.Background(), src, Window{
		MonitorID: "7", Start: t0, End: t0.Add(5 * time.Minute),
		Buffer: 2 * time.Second,
	}, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "2", items[0].EventID)
}

func TestCollectStopsPastWindowEnd(t *testing.T) {
	t0 := mustParse(t, "2024-01-01 10:00:00")
	end := t0.Add(5 * time.Minute)
	src := &fakeSource{pages: [][]zm.Event{
		make([]zm.Event, 0, 1),
		{closedEvent("9", "7", end.Add(time.Hour), end.Add(time.Hour+time.Minute))},
	}}
	// page 1 holds only events at/after the buffered end
	src.pages[0] = append(src.pages[0], closedEvent("8", "7", end.Add(time.Minute), end.Add(2*time.Minute)))

	items, err := Collect(context.Background(), src, Window{
		MonitorID: "7", Start: t0, End: end, Chunk: 1,
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 1, src.calls, "pagination should stop after the first page past the window")
}

func TestCollectListFailure(t *testing.T) {
	src := &fakeSource{listErr: errors.New("boom")}
	items, err := Collect(context.Background(), src, Window{
		MonitorID: "7",
		Start:     mustParse(t, "2024-01-01 10:00:00"),
		End:       mustParse(t, "2024-01-01 10:05:00"),
	}, nil)
	assert.Error(t, err)
	assert.Empty(t, items)
}

func TestWindowBase(t *testing.T) {
	w := Window{
		MonitorID: "3",
		Start:     mustParse(t, "2024-01-01 10:00:00"),
		End:       mustParse(t, "2024-01-02 10:00:00"),
	}
	assert.Equal(t, "m3_2024-01-01-10-00-00_to_2024-01-02-10-00-00", w.Base())
}
