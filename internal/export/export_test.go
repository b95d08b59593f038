package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmtools/zmagent/internal/zm"
)

func newTestExporter(t *testing.T, src Source) *Exporter {
	t.Helper()
	return New(src, t.TempDir(), log.New(io.Discard, "", 0))
}

func TestRunDownloadsOverlappingEvents(t *testing.T) {
	t0 := mustParse(t, "2024-01-01 10:00:00")
	src := &fakeSource{
		pages: [][]zm.Event{{
			closedEvent("100", "7", t0, t0.Add(time.Minute)),
			closedEvent("101", "7", t0.Add(time.Minute), t0.Add(2*time.Minute)),
		}},
		clips: map[string]string{"100": "AAAA", "101": "BBBBBB"},
	}
	x := newTestExporter(t, src)

	res, err := x.Run(context.Background(), Request{
		Window: Window{
			MonitorID: "7",
			Start:     t0,
			End:       t0.Add(5 * time.Minute),
			Buffer:    2 * time.Second,
		},
		Download: true,
		JobID:    "job1",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Results.Count)
	assert.Equal(t, 2, res.Videos.Downloaded)
	assert.Equal(t, 0, res.Videos.Failed)
	assert.Equal(t, int64(10), res.Videos.Bytes)

	for _, name := range []string{"7-100.mp4", "7-101.mp4"} {
		_, err := os.Stat(filepath.Join(x.Dir(), name))
		assert.NoError(t, err, name)
	}

	// counter is renamed to the window-derived name when the job ends
	_, ok := x.Progress().Read("job1")
	assert.False(t, ok)
	got, ok := x.Progress().Read("m7_2024-01-01-10-00-00_to_2024-01-01-10-05-00")
	require.True(t, ok)
	assert.Equal(t, "download", got.Phase)
	assert.Equal(t, "done", got.Status)
	assert.Equal(t, 2, got.Done)
}

func TestRunPartialFailureContinues(t *testing.T) {
	t0 := mustParse(t, "2024-01-01 10:00:00")
	src := &fakeSource{
		pages: [][]zm.Event{{
			closedEvent("100", "7", t0, t0.Add(time.Minute)),
			closedEvent("101", "7", t0.Add(time.Minute), t0.Add(2*time.Minute)),
			closedEvent("102", "7", t0.Add(2*time.Minute), t0.Add(3*time.Minute)),
		}},
		clips:   map[string]string{"100": "AAAA", "102": "CC"},
		clipErr: map[string]error{"101": errors.New("connection reset")},
	}
	x := newTestExporter(t, src)

	res, err := x.Run(context.Background(), Request{
		Window:   Window{MonitorID: "7", Start: t0, End: t0.Add(5 * time.Minute)},
		Download: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Videos.Attempted)
	assert.Equal(t, 2, res.Videos.Downloaded)
	assert.Equal(t, 1, res.Videos.Failed)

	_, statErr := os.Stat(filepath.Join(x.Dir(), "7-101.mp4"))
	assert.True(t, os.IsNotExist(statErr), "failed download must not leave a clip behind")
}

func TestHTTPStatusOf(t *testing.T) {
	wrapped := fmt.Errorf("downloading clip: %w", &zm.StatusError{EventID: "9", Code: 403})
	assert.Equal(t, 403, httpStatusOf(wrapped))
	assert.Equal(t, 0, httpStatusOf(errors.New("connection reset")))
}

func TestRunSavesEventSummary(t *testing.T) {
	t0 := mustParse(t, "2024-01-01 10:00:00")
	src := &fakeSource{pages: [][]zm.Event{{
		closedEvent("100", "7", t0, t0.Add(time.Minute)),
	}}}
	x := newTestExporter(t, src)

	res, err := x.Run(context.Background(), Request{
		Window: Window{MonitorID: "7", Start: t0, End: t0.Add(5 * time.Minute)},
	})
	require.NoError(t, err)

	require.NotEmpty(t, res.Saved.Path)
	raw, err := os.ReadFile(res.Saved.Path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"EventId": "100"`)
	assert.Equal(t, int64(len(raw)), res.Saved.Bytes)
}

func TestRunCoverageSpan(t *testing.T) {
	t0 := mustParse(t, "2024-01-01 10:00:00")
	src := &fakeSource{pages: [][]zm.Event{{
		closedEvent("100", "7", t0, t0.Add(time.Minute)),
		closedEvent("101", "7", t0.Add(2*time.Minute), t0.Add(3*time.Minute)),
	}}}
	x := newTestExporter(t, src)

	res, err := x.Run(context.Background(), Request{
		Window: Window{MonitorID: "7", Start: t0, End: t0.Add(5 * time.Minute)},
	})
	require.NoError(t, err)

	assert.Equal(t, "2024-01-01 10:00:00", res.Results.Coverage.FirstStart)
	assert.Equal(t, "2024-01-01 10:03:00", res.Results.Coverage.LastEnd)
	assert.Equal(t, 180, res.Results.Coverage.SpanSeconds)
	assert.Equal(t, "00:03:00", res.Results.Coverage.SpanHMS)
	assert.Equal(t, "00:05:00", res.Requested.SpanHMS)
}

func TestRunListFailureNoItems(t *testing.T) {
	src := &fakeSource{listErr: errors.New("nvr down")}
	x := newTestExporter(t, src)

	_, err := x.Run(context.Background(), Request{
		Window: Window{
			MonitorID: "7",
			Start:     mustParse(t, "2024-01-01 10:00:00"),
			End:       mustParse(t, "2024-01-01 10:05:00"),
		},
	})
	assert.Error(t, err)
}

func TestDeleteConcatSet(t *testing.T) {
	x := newTestExporter(t, &fakeSource{})
	base := "concat_m3_2024-01-01_to_2024-01-02"
	for _, name := range []string{base + ".mp4", "events_m3_2024-01-01_to_2024-01-02.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(x.Dir(), name), []byte("x"), 0o644))
	}

	deleted, err := x.DeleteConcatSet(base)
	require.NoError(t, err)
	assert.Len(t, deleted, 2)

	_, err = x.DeleteConcatSet(base)
	assert.ErrorIs(t, err, ErrNothingDeleted)
}

func TestConcatProgressMonotone(t *testing.T) {
	store := NewProgressStore(t.TempDir())
	p := newConcatProgress(store, "job", "7", "copy", 4, 100.0)

	p.onOutTime(30) // 30% of 100s over 4 clips -> done 1
	first, ok := store.Read("job")
	require.True(t, ok)
	assert.Equal(t, 1, first.Done)

	p.lastWrite = time.Time{} // bypass the write throttle
	p.onOutTime(20)           // regression in reported time must not lower done
	got, _ := store.Read("job")
	assert.Equal(t, 1, got.Done)

	p.lastWrite = time.Time{}
	p.onOutTime(99) // near the end stays capped below the clip count
	got, _ = store.Read("job")
	assert.Equal(t, 3, got.Done)
}
