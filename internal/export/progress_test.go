package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeID(t *testing.T) {
	assert.Equal(t, "2024-01-01-10-00-00", SafeID("2024-01-01 10:00:00"))
	assert.Equal(t, "job_1.x", SafeID("job_1.x"))
	assert.Equal(t, "a-b", SafeID("--a//b--"))
	assert.Equal(t, "", SafeID(""))
}

func TestOverallFieldsWithoutConcat(t *testing.T) {
	s := withOverall(Snapshot{Phase: "download", Status: "running", Total: 4, Done: 1})
	assert.Equal(t, 25, s.OverallPercent)
	assert.Equal(t, "running", s.OverallStatus)
	assert.Contains(t, s.OverallText, "downloading 1/4")
}

func TestOverallFieldsWithConcat(t *testing.T) {
	// download phase occupies the first half of the bar
	s := withOverall(Snapshot{Phase: "download", Status: "running", Total: 4, Done: 2, WantConcat: true})
	assert.Equal(t, 25, s.OverallPercent)

	// download done but concat still pending keeps overall status running
	s = withOverall(Snapshot{Phase: "download", Status: "done", Total: 4, Done: 4, WantConcat: true})
	assert.Equal(t, 50, s.OverallPercent)
	assert.Equal(t, "running", s.OverallStatus)

	// concat occupies the second half
	s = withOverall(Snapshot{Phase: "concat", Status: "running", Total: 4, Done: 2, WantConcat: true})
	assert.Equal(t, 75, s.OverallPercent)

	s = withOverall(Snapshot{Phase: "concat", Status: "done", Total: 4, Done: 4, WantConcat: true})
	assert.Equal(t, 100, s.OverallPercent)
	assert.Equal(t, "done", s.OverallStatus)
}

func TestOverallFieldsError(t *testing.T) {
	s := withOverall(Snapshot{Phase: "download", Status: "error", Total: 4, Done: 1})
	assert.Equal(t, "error", s.OverallStatus)
	assert.Contains(t, s.OverallText, "error")
}

func TestProgressStoreRoundTrip(t *testing.T) {
	store := NewProgressStore(t.TempDir())

	_, ok := store.Read("job1")
	assert.False(t, ok)

	store.Write("job1", Snapshot{Phase: "download", Status: "running", Total: 3, Done: 1, Bytes: 42})
	got, ok := store.Read("job1")
	require.True(t, ok)
	assert.Equal(t, "download", got.Phase)
	assert.Equal(t, 1, got.Done)
	assert.Equal(t, int64(42), got.Bytes)
	assert.NotEmpty(t, got.OverallText)
}

func TestProgressStoreEmptyJobIDIsNoop(t *testing.T) {
	store := NewProgressStore(t.TempDir())
	store.Write("", Snapshot{Phase: "download", Status: "running"})
	_, ok := store.Read("")
	assert.False(t, ok)
}

func TestProgressStoreFinalize(t *testing.T) {
	store := NewProgressStore(t.TempDir())
	store.Write("job1", Snapshot{Phase: "concat", Status: "done", Total: 2, Done: 2, WantConcat: true})
	store.Finalize("job1", "m3_2024-01-01_to_2024-01-02")

	_, ok := store.Read("job1")
	assert.False(t, ok)
	got, ok := store.Read("m3_2024-01-01_to_2024-01-02")
	require.True(t, ok)
	assert.Equal(t, "done", got.Status)
}
