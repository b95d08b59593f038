package zm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		Host:      srv.URL,
		ZMUser:    "admin",
		ZMPass:    "secret",
		TokenPath: filepath.Join(t.TempDir(), "zm_token.json"),
	})
	return c, srv
}

func loginHandler(t *testing.T, payload any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "admin", r.PostFormValue("user"))
		assert.Equal(t, "secret", r.PostFormValue("pass"))
		json.NewEncoder(w).Encode(payload)
	}
}

func TestTokenLogin(t *testing.T) {
	logins := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/zm/api/host/login.json", func(w http.ResponseWriter, r *http.Request) {
		logins++
		loginHandler(t, map[string]string{"access_token": "tok123"})(w, r)
	})
	c, _ := newTestClient(t, mux)

	tok, err := c.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "tok123", tok)

	// second call hits the in-memory cache
	tok, err = c.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "tok123", tok)
	assert.Equal(t, 1, logins)
}

func TestTokenAuthDisabled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/zm/api/host/login.json",
		loginHandler(t, map[string]string{"version": "1.36.33", "apiversion": "2.0"}))
	c, _ := newTestClient(t, mux)

	tok, err := c.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, authDisabledToken, tok)
}

func TestTokenLoginFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/zm/api/host/login.json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.Token(t.Context())
	require.ErrorIs(t, err, ErrLoginFailed)
	assert.Contains(t, err.Error(), "401")
}

func TestTokenCacheFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zm_token.json")
	raw, _ := json.Marshal(tokenFile{
		Token:   "cached-token",
		Expires: float64(time.Now().Add(time.Hour).Unix()),
	})
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	c := NewClient(Options{Host: "http://unreachable.invalid", TokenPath: path})
	tok, err := c.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "cached-token", tok)
}

func TestTokenCacheFileExpired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zm_token.json")
	raw, _ := json.Marshal(tokenFile{
		Token:   "stale",
		Expires: float64(time.Now().Add(-time.Minute).Unix()),
	})
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	mux := http.NewServeMux()
	mux.HandleFunc("/zm/api/host/login.json",
		loginHandler(t, map[string]string{"access_token": "fresh"}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(Options{Host: srv.URL, ZMUser: "admin", ZMPass: "secret", TokenPath: path})
	tok, err := c.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)

	// the fresh token must land back in the cache file
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	var tf tokenFile
	require.NoError(t, json.Unmarshal(raw, &tf))
	assert.Equal(t, "fresh", tf.Token)
}

func TestListEventsPathAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/zm/api/host/login.json",
		loginHandler(t, map[string]string{"access_token": "tok"}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{
			"events": [
				{"Event": {"Id": "42", "MonitorId": "3", "StartTime": "2024-05-01 10:00:00", "EndTime": "2024-05-01 10:01:30", "Length": "90.00", "Frames": "900", "MaxScore": "55"}}
			],
			"pagination": {"page": 1, "pageCount": "7"}
		}`)
	})
	c, _ := newTestClient(t, mux)

	events, pg, err := c.ListEvents(t.Context(), EventQuery{
		MonitorID:   "3",
		StartAfter:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local),
		StartBefore: time.Date(2024, 5, 1, 11, 0, 0, 0, time.Local),
		Limit:       50,
		Page:        2,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "42", ev.ID)
	assert.Equal(t, "3", ev.MonitorID)
	assert.True(t, ev.Closed())
	assert.InDelta(t, 90.0, ev.LengthSeconds(), 1e-9)

	assert.Equal(t, 1, pg.Page)
	assert.Equal(t, 7, pg.PageCount, "string pageCount must still parse")

	assert.Contains(t, gotPath, "/MonitorId:3")
	assert.Contains(t, gotPath, "StartTime >=:2024-05-01 09:00:00")
	assert.Contains(t, gotPath, "StartTime <=:2024-05-01 11:00:00")
	assert.Contains(t, gotQuery, "sort=StartTime")
	assert.Contains(t, gotQuery, "direction=asc")
	assert.Contains(t, gotQuery, "limit=50")
	assert.Contains(t, gotQuery, "page=2")
	assert.Contains(t, gotQuery, "token=tok")
}

func TestListEventsOpenEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/zm/api/host/login.json",
		loginHandler(t, map[string]string{"access_token": "tok"}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"events": [
			{"Event": {"Id": "9", "MonitorId": "1", "StartTime": "2024-05-01 10:00:00", "EndTime": "0000-00-00 00:00:00"}},
			{"Event": {"Id": "10", "MonitorId": "1", "StartTime": "2024-05-01 10:02:00", "EndTime": null}}
		]}`)
	})
	c, _ := newTestClient(t, mux)

	events, _, err := c.ListEvents(t.Context(), EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.False(t, events[0].Closed())
	assert.False(t, events[1].Closed())
}

func TestGetEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/zm/api/host/login.json",
		loginHandler(t, map[string]string{"access_token": "tok"}))
	mux.HandleFunc("/zm/api/events/view/77.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"event": {"Event": {"Id": "77", "MonitorId": "2", "StartTime": "2024-05-01 08:00:00", "EndTime": "2024-05-01 08:00:42", "Length": "42.00"}}}`)
	})
	c, _ := newTestClient(t, mux)

	ev, err := c.GetEvent(t.Context(), "77")
	require.NoError(t, err)
	assert.Equal(t, "77", ev.ID)
	assert.Equal(t, "2", ev.MonitorID)
	assert.InDelta(t, 42.0, ev.LengthSeconds(), 1e-9)
}

func TestGetMonitorNested(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/zm/api/host/login.json",
		loginHandler(t, map[string]string{"access_token": "tok"}))
	mux.HandleFunc("/zm/api/monitors/5.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"monitor": {
			"Monitor": {"Id": "5", "Name": "driveway", "Width": "1920", "Height": "1080"},
			"Monitor_Status": {"CaptureFPS": "12.5"}
		}}`)
	})
	c, _ := newTestClient(t, mux)

	m, err := c.GetMonitor(t.Context(), "5")
	require.NoError(t, err)
	assert.Equal(t, "driveway", m.Name)
	assert.Equal(t, "1920x1080", m.Resolution())
	assert.InDelta(t, 12.5, m.CaptureFPS, 1e-9)
}

func TestOpenClipStreams(t *testing.T) {
	payload := []byte("not really an mp4")
	mux := http.NewServeMux()
	mux.HandleFunc("/zm/api/host/login.json",
		loginHandler(t, map[string]string{"access_token": "tok"}))
	mux.HandleFunc("/zm/index.php", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "view_video", r.URL.Query().Get("view"))
		assert.Equal(t, "31", r.URL.Query().Get("eid"))
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		w.Write(payload)
	})
	c, _ := newTestClient(t, mux)

	body, size, err := c.OpenClip(t.Context(), "31")
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int64(len(payload)), size)
}

func TestOpenClipServerError(t *testing.T) {
	hits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/zm/api/host/login.json",
		loginHandler(t, map[string]string{"access_token": "tok"}))
	mux.HandleFunc("/zm/index.php", func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "gone", http.StatusNotFound)
	})
	c, _ := newTestClient(t, mux)

	_, _, err := c.OpenClip(t.Context(), "31")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, 1, hits, "a served status is not retried")
}

func TestBasicAuthForwarded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/zm/api/host/login.json", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "outer", user)
		assert.Equal(t, "gate", pass)
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(Options{Host: srv.URL, ZMUser: "admin", ZMPass: "secret", BasicUser: "outer", BasicPass: "gate"})
	_, err := c.Token(t.Context())
	require.NoError(t, err)
}

func TestEventURLs(t *testing.T) {
	c := NewClient(Options{Host: "https://nvr.local/"})
	assert.Equal(t, "https://nvr.local/zm/index.php?view=view_video&eid=12", c.EventVideoURL("12"))
	assert.Equal(t, "https://nvr.local/zm/api/events/12.json", c.EventJSONURL("12"))
	assert.Equal(t, "https://nvr.local/zm?view=event&eid=12", c.EventPageURL("12"))
}
