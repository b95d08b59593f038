package zm

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// authDisabledToken is recorded when the server reports auth is off
	// entirely; it never expires in practice and suppresses re-login.
	authDisabledToken = "AUTH_DISABLED"

	tokenLifetime        = time.Hour
	authDisabledLifetime = 10 * 365 * 24 * time.Hour
	defaultTimeout       = 30 * time.Second
	downloadTimeout      = 180 * time.Second
)

var ErrLoginFailed = errors.New("zm: login failed")

// StatusError is a non-2xx answer served for a clip download. Callers can
// pull the code out to report it alongside the failure.
type StatusError struct {
	EventID string
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("zm: clip download for event %s: status %d", e.EventID, e.Code)
}

// Options configures the API client.
type Options struct {
	Host      string // e.g. https://nvr.local, no trailing slash
	ZMUser    string // ZoneMinder account for token login
	ZMPass    string
	BasicUser string // outer basic-auth (reverse proxy), optional
	BasicPass string
	TokenPath string // on-disk token cache, optional
	Insecure  bool   // skip TLS verification (self-signed NVR certs)
}

// Client talks to the ZoneMinder HTTP API: token login, event listing and
// lookup, clip retrieval, monitor metadata.
type Client struct {
	opts Options
	http *http.Client
	dl   *http.Client

	mu           sync.Mutex
	token        string
	tokenExpiry  time.Time
	authDisabled bool
}

func NewClient(opts Options) *Client {
	opts.Host = strings.TrimRight(opts.Host, "/")
	transport := http.DefaultTransport
	if opts.Insecure {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	c := &Client{
		opts: opts,
		http: &http.Client{Timeout: defaultTimeout, Transport: transport},
		dl:   &http.Client{Timeout: downloadTimeout, Transport: transport},
	}
	c.loadCachedToken()
	return c
}

type tokenFile struct {
	Token   string  `json:"token"`
	Expires float64 `json:"expires"` // epoch seconds
}

func (c *Client) loadCachedToken() {
	if c.opts.TokenPath == "" {
		return
	}
	raw, err := os.ReadFile(c.opts.TokenPath)
	if err != nil {
		return
	}
	var tf tokenFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return
	}
	exp := time.Unix(int64(tf.Expires), 0)
	if tf.Token == "" || time.Now().After(exp) {
		return
	}
	c.token = tf.Token
	c.tokenExpiry = exp
	c.authDisabled = tf.Token == authDisabledToken
}

func (c *Client) saveToken(token string, expiry time.Time) {
	if c.opts.TokenPath == "" {
		return
	}
	raw, _ := json.Marshal(tokenFile{Token: token, Expires: float64(expiry.Unix())})
	if err := os.WriteFile(c.opts.TokenPath, raw, 0o600); err != nil {
		log.Printf("[WARN] zm: writing token cache: %v", err)
	}
}

// Token returns a usable session token, logging in when the cached one has
// expired. When the server runs with authentication disabled the sentinel
// token is returned forever without further logins. On login failure an
// empty token is returned along with the error; callers may still issue the
// request and let the server reject it.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.authDisabled || (c.token != "" && time.Now().Before(c.tokenExpiry)) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("user", c.opts.ZMUser)
	form.Set("pass", c.opts.ZMPass)
	form.Set("stateful", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.Host+"/zm/api/host/login.json", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setBasicAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return "", fmt.Errorf("%w: status %d: %s", ErrLoginFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		Version     string `json:"version"`
		APIVersion  string `json:"apiversion"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: invalid json: %v", ErrLoginFailed, err)
	}

	now := time.Now()
	switch {
	case payload.AccessToken != "":
		c.mu.Lock()
		c.token = payload.AccessToken
		c.tokenExpiry = now.Add(tokenLifetime)
		c.mu.Unlock()
		c.saveToken(payload.AccessToken, now.Add(tokenLifetime))
		return payload.AccessToken, nil
	case payload.Version != "" && payload.APIVersion != "":
		// login.json answers with version info instead of a token when the
		// server has authentication switched off
		c.mu.Lock()
		c.token = authDisabledToken
		c.tokenExpiry = now.Add(authDisabledLifetime)
		c.authDisabled = true
		c.mu.Unlock()
		c.saveToken(authDisabledToken, now.Add(authDisabledLifetime))
		return authDisabledToken, nil
	default:
		return "", fmt.Errorf("%w: 200 but no token and no version info", ErrLoginFailed)
	}
}

func (c *Client) setBasicAuth(req *http.Request) {
	if c.opts.BasicUser != "" || c.opts.BasicPass != "" {
		req.SetBasicAuth(c.opts.BasicUser, c.opts.BasicPass)
	}
}

// EventQuery narrows an event listing.
type EventQuery struct {
	MonitorID   string
	StartAfter  time.Time // StartTime >= (zero = unbounded)
	StartBefore time.Time // StartTime <= (zero = unbounded)
	Descending  bool
	Limit       int
	Page        int
}

// ListEvents fetches one page of events matching the query.
func (c *Client) ListEvents(ctx context.Context, q EventQuery) ([]Event, Pagination, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	path := "/zm/api/events/index"
	if q.MonitorID != "" {
		path += "/MonitorId:" + url.PathEscape(q.MonitorID)
	}
	if !q.StartAfter.IsZero() {
		path += "/" + url.PathEscape("StartTime >=:"+q.StartAfter.Format(TimeLayout))
	}
	if !q.StartBefore.IsZero() {
		path += "/" + url.PathEscape("StartTime <=:"+q.StartBefore.Format(TimeLayout))
	}
	path += ".json"

	dir := "asc"
	if q.Descending {
		dir = "desc"
	}
	query := fmt.Sprintf("sort=StartTime&direction=%s&limit=%d&page=%d", dir, q.Limit, q.Page)

	var page eventsPage
	if err := c.getJSON(ctx, path, query, &page); err != nil {
		return nil, Pagination{}, err
	}
	events := make([]Event, 0, len(page.Events))
	for _, w := range page.Events {
		events = append(events, w.Event)
	}
	return events, page.pagination(), nil
}

// GetEvent looks up one event by ID, nil when the server answers non-200.
func (c *Client) GetEvent(ctx context.Context, id string) (*Event, error) {
	var view eventView
	if err := c.getJSON(ctx, "/zm/api/events/view/"+url.PathEscape(id)+".json", "", &view); err != nil {
		return nil, err
	}
	ev := view.Event.Event
	return &ev, nil
}

// Monitors lists all monitors with their status.
func (c *Client) Monitors(ctx context.Context) ([]Monitor, error) {
	var payload struct {
		Monitors []monitorWrap `json:"monitors"`
	}
	if err := c.getJSON(ctx, "/zm/api/monitors.json", "", &payload); err != nil {
		return nil, err
	}
	out := make([]Monitor, 0, len(payload.Monitors))
	for _, w := range payload.Monitors {
		out = append(out, w.toMonitor())
	}
	return out, nil
}

// GetMonitor looks up one monitor by ID.
func (c *Client) GetMonitor(ctx context.Context, id string) (*Monitor, error) {
	var payload struct {
		Monitor       monitorWrap     `json:"monitor"`
		BareMonitor   json.RawMessage `json:"Monitor"`
		MonitorStatus json.RawMessage `json:"Monitor_Status"`
	}
	if err := c.getJSON(ctx, "/zm/api/monitors/"+url.PathEscape(id)+".json", "", &payload); err != nil {
		return nil, err
	}
	wrap := payload.Monitor
	if wrap.Monitor.ID == "" && len(payload.BareMonitor) > 0 {
		// some deployments answer with the wrap fields at the top level
		json.Unmarshal(payload.BareMonitor, &wrap.Monitor)
		if len(payload.MonitorStatus) > 0 {
			json.Unmarshal(payload.MonitorStatus, &wrap.Status)
		}
	}
	m := wrap.toMonitor()
	return &m, nil
}

// OpenClip starts a streamed download of the event's video. The caller owns
// the returned body. Transient transport errors are retried with exponential
// backoff; a served non-2xx status is returned immediately as an error.
func (c *Client) OpenClip(ctx context.Context, eventID string) (io.ReadCloser, int64, error) {
	token, err := c.Token(ctx)
	if err != nil {
		log.Printf("[WARN] zm: proceeding without token: %v", err)
	}

	u := c.opts.Host + "/zm/index.php?view=view_video&eid=" + url.QueryEscape(eventID)
	if token != "" {
		u += "&token=" + url.QueryEscape(token)
	}

	var body io.ReadCloser
	var length int64
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setBasicAuth(req)
		resp, err := c.dl.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return backoff.Permanent(&StatusError{EventID: eventID, Code: resp.StatusCode})
		}
		body = resp.Body
		length = resp.ContentLength
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, 0, err
	}
	return body, length, nil
}

// EventPageURL is the human-facing event page, used in log lines.
func (c *Client) EventPageURL(eventID string) string {
	return c.opts.Host + "/zm?view=event&eid=" + url.QueryEscape(eventID)
}

// EventVideoURL is the direct video link for an event.
func (c *Client) EventVideoURL(eventID string) string {
	return c.opts.Host + "/zm/index.php?view=view_video&eid=" + url.QueryEscape(eventID)
}

// EventJSONURL is the API detail link for an event.
func (c *Client) EventJSONURL(eventID string) string {
	return c.opts.Host + "/zm/api/events/" + url.PathEscape(eventID) + ".json"
}

func (c *Client) getJSON(ctx context.Context, path, query string, out any) error {
	token, err := c.Token(ctx)
	if err != nil {
		log.Printf("[WARN] zm: proceeding without token: %v", err)
	}
	u := c.opts.Host + path
	sep := "?"
	if query != "" {
		u += "?" + query
		sep = "&"
	}
	if token != "" {
		u += sep + "token=" + url.QueryEscape(token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.setBasicAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("zm: GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
