package zm

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp format ZoneMinder uses everywhere in its API.
const TimeLayout = "2006-01-02 15:04:05"

// Time knows how to decode ZoneMinder timestamps, which arrive as
// "YYYY-MM-DD HH:MM:SS" strings, sometimes null, sometimes the zero sentinel
// "0000-00-00 00:00:00" while a recording is still open.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// null or unexpected type: treat as unset
		t.Time = time.Time{}
		return nil
	}
	s = strings.TrimSpace(strings.ReplaceAll(s, "T", " "))
	if s == "" || strings.ToLower(s) == "null" || strings.ToLower(s) == "none" || strings.HasPrefix(s, "0000-00-00") {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(TimeLayout, s, time.Local)
	if err != nil {
		t.Time = time.Time{}
		return nil
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(TimeLayout))
}

func (t Time) IsSet() bool { return !t.IsZero() }

// Event is one motion-recording segment as reported by the NVR. The API
// serializes every numeric field as a string.
type Event struct {
	ID        string `json:"Id"`
	MonitorID string `json:"MonitorId"`
	Name      string `json:"Name"`
	StartTime Time   `json:"StartTime"`
	EndTime   Time   `json:"EndTime"`
	Length    string `json:"Length"`
	Frames    string `json:"Frames"`
	MaxScore  string `json:"MaxScore"`
}

// Closed reports whether the recording has finished. An event without an end
// time is still open and must be re-polled.
func (e Event) Closed() bool { return e.EndTime.IsSet() }

// LengthSeconds parses the Length field, 0 when absent or malformed.
func (e Event) LengthSeconds() float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(e.Length), 64)
	if err != nil {
		return 0
	}
	return v
}

// Valid checks the fields the poller cannot proceed without.
func (e Event) Valid() bool {
	return e.ID != "" && e.MonitorID != "" && e.StartTime.IsSet()
}

// Monitor describes one camera feed.
type Monitor struct {
	ID         string  `json:"Id"`
	Name       string  `json:"Name"`
	Width      int     `json:"Width"`
	Height     int     `json:"Height"`
	CaptureFPS float64 `json:"CaptureFPS"`
}

// Resolution returns "WxH", empty when dimensions are unknown.
func (m Monitor) Resolution() string {
	if m.Width <= 0 || m.Height <= 0 {
		return ""
	}
	return strconv.Itoa(m.Width) + "x" + strconv.Itoa(m.Height)
}

// Pagination is the page metadata ZoneMinder returns alongside event lists.
type Pagination struct {
	Page      int `json:"page"`
	PageCount int `json:"pageCount"`
}

// wire shapes

type eventWrap struct {
	Event Event `json:"Event"`
}

type eventsPage struct {
	Events        []eventWrap     `json:"events"`
	Pagination    json.RawMessage `json:"pagination"`
	PaginationCap json.RawMessage `json:"Pagination"`
}

func (p eventsPage) pagination() Pagination {
	var out Pagination
	raw := p.Pagination
	if len(raw) == 0 || string(raw) == "null" {
		raw = p.PaginationCap
	}
	if len(raw) == 0 {
		return out
	}
	// pageCount occasionally arrives as a string
	var loose struct {
		Page      json.Number `json:"page"`
		Current   json.Number `json:"current"`
		PageCount json.Number `json:"pageCount"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return out
	}
	if v, err := loose.Page.Int64(); err == nil && v > 0 {
		out.Page = int(v)
	} else if v, err := loose.Current.Int64(); err == nil {
		out.Page = int(v)
	}
	if v, err := loose.PageCount.Int64(); err == nil {
		out.PageCount = int(v)
	}
	return out
}

type eventView struct {
	Event struct {
		Event Event `json:"Event"`
	} `json:"event"`
}

type monitorWrap struct {
	Monitor struct {
		ID     string `json:"Id"`
		Name   string `json:"Name"`
		Width  string `json:"Width"`
		Height string `json:"Height"`
	} `json:"Monitor"`
	Status struct {
		CaptureFPS string `json:"CaptureFPS"`
	} `json:"Monitor_Status"`
}

func (w monitorWrap) toMonitor() Monitor {
	m := Monitor{ID: w.Monitor.ID, Name: w.Monitor.Name}
	m.Width, _ = strconv.Atoi(w.Monitor.Width)
	m.Height, _ = strconv.Atoi(w.Monitor.Height)
	m.CaptureFPS, _ = strconv.ParseFloat(strings.TrimSpace(w.Status.CaptureFPS), 64)
	return m
}
