package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/sherpa-gw/internal/api"
	"github.com/mattjoyce/sherpa-gw/internal/events"
)

// --- Message types ---

type eventMsg events.Event
type healthMsg api.HealthzResponse
type jobsMsg api.JobsResponse
type historyMsg api.HistoryResponse
type cancelledMsg api.CancelResponse
type refreshMsg time.Time
type errMsg struct{ err error }

// streamClosedMsg carries the last event id seen so the stream can resume.
type streamClosedMsg struct{ lastID int64 }

// client talks to the gateway's ops API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *client) request(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// getJSON decodes the body into out. Non-2xx answers are errors, except
// that /healthz reports 503 with a body worth reading.
func (c *client) getJSON(method, path string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()
	req, err := c.request(ctx, method, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusServiceUnavailable {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s %s", method, path, resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) fetchHealth() tea.Msg {
	var h api.HealthzResponse
	if err := c.getJSON(http.MethodGet, "/healthz", &h); err != nil {
		return errMsg{err}
	}
	return healthMsg(h)
}

func (c *client) fetchJobs() tea.Msg {
	var j api.JobsResponse
	if err := c.getJSON(http.MethodGet, "/jobs", &j); err != nil {
		return errMsg{err}
	}
	return jobsMsg(j)
}

func (c *client) fetchHistory() tea.Msg {
	var h api.HistoryResponse
	if err := c.getJSON(http.MethodGet, "/jobs/history?limit=10", &h); err != nil {
		return errMsg{err}
	}
	return historyMsg(h)
}

func (c *client) cancel(class string) tea.Cmd {
	return func() tea.Msg {
		var r api.CancelResponse
		if err := c.getJSON(http.MethodPost, "/jobs/"+class+"/cancel", &r); err != nil {
			return errMsg{err}
		}
		return cancelledMsg(r)
	}
}

// stream follows /events and feeds ch until the connection drops.
func (c *client) stream(lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.request(context.Background(), http.MethodGet, "/events")
		if err != nil {
			return errMsg{err}
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}
		resp, err := (&http.Client{}).Do(req)
		if err != nil {
			return streamClosedMsg{lastID}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg{fmt.Errorf("event stream: %s", resp.Status)}
		}
		last := readSSE(resp.Body, func(ev events.Event) { ch <- ev })
		if last > lastID {
			lastID = last
		}
		return streamClosedMsg{lastID}
	}
}

// readSSE parses an event stream, calling emit per complete event, and
// returns the last id seen.
func readSSE(r io.Reader, emit func(events.Event)) int64 {
	var (
		last int64
		cur  events.Event
		data strings.Builder
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				cur.Data = json.RawMessage(data.String())
				cur.At = time.Now()
				emit(cur)
				if cur.ID > last {
					last = cur.ID
				}
			}
			cur = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			cur.ID, _ = strconv.ParseInt(line[4:], 10, 64)
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data.WriteString(line[6:])
		}
	}
	return last
}

func receive(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg { return eventMsg(<-ch) }
}
