package arbiterclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Watch streams events for volume and calls fn for each, starting with a
// snapshot of the current state. It returns when ctx ends, the server closes
// the stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, volume string, fn func(Event) error) error {
	path := c.volumePath(volume, "events")
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the client's request timeout.
	hc := *c.http
	hc.Timeout = 0
	rsp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		return &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: rsp.StatusCode}
	}

	sc := bufio.NewScanner(rsp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var typ string
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if typ == "" && data.Len() == 0 {
				continue
			}
			e, err := decodeEvent(typ, data.String())
			typ = ""
			data.Reset()
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			typ = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return sc.Err()
}

func decodeEvent(typ, data string) (Event, error) {
	if typ == EventSnapshot {
		var st Status
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return Event{}, fmt.Errorf("decode snapshot: %w", err)
		}
		return Event{
			Type:         EventSnapshot,
			Resource:     st.Volume,
			Role:         st.Holder,
			LeaseID:      st.LeaseID,
			FencingToken: st.FencingToken,
			State:        st.State,
			Version:      st.Version,
		}, nil
	}
	var e Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Event{}, fmt.Errorf("decode %s event: %w", typ, err)
	}
	if e.Type == "" {
		e.Type = typ
	}
	return e, nil
}
