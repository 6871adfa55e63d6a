package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Transport opens one logical stream attempt. The controller owns retry
// and resume; a Transport only knows how to dial and decode.
type Transport interface {
	Connect(ctx context.Context, sinceID uint64) (EventStream, error)
}

// EventStream is one live connection's event sequence. Next blocks until
// an event arrives or the connection dies.
type EventStream interface {
	Next() (Event, error)
	Close() error
}

// SSETransport consumes the server's SSE stream endpoint.
type SSETransport struct {
	// URL is the absolute stream endpoint, e.g. https://host/v1/stream.
	URL string

	// Token is the tenant-scoped bearer token.
	Token string

	// HTTPClient must have no overall timeout: the stream is long-lived.
	// Defaults to a fresh client when nil.
	HTTPClient *http.Client
}

// Connect implements Transport.
func (t *SSETransport) Connect(ctx context.Context, sinceID uint64) (EventStream, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	if sinceID > 0 {
		q := u.Query()
		q.Set("since", strconv.FormatUint(sinceID, 10))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	httpClient := t.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("stream endpoint returned %d", resp.StatusCode)
	}

	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// sseStream decodes the text/event-stream format incrementally. The
// server encodes each envelope as JSON in the data field and mirrors the
// envelope id in the SSE id field.
type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func (s *sseStream) Next() (Event, error) {
	var (
		eventType string
		id        string
		data      strings.Builder
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data.Len() == 0 {
				// Comment or keepalive block, keep reading.
				eventType, id = "", ""
				continue
			}
			return decodeEvent(eventType, id, data.String())
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "id":
			id = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

func decodeEvent(eventType, id, data string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return Event{}, fmt.Errorf("malformed event payload: %w", err)
	}
	if ev.Type == "" {
		ev.Type = eventType
	}
	if ev.ID == 0 && id != "" {
		if parsed, err := strconv.ParseUint(id, 10, 64); err == nil {
			ev.ID = parsed
		}
	}
	return ev, nil
}
