package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"notes-sync/auth"
)

// ErrStreamClosed is returned when the remote end closes an active stream.
var ErrStreamClosed = errors.New("stream closed by remote")

const (
	sseDataField  = "data"
	sseEventField = "event"
)

// SSESource reads server-sent events. Every dispatched event of the default
// type carries one change payload.
type SSESource struct {
	URL         string
	Client      *http.Client
	Credentials *auth.Credentials
}

// Subscribe implements Source.
func (s *SSESource) Subscribe(ctx context.Context, deliver func([]byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if err := s.Credentials.Apply(req.Header); err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connect stream: unexpected status %d", resp.StatusCode)
	}

	err = readEvents(resp.Body, deliver)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		return ErrStreamClosed
	}
	return fmt.Errorf("read stream: %w", err)
}

// readEvents parses an event stream until EOF (returning nil) or a read error.
func readEvents(r io.Reader, deliver func([]byte)) error {
	reader := bufio.NewReader(r)
	var data bytes.Buffer
	hasData := false
	eventType := ""
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		switch {
		case err != nil && len(line) == 0:
		case len(line) == 0:
			if hasData && (eventType == "" || eventType == "message") {
				payload := make([]byte, data.Len())
				copy(payload, data.Bytes())
				deliver(payload)
			}
			data.Reset()
			hasData = false
			eventType = ""
		case line[0] == ':':
		default:
			field, value, _ := bytes.Cut(line, []byte(":"))
			value = bytes.TrimPrefix(value, []byte(" "))
			switch string(field) {
			case sseDataField:
				if hasData {
					data.WriteByte('\n')
				}
				data.Write(value)
				hasData = true
			case sseEventField:
				eventType = string(value)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
