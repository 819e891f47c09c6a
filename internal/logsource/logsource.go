// Package logsource feeds ordered per-container log lines to the alerter.
// A source preserves ordering within itself; nothing is guaranteed across
// sources.
package logsource

import (
	"bufio"
	"context"
	"io"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// Line is one log line with its originating service. A zero Time means the
// consumer should treat the line as "now".
type Line struct {
	Source string
	Text   string
	Time   time.Time
}

// Source streams lines into out until the context is cancelled or the
// underlying stream ends.
type Source interface {
	Run(ctx context.Context, out chan<- Line) error
	Name() string
}

// ReaderSource tails an io.Reader, one line per read, typically stdin fed
// by `docker logs -f` or a log file pipe.
type ReaderSource struct {
	name string
	r    io.Reader
}

func NewReaderSource(name string, r io.Reader) *ReaderSource {
	return &ReaderSource{name: name, r: r}
}

func (s *ReaderSource) Name() string { return s.name }

func (s *ReaderSource) Run(ctx context.Context, out chan<- Line) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		select {
		case out <- Line{Source: s.name, Text: text}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// WebSocketSource reads text frames from a log-shipper stream, one line per
// frame, reconnecting with a fixed delay when the stream drops.
type WebSocketSource struct {
	name string
	url  string

	// ReconnectDelay defaults to 30s.
	ReconnectDelay time.Duration
}

func NewWebSocketSource(name, url string) *WebSocketSource {
	return &WebSocketSource{name: name, url: url, ReconnectDelay: 30 * time.Second}
}

func (s *WebSocketSource) Name() string { return s.name }

func (s *WebSocketSource) Run(ctx context.Context, out chan<- Line) error {
	for {
		if err := s.tail(ctx, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("log stream %s: %v, reconnecting in %s", s.name, err, s.ReconnectDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.ReconnectDelay):
		}
	}
}

func (s *WebSocketSource) tail(ctx context.Context, out chan<- Line) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		text := string(data)
		if text == "" {
			continue
		}
		select {
		case out <- Line{Source: s.name, Text: text, Time: time.Now()}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
