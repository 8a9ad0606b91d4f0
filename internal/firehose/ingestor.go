// Package firehose consumes the PDS's com.atproto.sync.subscribeRepos
// websocket stream and turns it into a bounded channel of decoded
// actor.profile record events (spec.md §4.4), which Classify sorts into
// bmail messages, notifications and everything else. Its reconnect-with-backoff shape
// is adapted from klistr's internal/nostr RelayPool.Start loop,
// generalized from a Nostr relay pool to a single AT Protocol firehose
// connection.
package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bmailapp/bmail/internal/bmailerr"
)

const (
	reconnectDelay  = 5 * time.Second
	defaultChanSize = 32
)

// Ingestor connects to a subscribeRepos endpoint and delivers decoded
// RecordEvents on a bounded channel. A full channel blocks the reader
// goroutine rather than dropping frames (spec.md §4.4/§5): bmail favors
// consumer backpressure over silently losing a message.
type Ingestor struct {
	url    string
	events chan RecordEvent
	dialer *websocket.Dialer

	mu     sync.Mutex
	cursor int64
}

// New creates an Ingestor for the given subscribeRepos websocket URL.
// bufferSize is clamped to defaultChanSize when <= 0.
func New(url string, bufferSize int) *Ingestor {
	if bufferSize <= 0 {
		bufferSize = defaultChanSize
	}
	return &Ingestor{
		url:    url,
		events: make(chan RecordEvent, bufferSize),
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Events returns the channel RecordEvents are delivered on. Closed when
// Run returns.
func (in *Ingestor) Events() <-chan RecordEvent {
	return in.events
}

// SetCursor sets the subscribeRepos resume cursor used on the next
// (re)connect, so a process restart (or mid-run reconnect) picks up
// from the last seq processed instead of replaying the whole stream.
// A lower value than the current cursor is ignored.
func (in *Ingestor) SetCursor(seq int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if seq > in.cursor {
		in.cursor = seq
	}
}

func (in *Ingestor) dialURL() string {
	in.mu.Lock()
	cursor := in.cursor
	in.mu.Unlock()
	if cursor <= 0 {
		return in.url
	}
	sep := "?"
	if strings.Contains(in.url, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%scursor=%d", in.url, sep, cursor)
}

// Run connects to the firehose and processes frames until ctx is
// cancelled, reconnecting with a fixed backoff on any stream error.
func (in *Ingestor) Run(ctx context.Context) error {
	defer close(in.events)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := in.runOnce(ctx); err != nil {
			slog.Error("firehose stream error, reconnecting", "error", err, "delay", reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (in *Ingestor) runOnce(ctx context.Context) error {
	dialURL := in.dialURL()
	conn, _, err := in.dialer.DialContext(ctx, dialURL, http.Header{})
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", bmailerr.ErrFirehoseStream, dialURL, err)
	}
	defer conn.Close()

	slog.Info("firehose connected", "url", dialURL)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read frame: %v", bmailerr.ErrFirehoseStream, err)
		}

		_, payload, err := decodeFrame(raw)
		if err != nil {
			slog.Warn("dropping undecodable firehose frame", "error", err)
			continue
		}
		if payload == nil {
			continue // non-#commit frame type, nothing to scan
		}

		records, err := recordsFromCommit(payload)
		if err != nil {
			slog.Warn("dropping undecodable commit payload", "error", err)
			continue
		}

		for _, rec := range records {
			select {
			case in.events <- rec:
				in.SetCursor(rec.Seq)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
