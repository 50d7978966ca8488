// Package listener owns the live subscription to the chat platform's event
// stream. It normalizes raw events, deduplicates the platform's
// at-least-once delivery, and either runs the pipeline in place (direct
// mode) or appends to the durable inbox (bridged mode).
package listener

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wispworks/wisp/internal/bus"
	"github.com/wispworks/wisp/internal/config"
	"github.com/wispworks/wisp/internal/inbox"
	"github.com/wispworks/wisp/internal/platform"
	"github.com/wispworks/wisp/internal/worker"
)

// EventStream is one live subscription connection.
type EventStream interface {
	Next() (platform.StreamEvent, error)
	Close() error
}

// DialFunc opens a fresh stream. The production dialer goes through the
// rate-limited platform client's stream.open.
type DialFunc func(ctx context.Context) (EventStream, error)

const (
	ModeDirect  = "direct"
	ModeBridged = "bridged"
)

type Listener struct {
	dial      DialFunc
	mode      string
	handler   worker.Handler // direct mode
	inbox     *inbox.Inbox   // bridged mode
	botUserID string
	allowFrom map[string]bool
	dedupe    *dedupeWindow
}

func New(cfg config.ListenerConfig, pcfg config.PlatformConfig, dial DialFunc, handler worker.Handler, ib *inbox.Inbox) *Listener {
	allow := make(map[string]bool, len(pcfg.AllowFrom))
	for _, id := range pcfg.AllowFrom {
		allow[id] = true
	}
	window := cfg.DedupeWindow
	if window <= 0 {
		window = config.DefaultDedupeWindow
	}
	return &Listener{
		dial:      dial,
		mode:      cfg.Mode,
		handler:   handler,
		inbox:     ib,
		botUserID: pcfg.BotUserID,
		allowFrom: allow,
		dedupe:    newDedupeWindow(window),
	}
}

// Run keeps the subscription alive until the context is canceled. A dropped
// connection is logged and redialed with exponential backoff (capped at
// 60s); it never takes the process down.
func (l *Listener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return nil
		}

		stream, err := l.dial(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			log.Printf("[listener] connect failed: %v (retrying in %s)", err, wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		log.Printf("[listener] subscribed in %s mode", l.mode)
		bo.Reset()

		err = l.consume(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		log.Printf("[listener] stream dropped: %v (reconnecting in %s)", err, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Listener) consume(ctx context.Context, stream EventStream) error {
	// Next blocks on the socket; closing the stream on cancellation
	// unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-done:
		}
	}()

	for {
		raw, err := stream.Next()
		if err != nil {
			return err
		}
		l.handleRaw(ctx, raw)
	}
}

// handleRaw filters, deduplicates and normalizes one stream event, then
// routes it by mode.
func (l *Listener) handleRaw(ctx context.Context, raw platform.StreamEvent) {
	kind, ok := eventKind(raw.Type)
	if !ok {
		return
	}
	if raw.MessageID == "" || raw.SenderID == "" {
		return
	}
	if raw.SenderID == l.botUserID {
		// Our own posts echo back on the stream.
		return
	}
	if len(l.allowFrom) > 0 && !l.allowFrom[raw.SenderID] {
		log.Printf("[listener] rejected event from %s", raw.SenderID)
		return
	}
	if l.dedupe.seen(raw.MessageID) {
		log.Printf("[listener] duplicate delivery of %s skipped", raw.MessageID)
		return
	}

	ev := normalize(raw, kind)

	switch l.mode {
	case ModeBridged:
		if _, err := l.inbox.Append(ev); err != nil {
			// The message ID leaves the dedupe window so a platform
			// redelivery can try again.
			l.dedupe.forget(raw.MessageID)
			log.Printf("[listener] inbox append failed for %s: %v", ev.MessageID, err)
		}
	default:
		if err := l.handler.Handle(ctx, ev); err != nil {
			l.dedupe.forget(raw.MessageID)
			log.Printf("[listener] pipeline failed for %s: %v", ev.MessageID, err)
		}
	}
}

func eventKind(streamType string) (bus.EventKind, bool) {
	switch streamType {
	case "app_mention":
		return bus.KindMention, true
	case "message.im":
		return bus.KindDirectMessage, true
	case "thread_reply":
		return bus.KindThreadReply, true
	default:
		return "", false
	}
}

func normalize(raw platform.StreamEvent, kind bus.EventKind) bus.ChatEvent {
	received := time.Now().UTC()
	if raw.TS > 0 {
		received = time.Unix(int64(raw.TS), 0).UTC()
	}
	return bus.ChatEvent{
		MessageID:  raw.MessageID,
		ChannelID:  raw.ChannelID,
		ThreadID:   raw.ThreadID,
		SenderID:   raw.SenderID,
		SenderName: raw.SenderName,
		Text:       raw.Text,
		Kind:       kind,
		ReceivedAt: received,
	}
}
