package listener

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wispworks/wisp/internal/bus"
	"github.com/wispworks/wisp/internal/config"
	"github.com/wispworks/wisp/internal/inbox"
	"github.com/wispworks/wisp/internal/platform"
)

// fakeStream feeds scripted events, then blocks until closed.
type fakeStream struct {
	events chan platform.StreamEvent
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(events ...platform.StreamEvent) *fakeStream {
	s := &fakeStream{
		events: make(chan platform.StreamEvent, len(events)+1),
		closed: make(chan struct{}),
	}
	for _, ev := range events {
		s.events <- ev
	}
	return s
}

func (s *fakeStream) Next() (platform.StreamEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return platform.StreamEvent{}, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type recordingHandler struct {
	mu     sync.Mutex
	events []bus.ChatEvent
	err    error
}

func (h *recordingHandler) Handle(ctx context.Context, ev bus.ChatEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHandler) snapshot() []bus.ChatEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]bus.ChatEvent, len(h.events))
	copy(out, h.events)
	return out
}

func mention(id, text string) platform.StreamEvent {
	return platform.StreamEvent{
		Type:       "app_mention",
		MessageID:  id,
		ChannelID:  "C1",
		SenderID:   "U1",
		SenderName: "Ada",
		Text:       text,
		TS:         1700000000,
	}
}

func directListener(h *recordingHandler) *Listener {
	return New(
		config.ListenerConfig{Mode: ModeDirect, DedupeWindow: 16},
		config.PlatformConfig{BotUserID: "UBOT"},
		nil, h, nil,
	)
}

func TestHandleRawNormalizes(t *testing.T) {
	h := &recordingHandler{}
	l := directListener(h)

	l.handleRaw(context.Background(), mention("M1", "hello <@UBOT>"))

	events := h.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != bus.KindMention || ev.ChannelID != "C1" || ev.SenderName != "Ada" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.ThreadRoot() != "M1" {
		t.Fatalf("threadless event must root at its own id, got %q", ev.ThreadRoot())
	}
	if ev.ReceivedAt.IsZero() {
		t.Fatal("expected receipt timestamp from ts field")
	}
}

func TestHandleRawDeduplicates(t *testing.T) {
	h := &recordingHandler{}
	l := directListener(h)

	l.handleRaw(context.Background(), mention("M1", "hello"))
	l.handleRaw(context.Background(), mention("M1", "hello"))
	l.handleRaw(context.Background(), mention("M2", "again"))

	if n := len(h.snapshot()); n != 2 {
		t.Fatalf("expected duplicate suppressed, got %d events", n)
	}
}

func TestHandleRawFiltersKinds(t *testing.T) {
	h := &recordingHandler{}
	l := directListener(h)

	l.handleRaw(context.Background(), platform.StreamEvent{Type: "presence_change", MessageID: "M1", SenderID: "U1"})
	l.handleRaw(context.Background(), platform.StreamEvent{Type: "message.im", MessageID: "M2", ChannelID: "D1", SenderID: "U1", Text: "psst"})

	events := h.snapshot()
	if len(events) != 1 || events[0].Kind != bus.KindDirectMessage {
		t.Fatalf("expected only the direct message, got %v", events)
	}
}

func TestHandleRawIgnoresOwnMessages(t *testing.T) {
	h := &recordingHandler{}
	l := directListener(h)

	ev := mention("M1", "echo")
	ev.SenderID = "UBOT"
	l.handleRaw(context.Background(), ev)

	if len(h.snapshot()) != 0 {
		t.Fatal("bot's own messages must be ignored")
	}
}

func TestHandleRawAllowList(t *testing.T) {
	h := &recordingHandler{}
	l := New(
		config.ListenerConfig{Mode: ModeDirect, DedupeWindow: 16},
		config.PlatformConfig{AllowFrom: []string{"U2"}},
		nil, h, nil,
	)

	l.handleRaw(context.Background(), mention("M1", "not allowed")) // sender U1
	if len(h.snapshot()) != 0 {
		t.Fatal("sender outside allow list must be rejected")
	}
}

func TestHandleRawFailureAllowsRedelivery(t *testing.T) {
	h := &recordingHandler{err: errors.New("pipeline down")}
	l := directListener(h)

	l.handleRaw(context.Background(), mention("M1", "hello"))

	// Pipeline recovers; the platform redelivers the same message ID.
	h.mu.Lock()
	h.err = nil
	h.mu.Unlock()
	l.handleRaw(context.Background(), mention("M1", "hello"))

	if len(h.snapshot()) != 1 {
		t.Fatal("redelivery after a local failure must be processed")
	}
}

func TestBridgedModeAppendsToInbox(t *testing.T) {
	ib, err := inbox.New(filepath.Join(t.TempDir(), "inbox.ndjson"))
	if err != nil {
		t.Fatalf("inbox.New error: %v", err)
	}
	l := New(
		config.ListenerConfig{Mode: ModeBridged, DedupeWindow: 16},
		config.PlatformConfig{},
		nil, nil, ib,
	)

	l.handleRaw(context.Background(), mention("M1", "queue me"))

	pending, err := ib.Pending(0)
	if err != nil {
		t.Fatalf("Pending error: %v", err)
	}
	if len(pending) != 1 || pending[0].Event.MessageID != "M1" {
		t.Fatalf("expected queued event, got %v", pending)
	}
}

func TestRunReconnects(t *testing.T) {
	h := &recordingHandler{}

	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context) (EventStream, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			// First connection delivers one event then drops.
			s := newFakeStream(mention("M1", "first"))
			go func() {
				time.Sleep(20 * time.Millisecond)
				s.Close()
			}()
			return s, nil
		}
		return newFakeStream(mention("M2", "second")), nil
	}

	l := New(
		config.ListenerConfig{Mode: ModeDirect, DedupeWindow: 16},
		config.PlatformConfig{},
		dial, h, nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		if len(h.snapshot()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected events across reconnect, got %v", h.snapshot())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if dials < 2 {
		t.Fatalf("expected a reconnect, got %d dials", dials)
	}
}
