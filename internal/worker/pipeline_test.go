package worker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wispworks/wisp/internal/bus"
	"github.com/wispworks/wisp/internal/llm"
	"github.com/wispworks/wisp/internal/memory"
	"github.com/wispworks/wisp/internal/session"
)

type fakeLLM struct {
	mu       sync.Mutex
	sessions int
	calls    []llm.CompletionRequest
	reply    string
	err      error
}

func (f *fakeLLM) NewSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return "sess-1", nil
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) Close() {}

type fakePoster struct {
	mu    sync.Mutex
	posts []bus.OutboundReply
	err   error
}

func (f *fakePoster) PostMessage(ctx context.Context, channelID, threadID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.posts = append(f.posts, bus.OutboundReply{ChannelID: channelID, ThreadID: threadID, Text: text})
	return "M-reply", nil
}

type testRig struct {
	pipeline *Pipeline
	store    *memory.Store
	router   *session.Router
	client   *fakeLLM
	poster   *fakePoster
}

func newRig(t *testing.T, reply string) *testRig {
	t.Helper()
	dir := t.TempDir()

	store, err := memory.NewStore(filepath.Join(dir, "memory.db"), memory.Retention{})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	client := &fakeLLM{reply: reply}
	router, err := session.NewRouter(filepath.Join(dir, "sessions.db"), client)
	if err != nil {
		t.Fatalf("NewRouter error: %v", err)
	}
	t.Cleanup(func() { router.Close() })

	poster := &fakePoster{}
	return &testRig{
		pipeline: NewPipeline(router, store, client, poster, time.Minute),
		store:    store,
		router:   router,
		client:   client,
		poster:   poster,
	}
}

func helloEvent() bus.ChatEvent {
	return bus.ChatEvent{
		MessageID:  "M1",
		ChannelID:  "C1",
		SenderID:   "U1",
		SenderName: "Ada",
		Text:       "hello",
		Kind:       bus.KindMention,
		ReceivedAt: time.Now().UTC(),
	}
}

// First event on a fresh thread: one session, interaction count 0→1, one
// threaded reply.
func TestHandleFreshThread(t *testing.T) {
	rig := newRig(t, `<think verb="mused">first contact</think><say verb="offered">Hi Ada.</say>`)

	if err := rig.pipeline.Handle(context.Background(), helloEvent()); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	if rig.client.sessions != 1 {
		t.Fatalf("expected one session mint, got %d", rig.client.sessions)
	}
	if len(rig.poster.posts) != 1 {
		t.Fatalf("expected one post, got %d", len(rig.poster.posts))
	}
	post := rig.poster.posts[0]
	if post.ChannelID != "C1" || post.ThreadID != "M1" || post.Text != "Hi Ada." {
		t.Fatalf("unexpected post: %+v", post)
	}

	model, ok, err := rig.store.GetUserModel("U1")
	if err != nil || !ok {
		t.Fatalf("GetUserModel error: %v ok=%v", err, ok)
	}
	if model.Interactions != 1 {
		t.Fatalf("expected interactions=1, got %d", model.Interactions)
	}

	working, err := rig.store.RecentWorking("C1:M1", 10)
	if err != nil {
		t.Fatalf("RecentWorking error: %v", err)
	}
	if len(working) != 1 || working[0].Content != "first contact" {
		t.Fatalf("expected reasoning in working memory, got %v", working)
	}
}

func TestHandleDegradedReplyStillShips(t *testing.T) {
	rig := newRig(t, "plain text with no tags")

	if err := rig.pipeline.Handle(context.Background(), helloEvent()); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if len(rig.poster.posts) != 1 || rig.poster.posts[0].Text != "plain text with no tags" {
		t.Fatalf("expected degraded reply posted, got %v", rig.poster.posts)
	}

	// No reasoning segment, so working memory stays empty.
	working, _ := rig.store.RecentWorking("C1:M1", 10)
	if len(working) != 0 {
		t.Fatalf("degraded parse must not invent working memory, got %v", working)
	}
}

func TestHandleCommitsSoulExtraction(t *testing.T) {
	rig := newRig(t, `<say>noted.</say><remember scope="soul" key="current focus">the move</remember>`)

	if err := rig.pipeline.Handle(context.Background(), helloEvent()); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	value, ok, err := rig.store.GetSoul("current focus")
	if err != nil || !ok {
		t.Fatalf("GetSoul error: %v ok=%v", err, ok)
	}
	if value != "the move" {
		t.Fatalf("unexpected soul value: %q", value)
	}
}

func TestHandleCommitsUserExtraction(t *testing.T) {
	rig := newRig(t, `<say>got it.</say><remember scope="user" key="preference">prefers short answers</remember>`)

	if err := rig.pipeline.Handle(context.Background(), helloEvent()); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	model, ok, _ := rig.store.GetUserModel("U1")
	if !ok || len(model.Traits) != 1 {
		t.Fatalf("expected one trait, got %+v", model)
	}
	if model.Traits[0] != "preference: prefers short answers" {
		t.Fatalf("unexpected trait: %q", model.Traits[0])
	}
}

func TestHandleCompletionFailure(t *testing.T) {
	rig := newRig(t, "")
	rig.client.err = errors.New("model overloaded")

	err := rig.pipeline.Handle(context.Background(), helloEvent())
	if !errors.Is(err, ErrCompletion) {
		t.Fatalf("expected ErrCompletion, got %v", err)
	}
	if len(rig.poster.posts) != 0 {
		t.Fatal("no reply may ship when completion fails")
	}
	// Failed turns must not count as interactions.
	if _, ok, _ := rig.store.GetUserModel("U1"); ok {
		t.Fatal("failed turn must not create a user model")
	}
}

func TestHandleEmptyCompletion(t *testing.T) {
	rig := newRig(t, "  \n\t ")

	err := rig.pipeline.Handle(context.Background(), helloEvent())
	if !errors.Is(err, ErrCompletion) {
		t.Fatalf("expected ErrCompletion for blank completion, got %v", err)
	}
	if len(rig.poster.posts) != 0 {
		t.Fatalf("blank completion must not ship filler, got %v", rig.poster.posts)
	}
	if _, ok, _ := rig.store.GetUserModel("U1"); ok {
		t.Fatal("failed turn must not create a user model")
	}
}

func TestHandleDeliveryFailure(t *testing.T) {
	rig := newRig(t, `<say>hello</say>`)
	rig.poster.err = errors.New("hard down")

	if err := rig.pipeline.Handle(context.Background(), helloEvent()); err == nil {
		t.Fatal("expected delivery error to surface")
	}
}

func TestHandleThreadReplyUsesExistingSession(t *testing.T) {
	rig := newRig(t, `<say>again</say>`)

	root := helloEvent()
	if err := rig.pipeline.Handle(context.Background(), root); err != nil {
		t.Fatalf("Handle root error: %v", err)
	}

	reply := bus.ChatEvent{
		MessageID: "M2",
		ChannelID: "C1",
		ThreadID:  "M1",
		SenderID:  "U1",
		Text:      "and another thing",
		Kind:      bus.KindThreadReply,
	}
	if err := rig.pipeline.Handle(context.Background(), reply); err != nil {
		t.Fatalf("Handle reply error: %v", err)
	}

	if rig.client.sessions != 1 {
		t.Fatalf("thread reply must reuse the session, got %d mints", rig.client.sessions)
	}
	if len(rig.client.calls) != 2 || rig.client.calls[0].SessionID != rig.client.calls[1].SessionID {
		t.Fatalf("expected both turns on one session, got %+v", rig.client.calls)
	}

	model, _, _ := rig.store.GetUserModel("U1")
	if model.Interactions != 2 {
		t.Fatalf("expected interactions=2, got %d", model.Interactions)
	}
}

func TestContextCarriesMemoryLayers(t *testing.T) {
	rig := newRig(t, `<say>sure</say>`)

	if err := rig.store.SetSoul("current focus", "the garden"); err != nil {
		t.Fatalf("SetSoul error: %v", err)
	}
	if err := rig.store.MergeUserModel("U1", memory.UserPatch{Traits: []string{"likes jazz"}, Interactions: 3}); err != nil {
		t.Fatalf("MergeUserModel error: %v", err)
	}
	if err := rig.store.AppendWorking("C1:M1", memory.WorkingReasoning, "mused", "earlier thought"); err != nil {
		t.Fatalf("AppendWorking error: %v", err)
	}

	if err := rig.pipeline.Handle(context.Background(), helloEvent()); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	got := rig.client.calls[0].Context
	for _, want := range []string{"current focus: the garden", "likes jazz", "earlier thought"} {
		if !strings.Contains(got, want) {
			t.Fatalf("context missing %q:\n%s", want, got)
		}
	}
	if !strings.Contains(rig.client.calls[0].Turn, "Ada says: hello") {
		t.Fatalf("unexpected turn: %q", rig.client.calls[0].Turn)
	}
}
