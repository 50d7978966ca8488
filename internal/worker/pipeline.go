package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/wispworks/wisp/internal/bus"
	"github.com/wispworks/wisp/internal/cortex"
	"github.com/wispworks/wisp/internal/llm"
	"github.com/wispworks/wisp/internal/memory"
)

// Error taxonomy for a failed turn. All of them leave the triggering event
// unacknowledged; the worker's retry accounting decides what happens next.
var (
	ErrSessionCreation = errors.New("worker: session creation failed")
	ErrCompletion      = errors.New("worker: completion failed")
	ErrStorage         = errors.New("worker: storage failure")
)

// Resolver is the session router surface the pipeline needs.
type Resolver interface {
	Resolve(ctx context.Context, channelID, threadID string) (string, error)
	Touch(channelID, threadID string) error
}

// Poster is the rate-limited platform surface the pipeline needs.
type Poster interface {
	PostMessage(ctx context.Context, channelID, threadID, text string) (string, error)
}

// Pipeline runs one inbound event end to end: session resolve, layered
// context build, completion, parse, delivery, memory commit.
type Pipeline struct {
	resolver Resolver
	store    *memory.Store
	client   llm.Client
	poster   Poster

	completionTimeout time.Duration
	workingLimit      int
}

func NewPipeline(resolver Resolver, store *memory.Store, client llm.Client, poster Poster, completionTimeout time.Duration) *Pipeline {
	if completionTimeout <= 0 {
		completionTimeout = 2 * time.Minute
	}
	return &Pipeline{
		resolver:          resolver,
		store:             store,
		client:            client,
		poster:            poster,
		completionTimeout: completionTimeout,
		workingLimit:      20,
	}
}

// Handle processes one event. A nil return means the reply was delivered
// and all memory commits landed; the caller may acknowledge the event.
func (p *Pipeline) Handle(ctx context.Context, ev bus.ChatEvent) error {
	handle, err := p.resolver.Resolve(ctx, ev.ChannelID, ev.ThreadRoot())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionCreation, err)
	}

	contextBlock, err := p.buildContext(ev)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.completionTimeout)
	raw, err := p.client.Complete(cctx, llm.CompletionRequest{
		SessionID: handle,
		Context:   contextBlock,
		Turn:      formatTurn(ev),
	})
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCompletion, err)
	}
	if strings.TrimSpace(raw) == "" {
		// A blank completion carries nothing worth posting. Fail the turn
		// so the event stays queued for another attempt.
		return fmt.Errorf("%w: empty completion", ErrCompletion)
	}

	env := cortex.Parse(raw)
	if env.Degraded() {
		// Recovered locally: a degraded reply still ships.
		log.Printf("[worker] completion for %s did not follow the response protocol, degrading", ev.ThreadKey())
	}

	if err := p.commit(ev, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if _, err := p.poster.PostMessage(ctx, ev.ChannelID, ev.ThreadRoot(), env.Reply); err != nil {
		env.State = cortex.StateDeliveryFailed
		return err
	}
	env.State = cortex.StateDelivered

	if err := p.resolver.Touch(ev.ChannelID, ev.ThreadRoot()); err != nil {
		log.Printf("[worker] touch session %s warning: %v", ev.ThreadKey(), err)
	}
	return nil
}

// buildContext assembles the three memory layers into the prompt block:
// global soul state, the sender's profile, the thread's recent working set.
func (p *Pipeline) buildContext(ev bus.ChatEvent) (string, error) {
	var sb strings.Builder

	soul, err := p.store.AllSoul()
	if err != nil {
		return "", err
	}
	if len(soul) > 0 {
		sb.WriteString("[Soul]\n")
		for _, e := range soul {
			sb.WriteString("- " + e.Key + ": " + e.Value + "\n")
		}
		sb.WriteString("\n")
	}

	if model, ok, err := p.store.GetUserModel(ev.SenderID); err != nil {
		return "", err
	} else if ok {
		sb.WriteString("[About " + displayName(model.DisplayName, ev) + "]\n")
		sb.WriteString(fmt.Sprintf("- interactions so far: %d\n", model.Interactions))
		for _, t := range model.Traits {
			sb.WriteString("- " + t + "\n")
		}
		sb.WriteString("\n")
	}

	working, err := p.store.RecentWorking(ev.ThreadKey(), p.workingLimit)
	if err != nil {
		return "", err
	}
	if len(working) > 0 {
		sb.WriteString("[Working Memory]\n")
		for _, w := range working {
			verb := w.Verb
			if verb == "" {
				verb = string(w.Kind)
			}
			sb.WriteString("- (" + verb + ") " + w.Content + "\n")
		}
	}

	return strings.TrimSpace(sb.String()), nil
}

// commit persists the turn's side effects: private reasoning to working
// memory, extractions to their declared scope, and the sender's profile
// merge. Nothing here touches the chat platform.
func (p *Pipeline) commit(ev bus.ChatEvent, env *cortex.Envelope) error {
	if env.Reasoning != "" {
		if err := p.store.AppendWorking(ev.ThreadKey(), memory.WorkingReasoning, env.Verb, env.Reasoning); err != nil {
			return err
		}
	}

	patch := memory.UserPatch{DisplayName: ev.SenderName, Interactions: 1}

	if ex := env.Extraction; ex != nil {
		switch ex.Scope {
		case cortex.ScopeSoul:
			key := ex.Key
			if key == "" {
				key = "note"
			}
			if err := p.store.SetSoul(key, ex.Content); err != nil {
				return err
			}
		case cortex.ScopeUser:
			note := ex.Content
			if ex.Key != "" {
				note = ex.Key + ": " + ex.Content
			}
			patch.Traits = append(patch.Traits, note)
		}
	}

	if err := p.store.MergeUserModel(ev.SenderID, patch); err != nil {
		return err
	}

	env.State = cortex.StateCommitted
	return nil
}

func formatTurn(ev bus.ChatEvent) string {
	name := displayName("", ev)
	return fmt.Sprintf("%s says: %s", name, ev.Text)
}

func displayName(stored string, ev bus.ChatEvent) string {
	if ev.SenderName != "" {
		return ev.SenderName
	}
	if stored != "" {
		return stored
	}
	return ev.SenderID
}
