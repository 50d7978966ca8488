// Package cortex turns raw model completions into typed response envelopes.
//
// The prompt contract asks the model to answer with a small tag protocol:
//
//	<think verb="mused">private reasoning, never shown to the chat</think>
//	<say verb="declared">the externally visible reply</say>
//	<remember scope="user" key="trait">an extracted fact</remember>
//
// Models drift, so parsing is tolerant: any input that does not match the
// protocol degrades to "the whole text is the reply". Parse never fails.
package cortex

import (
	"regexp"
	"strings"
)

// State tracks a turn through the response lifecycle.
type State string

const (
	StateAwaitingCompletion State = "awaiting_completion"
	StateParsed             State = "parsed"
	StateDegraded           State = "degraded"
	StateCommitted          State = "committed"
	StateDelivered          State = "delivered"
	StateDeliveryFailed     State = "delivery_failed"
)

// ExtractionScope directs where a remembered fact is committed.
type ExtractionScope string

const (
	ScopeSoul ExtractionScope = "soul"
	ScopeUser ExtractionScope = "user"
)

// Extraction is one fact the model asked to persist.
type Extraction struct {
	Scope   ExtractionScope
	Key     string
	Content string
}

// Envelope is the typed result of parsing one completion.
type Envelope struct {
	Reasoning  string      // private, goes to working memory only
	Verb       string      // tone label the model chose for the reply
	Reply      string      // externally visible text, never empty
	Extraction *Extraction // nil when the model remembered nothing
	State      State       // StateParsed or StateDegraded
}

// Degraded reports whether the model failed to follow the protocol.
func (e *Envelope) Degraded() bool {
	return e.State == StateDegraded
}

var (
	thinkRe    = regexp.MustCompile(`(?is)<think(?:\s+verb="([^"]*)")?\s*>(.*?)</think>`)
	sayRe      = regexp.MustCompile(`(?is)<say(?:\s+verb="([^"]*)")?\s*>(.*?)</say>`)
	rememberRe = regexp.MustCompile(`(?is)<remember\s+scope="([^"]*)"(?:\s+key="([^"]*)")?\s*>(.*?)</remember>`)
	tagStripRe = regexp.MustCompile(`(?is)</?(?:think|say|remember)[^>]*>`)
)

// Parse is total: for any input, including empty or malformed text, it
// returns an envelope whose Reply is non-empty (a degraded fallback if
// nothing better exists).
func Parse(raw string) Envelope {
	env := Envelope{State: StateParsed}

	say := sayRe.FindStringSubmatch(raw)
	if say == nil {
		return degrade(raw)
	}
	env.Verb = strings.TrimSpace(say[1])
	env.Reply = strings.TrimSpace(say[2])
	if env.Reply == "" {
		return degrade(raw)
	}

	if think := thinkRe.FindStringSubmatch(raw); think != nil {
		env.Reasoning = strings.TrimSpace(think[2])
		if env.Verb == "" {
			env.Verb = strings.TrimSpace(think[1])
		}
	}

	if rem := rememberRe.FindStringSubmatch(raw); rem != nil {
		scope := ExtractionScope(strings.ToLower(strings.TrimSpace(rem[1])))
		content := strings.TrimSpace(rem[3])
		if (scope == ScopeSoul || scope == ScopeUser) && content != "" {
			env.Extraction = &Extraction{
				Scope:   scope,
				Key:     strings.TrimSpace(rem[2]),
				Content: content,
			}
		}
	}

	return env
}

// degrade falls back to treating the whole completion as the reply. Stray
// protocol tags are stripped so a half-followed contract still reads clean.
func degrade(raw string) Envelope {
	reply := strings.TrimSpace(tagStripRe.ReplaceAllString(raw, ""))
	if reply == "" {
		reply = "…"
	}
	return Envelope{Reply: reply, State: StateDegraded}
}
