package cortex

import (
	"strings"
	"testing"
)

func TestParseWellFormed(t *testing.T) {
	raw := `<think verb="mused">they seem tired today</think>
<say verb="murmured">Long day? I can keep it short.</say>
<remember scope="user" key="mood">often tired in the evenings</remember>`

	env := Parse(raw)

	if env.Degraded() {
		t.Fatal("expected a parsed envelope")
	}
	if env.Reasoning != "they seem tired today" {
		t.Fatalf("unexpected reasoning: %q", env.Reasoning)
	}
	if env.Verb != "murmured" {
		t.Fatalf("unexpected verb: %q", env.Verb)
	}
	if env.Reply != "Long day? I can keep it short." {
		t.Fatalf("unexpected reply: %q", env.Reply)
	}
	if env.Extraction == nil {
		t.Fatal("expected an extraction")
	}
	if env.Extraction.Scope != ScopeUser || env.Extraction.Key != "mood" {
		t.Fatalf("unexpected extraction: %+v", env.Extraction)
	}
}

func TestParseSoulScope(t *testing.T) {
	raw := `<say>noted.</say><remember scope="soul" key="current focus">the garden project</remember>`

	env := Parse(raw)
	if env.Extraction == nil || env.Extraction.Scope != ScopeSoul {
		t.Fatalf("expected soul extraction, got %+v", env.Extraction)
	}
	if env.Extraction.Content != "the garden project" {
		t.Fatalf("unexpected content: %q", env.Extraction.Content)
	}
}

func TestParsePlainTextDegrades(t *testing.T) {
	env := Parse("plain text with no tags")

	if !env.Degraded() {
		t.Fatal("expected degraded envelope")
	}
	if env.Reply != "plain text with no tags" {
		t.Fatalf("expected raw text as reply, got %q", env.Reply)
	}
	if env.Reasoning != "" || env.Extraction != nil {
		t.Fatal("degraded envelope must carry no reasoning or extraction")
	}
}

func TestParseVerbFallsBackToThink(t *testing.T) {
	env := Parse(`<think verb="pondered">hm</think><say>right then.</say>`)
	if env.Degraded() {
		t.Fatal("expected parsed envelope")
	}
	if env.Verb != "pondered" {
		t.Fatalf("expected verb from think tag, got %q", env.Verb)
	}
}

func TestParseMalformedTagsStripped(t *testing.T) {
	// Unclosed say tag: degrade, but don't leak protocol markup to the chat.
	env := Parse(`<say verb="declared">half a thought`)
	if !env.Degraded() {
		t.Fatal("expected degraded envelope")
	}
	if strings.Contains(env.Reply, "<say") {
		t.Fatalf("reply leaked protocol tags: %q", env.Reply)
	}
	if env.Reply != "half a thought" {
		t.Fatalf("unexpected reply: %q", env.Reply)
	}
}

func TestParseUnknownScopeIgnored(t *testing.T) {
	env := Parse(`<say>ok</say><remember scope="galaxy">whatever</remember>`)
	if env.Degraded() {
		t.Fatal("expected parsed envelope")
	}
	if env.Extraction != nil {
		t.Fatalf("unknown scope must be dropped, got %+v", env.Extraction)
	}
}

// Parse must be a total function: non-error, non-empty reply for any input.
func TestParseTotalFunction(t *testing.T) {
	inputs := []string{
		"",
		"   \n\t  ",
		"<say></say>",
		"<think>only thoughts</think>",
		"<say>ok</say>",
		"<<>><say",
		strings.Repeat("a", 10000),
		"<remember scope=\"user\">fact with no say</remember>",
		"<SAY VERB=\"SHOUTED\">CASE INSENSITIVE</SAY>",
	}

	for _, in := range inputs {
		env := Parse(in)
		if env.Reply == "" {
			t.Fatalf("empty reply for input %q", in)
		}
		if env.State != StateParsed && env.State != StateDegraded {
			t.Fatalf("unexpected state %q for input %q", env.State, in)
		}
	}
}

func TestParseCaseInsensitiveTags(t *testing.T) {
	env := Parse(`<SAY verb="grinned">works fine</SAY>`)
	if env.Degraded() {
		t.Fatal("expected parsed envelope for upper-case tags")
	}
	if env.Reply != "works fine" {
		t.Fatalf("unexpected reply: %q", env.Reply)
	}
}

func TestParseMultilineSegments(t *testing.T) {
	raw := "<think verb=\"weighed\">line one\nline two</think>\n<say>first\n\nsecond paragraph</say>"
	env := Parse(raw)
	if env.Degraded() {
		t.Fatal("expected parsed envelope")
	}
	if !strings.Contains(env.Reasoning, "line two") {
		t.Fatalf("reasoning lost newline content: %q", env.Reasoning)
	}
	if !strings.Contains(env.Reply, "second paragraph") {
		t.Fatalf("reply lost newline content: %q", env.Reply)
	}
}
