// Package detect classifies terminal output from a coding assistant into
// coarse activity signals. The classification is a heuristic over known
// prompt and spinner texts and is allowed to be wrong occasionally; the
// debouncer downstream absorbs flapping.
package detect

import (
	"regexp"
	"strings"
)

// Signal is what a chunk of output suggests about the assistant.
type Signal int

const (
	// None means the chunk carries no recognizable cue.
	None Signal = iota
	// Working means the assistant is busy producing a response.
	Working
	// Waiting means the assistant is blocked on the human: a permission
	// question, a confirmation or an empty input prompt after a turn.
	Waiting
)

func (s Signal) String() string {
	switch s {
	case Working:
		return "working"
	case Waiting:
		return "waiting"
	default:
		return "none"
	}
}

// Classifier maps a chunk of output from a provider's session to a Signal.
type Classifier interface {
	Classify(provider string, chunk []byte) Signal
}

// ansiRe matches CSI and OSC escape sequences.
var ansiRe = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[()][A-Za-z0-9]|\x1b[=>]`)

// StripANSI removes terminal escape sequences and carriage returns.
func StripANSI(s string) string {
	s = ansiRe.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}

// Patterns shared by every provider.
var (
	patternConfirm = regexp.MustCompile(`(?i)(\(y/n\)|\[y/n\]|\[Y/n\]|\[y/N\]|press enter to continue|are you sure)`)
)

// Patterns for the Claude CLI (also used by the local provider).
var (
	patternClaudePermission = regexp.MustCompile(`(?i)(do you want to (proceed|make this edit|create|run)|❯\s*1\.\s*yes|allow (this|once|always)|waiting for (your )?(input|permission))`)
	patternClaudeBusy       = regexp.MustCompile(`(?i)(esc to interrupt|ctrl\+c to interrupt|tokens\s*·|thinking…|\(\d+s\s*·)`)
	patternClaudeIdle       = regexp.MustCompile(`(?m)^\s*[│|]?\s*>\s*$|\? for shortcuts`)
)

// Patterns for the Codex CLI.
var (
	patternCodexApproval = regexp.MustCompile(`(?i)(allow command\?|approve (this|the) (command|change)|\[a\]pprove|yes, proceed|▌\s*1\.\s*yes)`)
	patternCodexBusy     = regexp.MustCompile(`(?i)(esc to interrupt|working \(\d+s|thinking)`)
	patternCodexIdle     = regexp.MustCompile(`(?m)^\s*▌\s*$|send ⏎|⏎ send`)
)

type patternSet struct {
	waiting []*regexp.Regexp
	working []*regexp.Regexp
	idle    []*regexp.Regexp
}

// PatternClassifier is the default Classifier.
type PatternClassifier struct {
	sets     map[string]patternSet
	fallback patternSet
}

var _ Classifier = (*PatternClassifier)(nil)

// NewClassifier returns a classifier with the built-in provider patterns.
func NewClassifier() *PatternClassifier {
	claude := patternSet{
		waiting: []*regexp.Regexp{patternClaudePermission, patternConfirm},
		working: []*regexp.Regexp{patternClaudeBusy},
		idle:    []*regexp.Regexp{patternClaudeIdle},
	}
	return &PatternClassifier{
		sets: map[string]patternSet{
			"claude": claude,
			"local":  claude,
			"codex": {
				waiting: []*regexp.Regexp{patternCodexApproval, patternConfirm},
				working: []*regexp.Regexp{patternCodexBusy},
				idle:    []*regexp.Regexp{patternCodexIdle},
			},
		},
		fallback: patternSet{
			waiting: []*regexp.Regexp{patternConfirm},
		},
	}
}

// Classify checks blocking prompts first, then busy indicators, then the
// idle input prompt. A chunk that shows both a spinner and an idle prompt
// is working: the spinner line is redrawn while the input box stays on
// screen.
func (c *PatternClassifier) Classify(provider string, chunk []byte) Signal {
	text := StripANSI(string(chunk))
	if strings.TrimSpace(text) == "" {
		return None
	}
	set, ok := c.sets[provider]
	if !ok {
		set = c.fallback
	}
	if matchAny(set.waiting, text) {
		return Waiting
	}
	if matchAny(set.working, text) {
		return Working
	}
	if matchAny(set.idle, text) {
		return Waiting
	}
	return None
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
