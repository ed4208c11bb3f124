// Package provider describes the CLI coding assistants foreman can drive
// and builds the shell command lines that launch them.
//
// Providers form a closed table keyed by ID. Builders are pure: they take
// Params and return a single line suitable for writing into a shell.
package provider

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ID identifies a provider.
type ID string

const (
	Claude ID = "claude"
	Local  ID = "local"
	Codex  ID = "codex"
)

// Default is used when a caller does not pick a provider.
const Default = Claude

var (
	// ErrUnknownProvider is returned for IDs outside the table.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrInvalidModel is returned for model names that could smuggle shell
	// syntax or are otherwise malformed.
	ErrInvalidModel = errors.New("invalid model name")
)

var validModelRe = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,128}$`)

// ValidateModel accepts an empty model (provider default) or a name made
// of [A-Za-z0-9._:/-], at most 128 characters.
func ValidateModel(model string) error {
	if model == "" || validModelRe.MatchString(model) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidModel, model)
}

// Model is a catalog entry.
type Model struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// LocalEndpoint is the Anthropic-compatible server the local provider talks to.
type LocalEndpoint struct {
	BaseURL   string
	AuthToken string
	Model     string
}

// Params is the input to every builder.
type Params struct {
	Binary          string // resolved executable; empty means the provider default
	WorkDir         string
	SecondaryDir    string
	Prompt          string
	Model           string
	Skills          []string
	SkipPermissions bool
	ResumeSessionID string
	Env             map[string]string // assignments scoped to the launched command
}

// Provider is one row of the capability table.
type Provider struct {
	ID                      ID      `json:"id" yaml:"id"`
	DisplayName             string  `json:"displayName" yaml:"displayName"`
	Binary                  string  `json:"binary" yaml:"binary"`
	Models                  []Model `json:"models" yaml:"models"`
	DefaultModel            string  `json:"defaultModel,omitempty" yaml:"defaultModel,omitempty"`
	SupportsSkipPermissions bool    `json:"supportsSkipPermissions" yaml:"supportsSkipPermissions"`
	SupportsAddDir          bool    `json:"supportsAddDir" yaml:"supportsAddDir"`
	InstallCommand          string  `json:"installCommand" yaml:"installCommand"`

	oneShot  []string
	resume   func(sessionID string) []string
	spawnEnv func(LocalEndpoint) map[string]string
}

// statusInstruction is appended to scheduled prompts so unattended runs
// leave a machine-readable verdict at the end of their output.
const statusInstruction = "\n\nWhen you are done, finish your reply with exactly one line: " +
	"`STATUS: success` or `STATUS: failure: <short reason>`."

var table = map[ID]*Provider{
	Claude: {
		ID:          Claude,
		DisplayName: "Claude Code",
		Binary:      "claude",
		Models: []Model{
			{ID: "opus", Name: "Opus"},
			{ID: "sonnet", Name: "Sonnet"},
			{ID: "haiku", Name: "Haiku"},
		},
		SupportsSkipPermissions: true,
		SupportsAddDir:          true,
		InstallCommand:          "npm install -g @anthropic-ai/claude-code",
		oneShot:                 []string{"-p"},
		resume:                  func(id string) []string { return []string{"--resume", Quote(id)} },
	},
	Local: {
		ID:                      Local,
		DisplayName:             "Local model (Claude Code)",
		Binary:                  "claude",
		SupportsSkipPermissions: true,
		SupportsAddDir:          true,
		InstallCommand:          "npm install -g @anthropic-ai/claude-code",
		oneShot:                 []string{"-p"},
		resume:                  func(id string) []string { return []string{"--resume", Quote(id)} },
		spawnEnv:                localEnv,
	},
	Codex: {
		ID:          Codex,
		DisplayName: "Codex",
		Binary:      "codex",
		Models: []Model{
			{ID: "gpt-5-codex", Name: "GPT-5 Codex"},
			{ID: "gpt-5", Name: "GPT-5"},
		},
		InstallCommand: "npm install -g @openai/codex",
		oneShot:        []string{"exec"},
		resume:         func(id string) []string { return []string{"resume", Quote(id)} },
	},
}

func localEnv(ep LocalEndpoint) map[string]string {
	env := map[string]string{
		"ANTHROPIC_BASE_URL":   ep.BaseURL,
		"ANTHROPIC_AUTH_TOKEN": ep.AuthToken,
	}
	if env["ANTHROPIC_BASE_URL"] == "" {
		env["ANTHROPIC_BASE_URL"] = "http://127.0.0.1:11434"
	}
	if env["ANTHROPIC_AUTH_TOKEN"] == "" {
		env["ANTHROPIC_AUTH_TOKEN"] = "local"
	}
	if ep.Model != "" {
		env["ANTHROPIC_MODEL"] = ep.Model
	}
	return env
}

// Parse maps a user string to an ID. The empty string selects Default.
func Parse(s string) (ID, error) {
	if s == "" {
		return Default, nil
	}
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := table[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
	return id, nil
}

// Lookup returns a copy of the table row for id.
func Lookup(id ID) (*Provider, error) {
	p, ok := table[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	cp := *p
	cp.Models = append([]Model(nil), p.Models...)
	return &cp, nil
}

// IDs returns every provider ID, sorted.
func IDs() []ID {
	ids := make([]ID, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NeedsSpawnEnv reports whether the provider's environment must be baked
// into the shell at spawn time.
func (p *Provider) NeedsSpawnEnv() bool {
	return p.spawnEnv != nil
}

// SpawnEnv returns the environment the shell must be started with.
func (p *Provider) SpawnEnv(ep LocalEndpoint) map[string]string {
	if p.spawnEnv == nil {
		return nil
	}
	return p.spawnEnv(ep)
}

// Interactive builds the command that launches a long-running session.
func (p *Provider) Interactive(params Params) (string, error) {
	if err := ValidateModel(params.Model); err != nil {
		return "", err
	}
	args := p.prefix(params)
	if params.ResumeSessionID != "" && p.resume != nil {
		args = append(args, p.resume(params.ResumeSessionID)...)
	}
	args = append(args, p.flags(params)...)
	if prompt := FoldSkills(params.Prompt, params.Skills); prompt != "" {
		args = append(args, Quote(prompt))
	}
	return strings.Join(args, " "), nil
}

// Scheduled builds a one-shot command for unattended runs. The prompt
// gets an instruction to report a final status line.
func (p *Provider) Scheduled(params Params) (string, error) {
	if err := ValidateModel(params.Model); err != nil {
		return "", err
	}
	args := append(p.prefix(params), p.oneShot...)
	args = append(args, p.flags(params)...)
	prompt := FoldSkills(params.Prompt, params.Skills) + statusInstruction
	args = append(args, Quote(prompt))
	return strings.Join(args, " "), nil
}

// Quick builds a bare one-shot command.
func (p *Provider) Quick(params Params) (string, error) {
	if err := ValidateModel(params.Model); err != nil {
		return "", err
	}
	args := append(p.prefix(params), p.oneShot...)
	if params.Model != "" {
		args = append(args, "--model", Quote(params.Model))
	}
	args = append(args, Quote(params.Prompt))
	return strings.Join(args, " "), nil
}

func (p *Provider) prefix(params Params) []string {
	bin := params.Binary
	if bin == "" {
		bin = p.Binary
	}
	var args []string
	if params.WorkDir != "" {
		args = append(args, "cd", Quote(params.WorkDir), "&&")
	}
	keys := make([]string, 0, len(params.Env))
	for k := range params.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+Quote(params.Env[k]))
	}
	return append(args, Quote(bin))
}

func (p *Provider) flags(params Params) []string {
	var args []string
	if params.SecondaryDir != "" && p.SupportsAddDir {
		args = append(args, "--add-dir", Quote(params.SecondaryDir))
	}
	if params.Model != "" {
		args = append(args, "--model", Quote(params.Model))
	}
	if params.SkipPermissions && p.SupportsSkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

// FoldSkills prefixes the prompt with a skills directive. Skills are
// listed in order with blanks removed.
func FoldSkills(prompt string, skills []string) string {
	var names []string
	for _, s := range skills {
		if s = strings.TrimSpace(s); s != "" {
			names = append(names, s)
		}
	}
	if len(names) == 0 {
		return prompt
	}
	return "[Use these skills: " + strings.Join(names, ", ") + "] " + prompt
}

// Quote wraps s in single quotes for a POSIX shell. Embedded single quotes
// are closed, escaped and reopened.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
