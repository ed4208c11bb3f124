package agent

import "context"

// =============================================================================
// Segregated Interfaces
//
// Consumers depend only on what they use:
//   - read-only views (HTTP listing, matching): Observer
//   - lifecycle control (kanban automation): Observer + Lifecycle
//   - terminal I/O (websocket bridge): Communicator
//   - everything: Agents
// =============================================================================

// Observer provides read-only access to agents.
type Observer interface {
	// Get returns a copy of the agent, output included.
	Get(id string) (Record, error)

	// List returns every agent ordered by creation time, without output.
	List() []Record
}

// Lifecycle creates, drives and tears down agents.
type Lifecycle interface {
	Create(ctx context.Context, cfg CreateConfig) (Record, error)
	Start(ctx context.Context, id, prompt string, opts StartOptions) error
	Stop(id string) error
	Remove(ctx context.Context, id string) error
	Update(id string, patch Patch) (Record, error)

	// Release ends the agent's current session and returns it to the idle
	// pool, keeping its identity and settings.
	Release(id string) error
}

// Communicator exchanges raw terminal bytes with an agent.
type Communicator interface {
	Write(id string, data []byte) error
	Resize(id string, cols, rows uint16) error
	Output(id string) (string, error)
}

// Agents is the full agent registry interface.
type Agents interface {
	Observer
	Lifecycle
	Communicator
}
