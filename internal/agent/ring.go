package agent

import "strings"

// Default output retention.
const (
	DefaultOutputChunks = 200
	DefaultOutputBytes  = 256 * 1024
)

// outputRing keeps the most recent output chunks within a chunk count and
// a byte budget. Oldest chunks are evicted first; a single chunk larger
// than the byte budget keeps only its tail.
type outputRing struct {
	chunks    []string
	size      int
	maxChunks int
	maxBytes  int
}

func newOutputRing(maxChunks, maxBytes int) *outputRing {
	if maxChunks <= 0 {
		maxChunks = DefaultOutputChunks
	}
	if maxBytes <= 0 {
		maxBytes = DefaultOutputBytes
	}
	return &outputRing{maxChunks: maxChunks, maxBytes: maxBytes}
}

func (r *outputRing) append(chunk string) {
	if chunk == "" {
		return
	}
	if len(chunk) > r.maxBytes {
		chunk = chunk[len(chunk)-r.maxBytes:]
	}
	r.chunks = append(r.chunks, chunk)
	r.size += len(chunk)
	for len(r.chunks) > r.maxChunks || r.size > r.maxBytes {
		r.size -= len(r.chunks[0])
		r.chunks[0] = ""
		r.chunks = r.chunks[1:]
	}
}

func (r *outputRing) snapshot() []string {
	if len(r.chunks) == 0 {
		return nil
	}
	return append([]string(nil), r.chunks...)
}

func (r *outputRing) String() string {
	return strings.Join(r.chunks, "")
}
