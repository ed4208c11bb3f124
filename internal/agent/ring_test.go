package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/steveyegge/foreman/internal/detect"
)

func TestOutputRing_ChunkBound(t *testing.T) {
	r := newOutputRing(3, 1024)
	for _, c := range []string{"a", "b", "", "c", "d"} {
		r.append(c)
	}
	assert.Equal(t, []string{"b", "c", "d"}, r.snapshot())
	assert.Equal(t, "bcd", r.String())
}

func TestOutputRing_ByteBound(t *testing.T) {
	r := newOutputRing(100, 10)
	r.append("12345")
	r.append("67890")
	r.append("abc")
	assert.Equal(t, []string{"67890", "abc"}, r.snapshot())
	assert.LessOrEqual(t, r.size, 10)
}

func TestOutputRing_OversizedChunkKeepsTail(t *testing.T) {
	r := newOutputRing(10, 4)
	r.append("old")
	r.append(strings.Repeat("x", 6) + "tail")
	assert.Equal(t, []string{"tail"}, r.snapshot())
}

func TestOutputRing_Defaults(t *testing.T) {
	r := newOutputRing(0, 0)
	assert.Equal(t, DefaultOutputChunks, r.maxChunks)
	assert.Equal(t, DefaultOutputBytes, r.maxBytes)
	assert.Nil(t, r.snapshot())
}

func TestNextStatus(t *testing.T) {
	tests := []struct {
		current Status
		sig     detect.Signal
		want    Status
	}{
		{StatusIdle, detect.Working, StatusRunning},
		{StatusWaiting, detect.Working, StatusRunning},
		{StatusRunning, detect.Working, ""},
		{StatusRunning, detect.Waiting, StatusWaiting},
		{StatusIdle, detect.Waiting, ""},
		{StatusCompleted, detect.Working, ""},
		{StatusRunning, detect.None, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextStatus(tt.current, tt.sig), "%s + %s", tt.current, tt.sig)
	}
}

func TestNormalizeSkills(t *testing.T) {
	assert.Equal(t, []string{"Go", "sql"}, NormalizeSkills([]string{" Go", "go", "", "sql", "SQL "}))
	assert.Nil(t, NormalizeSkills(nil))
}
