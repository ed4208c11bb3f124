package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/foreman/internal/eventbus"
)

func TestMulti_SwallowsErrorsAndContinues(t *testing.T) {
	rec := &Recorder{}
	failing := SinkFunc(func(context.Context, Kind, string, string) error {
		return errors.New("smtp down")
	})
	m := Multi{Sinks: []Sink{failing, nil, rec}}

	err := m.Notify(context.Background(), KindAgentError, "a1", "exit 1")

	require.NoError(t, err)
	assert.Equal(t, []Notification{{Kind: KindAgentError, Subject: "a1", Message: "exit 1"}}, rec.Sent())
}

func TestBusSink_Publishes(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	events, unsub := bus.Subscribe()
	defer unsub()

	require.NoError(t, BusSink{Bus: bus}.Notify(context.Background(), KindTaskDone, "t1", "done"))

	select {
	case e := <-events:
		assert.Equal(t, eventbus.EventNotification, e.Type)
		assert.Equal(t, Notification{Kind: KindTaskDone, Subject: "t1", Message: "done"}, e.Data)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestCommandSink(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	out := filepath.Join(t.TempDir(), "out")
	s := CommandSink{
		Command: []string{"/bin/sh", "-c", `printf '%s|%s' "$1" "$2" > ` + out, "notify"},
		Kinds:   map[Kind]bool{KindAgentWaiting: true},
	}

	require.NoError(t, s.Notify(context.Background(), KindAgentCompleted, "a1", "skipped"))
	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.Notify(context.Background(), KindAgentWaiting, "a1", "needs input"))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "foreman: agent waiting|needs input", string(data))
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, LogSink{}.Notify(context.Background(), KindTaskFailed, "t1", "boom"))
}
