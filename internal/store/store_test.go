package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestJSONFile_LoadMissingIsEmpty(t *testing.T) {
	s := NewJSONFile[item](filepath.Join(t.TempDir(), "nested", "items.json"), nil)
	defer s.Close()

	got, err := s.Load(context.Background())

	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJSONFile_SaveFlushLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.json")
	s := NewJSONFile[item](path, nil)
	defer s.Close()
	ctx := context.Background()

	s.Save([]item{{ID: "1", Name: "first"}})
	s.Save([]item{{ID: "1", Name: "first"}, {ID: "2", Name: "second"}})
	require.NoError(t, s.Flush(ctx))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "1", Name: "first"}, {ID: "2", Name: "second"}}, got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version": 1`)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestJSONFile_SaveDoesNotAliasCaller(t *testing.T) {
	s := NewJSONFile[item](filepath.Join(t.TempDir(), "items.json"), nil)
	defer s.Close()

	records := []item{{ID: "1", Name: "before"}}
	s.Save(records)
	records[0].Name = "after"
	require.NoError(t, s.Flush(context.Background()))

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "before", got[0].Name)
}

func TestJSONFile_CloseWritesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.json")
	s := NewJSONFile[item](path, nil)

	s.Save([]item{{ID: "x"}})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Flush(context.Background()), ErrClosed)

	reopened := NewJSONFile[item](path, nil)
	defer reopened.Close()
	got, err := reopened.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "x"}}, got)
}

func TestJSONFile_CorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s := NewJSONFile[item](path, nil)
	defer s.Close()

	_, err := s.Load(context.Background())

	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	m := NewMemory(item{ID: "seed"})

	got, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)

	m.Save([]item{{ID: "a"}, {ID: "b"}})
	assert.Equal(t, 1, m.Saves())
	assert.Len(t, m.Latest(), 2)
}
