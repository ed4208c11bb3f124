// Package output writes command results as JSON, YAML or a human table.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

const (
	// FormatTable is the human-readable default.
	FormatTable Format = "table"
	// FormatJSON is pretty-printed JSON.
	FormatJSON Format = "json"
	// FormatYAML is YAML, as stored in the records' yaml tags.
	FormatYAML Format = "yaml"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
}

// ResolveFormat determines the output format from flag value and environment.
// Priority: explicit flag > FM_OUTPUT_FORMAT env var > default (table).
func ResolveFormat(flagValue string) (Format, error) {
	if flagValue != "" {
		return ParseFormat(flagValue)
	}
	if env := os.Getenv("FM_OUTPUT_FORMAT"); env != "" {
		return ParseFormat(env)
	}
	return FormatTable, nil
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// WriteYAML writes v as YAML.
func WriteYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// Write writes v in format. Table output is produced by table, which is
// only called for FormatTable.
func Write(w io.Writer, format Format, v any, table func(io.Writer) error) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, v)
	case FormatYAML:
		return WriteYAML(w, v)
	default:
		if table == nil {
			return WriteJSON(w, v)
		}
		return table(w)
	}
}
