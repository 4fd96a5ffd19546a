// Package reference loads the equipment reference table that enriches
// detections.
package reference

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Table maps lower-cased labels to opaque detail records. It is never
// modified after Load returns.
type Table struct {
	entries map[string]any
}

// Empty returns a table with no entries.
func Empty() *Table {
	return &Table{entries: map[string]any{}}
}

// Load reads a JSON or YAML document mapping labels to detail records. A
// missing file yields an empty table. When two keys differ only by case the
// later one in the document wins.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reference table: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return parseJSON(data)
	}
	return Parse(data)
}

// Parse reads a JSON object, or any other document as YAML. JSON is decoded
// with encoding/json so escapes like \/ and repeated nested keys behave as
// JSON defines them.
func Parse(data []byte) (*Table, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return parseJSON(data)
	}
	return parseYAML(data)
}

// parseJSON walks the top-level object token by token so key order is kept
// and the later of two case-colliding keys wins.
func parseJSON(data []byte) (*Table, error) {
	t := Empty()
	if len(bytes.TrimSpace(data)) == 0 {
		return t, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse reference table: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("parse reference table: top level must be an object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse reference table: %w", err)
		}
		key := tok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("parse reference table: entry %q: %w", key, err)
		}
		t.entries[strings.ToLower(key)] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("parse reference table: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("parse reference table: trailing data after object")
	}
	return t, nil
}

func parseYAML(data []byte) (*Table, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse reference table: %w", err)
	}

	t := Empty()
	if len(doc.Content) == 0 {
		return t, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse reference table: line %d: top level must be a mapping", root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		var v any
		if err := value.Decode(&v); err != nil {
			return nil, fmt.Errorf("parse reference table: entry %q: %w", key.Value, err)
		}
		t.entries[strings.ToLower(key.Value)] = jsonSafe(v)
	}
	return t, nil
}

// Get looks up an already lower-cased label.
func (t *Table) Get(key string) (any, bool) {
	if t == nil {
		return nil, false
	}
	v, ok := t.entries[key]
	return v, ok
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// jsonSafe rewrites maps with non-string keys so records can always be
// encoded as JSON objects.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = jsonSafe(e)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = jsonSafe(e)
		}
		return out
	case []any:
		for i, e := range x {
			x[i] = jsonSafe(e)
		}
		return x
	default:
		return v
	}
}
