// Package vss turns Vehicle Signal Specification payloads reported by a
// signal broker into flat path/value maps, and provides a client for a
// KUKSA.val style WebSocket signal broker.
package vss

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/eddielth/vss-twin-bridge/validator"
)

// Update maps a signal path (e.g. "Vehicle.Speed") to its reported value.
// Numbers are kept as json.Number so they are forwarded unchanged.
type Update map[string]interface{}

// ParseError reports a payload that could not be flattened. The whole batch
// it came from must be discarded.
type ParseError struct {
	Kind string // "tree" or "delta"
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var pathValidator = &validator.PathValidator{}

// treeEntry is one node of a tree snapshot. Value is nil for nodes without a
// current value.
type treeEntry struct {
	Path  *string     `json:"path"`
	Value interface{} `json:"value"`
}

type deltaEntry struct {
	Entry *struct {
		Path  *string `json:"path"`
		Value *struct {
			Value json.RawMessage `json:"value"`
		} `json:"value"`
	} `json:"entry"`
}

// FlattenTree flattens a tree snapshot: a JSON array of {path, value}
// entries. Entries without a value (absent or null) are skipped.
func FlattenTree(payload []byte) (Update, error) {
	var entries []treeEntry
	if err := decode(payload, &entries); err != nil {
		return nil, &ParseError{Kind: "tree", Err: err}
	}

	res := make(Update, len(entries))
	for i, e := range entries {
		if e.Value == nil {
			continue
		}
		if e.Path == nil {
			return nil, &ParseError{Kind: "tree", Err: fmt.Errorf("entry %d has a value but no path", i)}
		}
		if err := pathValidator.Validate(*e.Path); err != nil {
			return nil, &ParseError{Kind: "tree", Err: fmt.Errorf("entry %d: %w", i, err)}
		}
		res[*e.Path] = e.Value
	}
	return res, nil
}

// FlattenDelta flattens a delta notification: a JSON array of
// {"entry": {"path": ..., "value": {"value": ...}}} records. Every record
// must carry a path and a value; a JSON null value is passed through.
func FlattenDelta(payload []byte) (Update, error) {
	var entries []deltaEntry
	if err := decode(payload, &entries); err != nil {
		return nil, &ParseError{Kind: "delta", Err: err}
	}

	res := make(Update, len(entries))
	for i, e := range entries {
		if e.Entry == nil {
			return nil, &ParseError{Kind: "delta", Err: fmt.Errorf("record %d has no entry", i)}
		}
		if e.Entry.Path == nil {
			return nil, &ParseError{Kind: "delta", Err: fmt.Errorf("record %d has no path", i)}
		}
		path := *e.Entry.Path
		if err := pathValidator.Validate(path); err != nil {
			return nil, &ParseError{Kind: "delta", Err: fmt.Errorf("record %d: %w", i, err)}
		}
		if e.Entry.Value == nil || len(e.Entry.Value.Value) == 0 {
			return nil, &ParseError{Kind: "delta", Err: fmt.Errorf("record %d (%s) has no value", i, path)}
		}

		var v interface{}
		if err := decode(e.Entry.Value.Value, &v); err != nil {
			return nil, &ParseError{Kind: "delta", Err: fmt.Errorf("record %d (%s): %w", i, path, err)}
		}
		res[path] = v
	}
	return res, nil
}

// PropertyPath maps a signal path to the twin property path addressing it:
// "Vehicle.Speed" becomes "Vehicle/Speed".
func PropertyPath(signalPath string) string {
	return strings.ReplaceAll(signalPath, ".", "/")
}

// SignalPath is the inverse of PropertyPath.
func SignalPath(propertyPath string) string {
	return strings.ReplaceAll(propertyPath, "/", ".")
}

func decode(p []byte, v interface{}) error {
	if len(bytes.TrimSpace(p)) == 0 {
		return errors.New("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	if rv := reflect.ValueOf(v).Elem(); rv.Kind() == reflect.Slice && rv.IsNil() {
		return errors.New("payload is not a JSON array")
	}
	return nil
}
