package faxformat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Parse errors
var (
	ErrInvalidJSON      = errors.New("document is not valid JSON")
	ErrCommandsNotArray = errors.New("commands must be an array")
)

// Parse parses a command document.
//
// A document without "commands" (or a top-level value that is not an
// object) yields an empty sequence. Invalid JSON, a null document and a
// non-array "commands" are errors.
func Parse(data []byte) (*Document, error) {
	var top interface{}
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	if top == nil {
		return nil, fmt.Errorf("%w: document is null", ErrInvalidJSON)
	}

	obj, ok := top.(map[string]interface{})
	if !ok {
		return &Document{Commands: []Command{}}, nil
	}

	raw, ok := obj["commands"]
	if !ok || raw == nil {
		return &Document{Commands: []Command{}}, nil
	}
	if _, ok := raw.([]interface{}); !ok {
		return nil, ErrCommandsNotArray
	}

	var temp struct {
		Commands []Command `json:"commands"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	if temp.Commands == nil {
		temp.Commands = []Command{}
	}

	return &Document{Commands: temp.Commands}, nil
}

// ParseString parses a command document held in a string
func ParseString(s string) (*Document, error) {
	return Parse([]byte(s))
}

// Encode produces the wire document for a command sequence
func Encode(commands []Command) ([]byte, error) {
	list, err := EncodeCommands(commands)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(list)+len(`{"commands":}`))
	out = append(out, `{"commands":`...)
	out = append(out, list...)
	return append(out, '}'), nil
}

// EncodeCommands produces the JSON array for a command sequence. Decoded
// commands are written back exactly as they were read.
func EncodeCommands(commands []Command) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, cmd := range commands {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := cmd.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode command %d: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
