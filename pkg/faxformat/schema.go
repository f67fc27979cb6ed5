// Package faxformat defines the command document exchanged with fax devices
package faxformat

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Known actions
const (
	ActionBoldOn    = "boldOn"
	ActionBoldOff   = "boldOff"
	ActionJustify   = "justify"
	ActionPrint     = "print"
	ActionNewline   = "newline"
	ActionLine      = "line"
	ActionFeed      = "feed"
	ActionGroceries = "groceries"
)

// Justify values
const (
	JustifyLeft   = "L"
	JustifyCenter = "C"
	JustifyRight  = "R"
)

// Document is the wire format: {"commands": [...]}
type Document struct {
	Commands []Command `json:"commands"`
}

// Command is a single printer instruction.
//
// Commands decoded from JSON remember their original bytes and encode back
// to them unchanged, so unknown actions, extra fields and entries that are
// not objects at all survive a decode/encode round trip.
type Command struct {
	Action string
	Value  json.RawMessage // nil when absent

	raw json.RawMessage
}

type wireCommand struct {
	Action string          `json:"action"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// UnmarshalJSON keeps the raw entry and extracts action/value when the
// entry is an object. It never fails.
func (c *Command) UnmarshalJSON(data []byte) error {
	c.raw = append(json.RawMessage(nil), data...)
	c.Action = ""
	c.Value = nil

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil
	}

	if action, ok := obj["action"]; ok {
		var s string
		if json.Unmarshal(action, &s) == nil {
			c.Action = s
		}
	}
	if value, ok := obj["value"]; ok {
		c.Value = value
	}

	return nil
}

// MarshalJSON encodes the command, preferring the original bytes
func (c Command) MarshalJSON() ([]byte, error) {
	if c.raw != nil {
		return c.raw, nil
	}
	return Marshal(wireCommand{Action: c.Action, Value: c.Value})
}

// IsObject reports whether the command is a JSON object. Generated commands
// are always objects.
func (c Command) IsObject() bool {
	if c.raw == nil {
		return true
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(c.raw, &obj) == nil && obj != nil
}

// Text returns the value when it is a JSON string
func (c Command) Text() (string, bool) {
	if len(c.Value) == 0 || c.Value[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(c.Value, &s); err != nil {
		return "", false
	}
	return s, true
}

// Int returns the value when it is a JSON integer
func (c Command) Int() (int, bool) {
	if len(c.Value) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(c.Value))
	if err != nil {
		return 0, false
	}
	return n, true
}

// WithText returns a copy of the command whose value is replaced by text.
// Every other field of the original object is kept.
func (c Command) WithText(text string) Command {
	value, err := Marshal(text)
	if err != nil {
		return c
	}

	out := Command{Action: c.Action, Value: value}
	if c.raw == nil {
		return out
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(c.raw, &obj); err != nil || obj == nil {
		return c
	}
	obj["value"] = value

	raw, err := Marshal(obj)
	if err != nil {
		return c
	}
	out.raw = raw

	return out
}

// Marshal encodes v as compact JSON without escaping &, < and >
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// New creates a command with no value
func New(action string) Command {
	return Command{Action: action}
}

// BoldOn creates a boldOn command
func BoldOn() Command { return New(ActionBoldOn) }

// BoldOff creates a boldOff command
func BoldOff() Command { return New(ActionBoldOff) }

// Line creates a divider command
func Line() Command { return New(ActionLine) }

// Newline creates a newline command
func Newline() Command { return New(ActionNewline) }

// Justify creates a justify command (L, C or R)
func Justify(align string) Command {
	return New(ActionJustify).WithText(align)
}

// Print creates a print command
func Print(text string) Command {
	return New(ActionPrint).WithText(text)
}

// Feed creates a feed command for the given number of lines
func Feed(lines int) Command {
	return Command{Action: ActionFeed, Value: json.RawMessage(strconv.Itoa(lines))}
}
