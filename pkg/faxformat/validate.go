package faxformat

import (
	"fmt"
)

// Issue is a problem found in a command document. Issues are advisory: the
// expansion pipeline forwards every command regardless.
type Issue struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("command[%d]: %s", i.Index, i.Message)
}

// Validate checks a document against the known command vocabulary
func Validate(doc *Document) []Issue {
	var issues []Issue
	for i, cmd := range doc.Commands {
		if msg := validateCommand(cmd); msg != "" {
			issues = append(issues, Issue{Index: i, Message: msg})
		}
	}
	return issues
}

func validateCommand(cmd Command) string {
	if !cmd.IsObject() {
		return "command must be an object"
	}
	if cmd.Action == "" {
		return "action is required"
	}

	switch cmd.Action {
	case ActionJustify:
		align, _ := cmd.Text()
		if align != JustifyLeft && align != JustifyCenter && align != JustifyRight {
			return fmt.Sprintf("invalid justify value %s (must be L, C, or R)", string(cmd.Value))
		}
	case ActionPrint:
		if _, ok := cmd.Text(); !ok {
			return "print command requires a text value"
		}
	case ActionFeed:
		n, ok := cmd.Int()
		if !ok || n < 0 {
			return fmt.Sprintf("invalid feed value %s (must be a non-negative integer)", string(cmd.Value))
		}
	case ActionBoldOn, ActionBoldOff, ActionNewline, ActionLine, ActionGroceries:
		// No value required
	default:
		return fmt.Sprintf("unknown action: %s", cmd.Action)
	}

	return ""
}
