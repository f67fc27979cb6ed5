package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// composeScript turns compose arguments into a command document. Each
// argument is one command, e.g. print:"Hello", feed:2, justify:C, line.
func composeScript(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("no compose arguments provided")
	}

	commands := make([]map[string]interface{}, 0, len(args))
	for _, arg := range args {
		cmd, err := parseComposeCommand(arg)
		if err != nil {
			return "", fmt.Errorf("failed to parse command '%s': %w", arg, err)
		}
		commands = append(commands, cmd)
	}

	data, err := json.Marshal(map[string]interface{}{"commands": commands})
	if err != nil {
		return "", fmt.Errorf("failed to encode script: %w", err)
	}
	return string(data), nil
}

// parseComposeCommand parses one compose argument
func parseComposeCommand(arg string) (map[string]interface{}, error) {
	name, value, hasValue := strings.Cut(arg, ":")
	value = strings.Trim(value, `"'`)

	switch name {
	case "bold":
		return map[string]interface{}{"action": "boldOn"}, nil
	case "unbold":
		return map[string]interface{}{"action": "boldOff"}, nil
	case "line", "newline", "groceries", "boldOn", "boldOff":
		return map[string]interface{}{"action": name}, nil
	case "print", "text":
		if !hasValue {
			return nil, fmt.Errorf("print requires a value")
		}
		return map[string]interface{}{"action": "print", "value": value}, nil
	case "justify", "align":
		switch strings.ToUpper(value) {
		case "L", "LEFT":
			value = "L"
		case "C", "CENTER":
			value = "C"
		case "R", "RIGHT":
			value = "R"
		default:
			return nil, fmt.Errorf("invalid justify value: %s", value)
		}
		return map[string]interface{}{"action": "justify", "value": value}, nil
	case "feed":
		lines := 1
		if hasValue {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid feed lines value: %s", value)
			}
			lines = n
		}
		return map[string]interface{}{"action": "feed", "value": lines}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", name)
	}
}
