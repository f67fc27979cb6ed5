package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultServerURL = "http://localhost:12212"
)

func main() {
	var serverURL, key, cookie string
	flag.StringVar(&serverURL, "server", defaultServerURL, "Server URL")
	flag.StringVar(&serverURL, "s", defaultServerURL, "Server URL (short)")
	flag.StringVar(&key, "key", os.Getenv("ESP_SECRET_KEY"), "Device secret for fetch")
	flag.StringVar(&cookie, "cookie", "auth=ok", "Session cookie for script and device commands")
	flag.Parse()

	if flag.NArg() == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &client{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		key:     key,
		cookie:  cookie,
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	if err := run(c, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Fax Engine CLI

Usage:
  fax-cli [flags] <command>

Flags:
  -s, -server <url>    Server URL (default: %s)
  -key <secret>        Device secret (default: $ESP_SECRET_KEY)
  -cookie <name=value> Session cookie (default: auth=ok)

Commands:
  save <project> <script-path|->
    Save a script for a project ("-" reads stdin)

  save <project> --compose <commands...>
    Compose a script from command-line arguments
    Compose commands:
      print:"Hello World"   - Print a line
      bold / unbold         - Bold on / off
      justify:C             - Alignment (L, C, R)
      feed:2                - Feed lines
      line                  - Divider line
      newline               - Empty line
      groceries             - Random recipe

  fetch <project>
    Show the compiled script a device would receive

  broadcast <script-path|->
  broadcast --compose <commands...>
    Compile a script and push it to every subscribed fax

  history <project>
    List saved versions of a project's script

  devices
    List known devices

  subscribe <device-id> on|off
    Turn broadcasts on or off for a device

Examples:
  fax-cli save fax ./morning.json
  fax-cli save fax --compose justify:C print:"{{date}}" line groceries
  fax-cli broadcast --compose bold print:"Dinner is ready" unbold feed:3
  fax-cli -key s3cret fetch fax
  fax-cli subscribe esp-kitchen off

`, defaultServerURL)
}

func run(c *client, args []string) error {
	switch args[0] {
	case "save":
		if len(args) < 3 {
			return fmt.Errorf("usage: save <project> <script-path|-> or save <project> --compose <commands...>")
		}
		script, err := scriptFromArgs(args[2:])
		if err != nil {
			return err
		}
		return c.save(args[1], script)
	case "fetch":
		if len(args) < 2 {
			return fmt.Errorf("usage: fetch <project>")
		}
		return c.fetch(args[1])
	case "broadcast":
		if len(args) < 2 {
			return fmt.Errorf("usage: broadcast <script-path|-> or broadcast --compose <commands...>")
		}
		script, err := scriptFromArgs(args[1:])
		if err != nil {
			return err
		}
		return c.broadcast(script)
	case "history":
		if len(args) < 2 {
			return fmt.Errorf("usage: history <project>")
		}
		return c.history(args[1])
	case "devices":
		return c.devices()
	case "subscribe":
		if len(args) < 3 {
			return fmt.Errorf("usage: subscribe <device-id> on|off")
		}
		on, err := parseOnOff(args[2])
		if err != nil {
			return err
		}
		return c.subscribe(args[1], on)
	case "help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return b, nil
}

// scriptFromArgs reads a script file, stdin, or a --compose command list
func scriptFromArgs(args []string) (string, error) {
	if args[0] == "--compose" {
		return composeScript(args[1:])
	}

	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	return string(data), nil
}

type client struct {
	baseURL string
	key     string
	cookie  string
	http    *http.Client
}

func (c *client) do(method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if name, value, ok := strings.Cut(c.cookie, "="); ok {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	return respBody, nil
}

func (c *client) save(project, script string) error {
	body, err := c.do(http.MethodPost, "/projects/"+url.PathEscape(project)+"/save-script", map[string]string{"script": script})
	if err != nil {
		return err
	}

	var result struct {
		ID       string   `json:"id"`
		Warnings []string `json:"warnings"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Saved script %s for %s\n", result.ID, project)
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	return nil
}

func (c *client) fetch(project string) error {
	path := "/projects/" + url.PathEscape(project) + "/script.txt"
	if c.key != "" {
		path += "?key=" + url.QueryEscape(c.key)
	}

	body, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	return printIndented(body)
}

func (c *client) broadcast(script string) error {
	body, err := c.do(http.MethodPost, "/projects/fax/broadcast", map[string]string{"message": script})
	if err != nil {
		return err
	}

	var result struct {
		Commands []json.RawMessage `json:"commands"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Broadcast %d commands\n", len(result.Commands))
	return nil
}

func (c *client) history(project string) error {
	body, err := c.do(http.MethodGet, "/projects/"+url.PathEscape(project)+"/history", nil)
	if err != nil {
		return err
	}

	var result struct {
		Scripts []struct {
			ID        string    `json:"id"`
			Script    string    `json:"script"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"scripts"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("\nScripts for %s:\n", project)
	for _, s := range result.Scripts {
		fmt.Printf("  %s  %s  (%d bytes)\n", s.CreatedAt.Local().Format(time.DateTime), s.ID, len(s.Script))
	}
	return nil
}

func (c *client) devices() error {
	body, err := c.do(http.MethodGet, "/devices", nil)
	if err != nil {
		return err
	}

	var result struct {
		Devices []struct {
			ID         string    `json:"id"`
			Name       string    `json:"name"`
			Project    string    `json:"project"`
			Subscribed bool      `json:"subscribed"`
			LastSeen   time.Time `json:"last_seen"`
		} `json:"devices"`
		WSClients int `json:"ws_clients"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Println("\nDevices:")
	for _, d := range result.Devices {
		name := d.Name
		if name == "" {
			name = d.ID
		}
		state := "subscribed"
		if !d.Subscribed {
			state = "muted"
		}
		fmt.Printf("  %s: %s (%s, last seen %s)\n", d.ID, name, state, d.LastSeen.Local().Format(time.DateTime))
	}
	fmt.Printf("\nWebSocket clients: %d\n", result.WSClients)
	return nil
}

func (c *client) subscribe(deviceID string, on bool) error {
	_, err := c.do(http.MethodPost, "/devices/"+url.PathEscape(deviceID)+"/subscription", map[string]bool{"subscribed": on})
	if err != nil {
		return err
	}

	if on {
		fmt.Printf("Device %s subscribed\n", deviceID)
	} else {
		fmt.Printf("Device %s muted\n", deviceID)
	}
	return nil
}

func printIndented(data []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	fmt.Println(out.String())
	return nil
}
