package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thereceipt/fax-engine/internal/auth"
	"github.com/thereceipt/fax-engine/internal/escpos"
	"github.com/thereceipt/fax-engine/internal/expand"
	"github.com/thereceipt/fax-engine/internal/recipe"
	"github.com/thereceipt/fax-engine/internal/registry"
	"github.com/thereceipt/fax-engine/internal/store"
)

// 3:05 PM PDT, Friday, October 16, 2026
var fixedInstant = time.Date(2026, 10, 16, 22, 5, 0, 0, time.UTC)

type stubPublisher struct {
	mu       sync.Mutex
	err      error
	topics   []string
	payloads []string
}

func (p *stubPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, string(payload))
	return nil
}

func (p *stubPublisher) Close() error { return nil }

type failingStore struct{ store.ScriptStore }

func (failingStore) Latest(ctx context.Context, project string) (*store.Script, error) {
	return nil, errors.New("disk on fire")
}

type fixture struct {
	server    *Server
	scripts   *store.SQLite
	publisher *stubPublisher
	registry  *registry.Registry
	fetches   *atomic.Int32
}

func tacos() *recipe.Recipe {
	r := &recipe.Recipe{Name: "Tacos", Instructions: "Cook beef.\nAssemble tacos."}
	r.Ingredients[0] = recipe.Ingredient{Measure: "2", Name: "Tortillas"}
	r.Ingredients[1] = recipe.Ingredient{Measure: "1 lb", Name: "Beef"}
	return r
}

func newFixture(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()

	scripts, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { scripts.Close() })

	reg, err := registry.New("", zerolog.Nop())
	require.NoError(t, err)

	fetches := &atomic.Int32{}
	provider := recipe.ProviderFunc(func(ctx context.Context) (*recipe.Recipe, error) {
		fetches.Add(1)
		return tacos(), nil
	})
	pipeline := expand.New(provider, zerolog.Nop(), expand.WithClock(func() time.Time { return fixedInstant }))

	publisher := &stubPublisher{}
	opts = append([]ServerOption{WithGate(auth.Open{}), WithRegistry(reg)}, opts...)
	server := NewServer(pipeline, scripts, publisher, zerolog.Nop(), opts...)

	return &fixture{
		server:    server,
		scripts:   scripts,
		publisher: publisher,
		registry:  reg,
		fetches:   fetches,
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) save(t *testing.T, project, script string) {
	t.Helper()
	_, err := f.scripts.Save(context.Background(), project, script)
	require.NoError(t, err)
}

func jsonRequest(method, target string, body interface{}) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, target, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func commandsOf(t *testing.T, body []byte) string {
	t.Helper()
	var doc struct {
		Commands json.RawMessage `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	return string(doc.Commands)
}

func TestDeviceScript_NoScript(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/script.txt", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"commands":[]}`, w.Body.String())
}

func TestDeviceScript_Expands(t *testing.T) {
	f := newFixture(t)
	f.save(t, "fax", `{"commands":[{"action":"print","value":"Today is {{date}}, {{time}}"},{"action":"groceries"},{"action":"cut"}]}`)

	w := f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/script.txt", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		Commands []map[string]interface{} `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))

	require.Len(t, doc.Commands, 1+16+1)
	assert.Equal(t, "Today is Friday, October 16, 2026, 3:05 PM", doc.Commands[0]["value"])
	assert.Equal(t, "Tacos", doc.Commands[3]["value"])
	assert.Equal(t, "cut", doc.Commands[17]["action"])
	assert.Equal(t, int32(1), f.fetches.Load())
}

func TestDeviceScript_LatestWins(t *testing.T) {
	f := newFixture(t)
	f.save(t, "fax", `{"commands":[{"action":"print","value":"old"}]}`)
	f.save(t, "fax", `{"commands":[{"action":"print","value":"new"}]}`)

	w := f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/script.txt", nil))

	assert.JSONEq(t, `{"commands":[{"action":"print","value":"new"}]}`, w.Body.String())
}

func TestDeviceScript_InvalidStoredScript(t *testing.T) {
	for _, script := range []string{`not json`, `{"commands":{"action":"print"}}`, `{"other":1}`} {
		f := newFixture(t)
		f.save(t, "fax", script)

		w := f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/script.txt", nil))

		assert.Equal(t, http.StatusOK, w.Code, script)
		assert.JSONEq(t, `{"commands":[]}`, w.Body.String(), script)
	}
}

func TestDeviceScript_Secret(t *testing.T) {
	f := newFixture(t, WithSecret("s3cret"))

	for _, target := range []string{"/projects/fax/script.txt", "/projects/fax/script.txt?key=wrong", "/projects/fax/script.txt?key="} {
		w := f.do(httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusForbidden, w.Code, target)
		assert.Equal(t, "forbidden", w.Body.String(), target)
		assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"), target)
	}

	w := f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/script.txt?key=s3cret", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestDeviceScript_StoreFailure(t *testing.T) {
	pipeline := expand.New(recipe.ProviderFunc(func(ctx context.Context) (*recipe.Recipe, error) {
		return nil, recipe.ErrNoRecipe
	}), zerolog.Nop())
	server := NewServer(pipeline, failingStore{}, &stubPublisher{}, zerolog.Nop())

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/projects/fax/script.txt", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "PRINT error", w.Body.String())
	assert.NotContains(t, w.Body.String(), "disk on fire")
}

func TestDeviceScript_TracksDevice(t *testing.T) {
	f := newFixture(t)

	f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/script.txt?device=esp-kitchen", nil))

	entry := f.registry.Get("esp-kitchen")
	require.NotNil(t, entry)
	assert.Equal(t, "fax", entry.Project)
	assert.True(t, entry.Subscribed)
}

func TestDeviceScriptRaw(t *testing.T) {
	f := newFixture(t)
	f.save(t, "fax", `{"commands":[{"action":"boldOn"},{"action":"print","value":"Hi"}]}`)

	w := f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/script.bin", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{escpos.ESC, '@', escpos.ESC, 'E', 1, 'H', 'i', escpos.LF}, w.Body.Bytes())
}

func TestBroadcast_MissingMessage(t *testing.T) {
	f := newFixture(t)

	for _, body := range []interface{}{
		map[string]interface{}{},
		map[string]interface{}{"message": ""},
		map[string]interface{}{"message": 42},
	} {
		w := f.do(jsonRequest(http.MethodPost, "/projects/fax/broadcast", body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, f.publisher.payloads)
}

func TestBroadcast_InvalidJSON(t *testing.T) {
	f := newFixture(t)

	w := f.do(jsonRequest(http.MethodPost, "/projects/fax/broadcast", map[string]string{"message": "{not json"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid JSON", w.Body.String())
	assert.Empty(t, f.publisher.payloads)
}

func TestBroadcast_MatchesPull(t *testing.T) {
	f := newFixture(t)
	script := `{"commands":[{"action":"justify","value":"C"},{"action":"print","value":"{{date}}"},{"action":"groceries"},{"action":"feed","value":3}]}`
	f.save(t, "fax", script)

	pull := f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/script.txt", nil))
	require.Equal(t, http.StatusOK, pull.Code)

	push := f.do(jsonRequest(http.MethodPost, "/projects/fax/broadcast", map[string]string{"message": script}))
	require.Equal(t, http.StatusOK, push.Code)

	var resp struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(push.Body.Bytes(), &resp))
	assert.True(t, resp.OK)

	assert.JSONEq(t, commandsOf(t, pull.Body.Bytes()), commandsOf(t, push.Body.Bytes()))

	require.Len(t, f.publisher.payloads, 1)
	assert.Equal(t, "fax/all", f.publisher.topics[0])
	assert.JSONEq(t, pull.Body.String(), f.publisher.payloads[0])
}

func TestDeviceScript_PassThroughByteIdentical(t *testing.T) {
	f := newFixture(t)
	script := `{"commands":[{"action":"print","value":"Mac & Cheese <3>"},{ "action":"beep", "tone":"a>b" }]}`
	f.save(t, "fax", script)

	w := f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/script.txt", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, script, w.Body.String())
}

func TestBroadcast_PassThroughByteIdentical(t *testing.T) {
	f := newFixture(t)
	script := `{"commands":[{"action":"print","value":"Mac & Cheese <3>"}]}`

	w := f.do(jsonRequest(http.MethodPost, "/projects/fax/broadcast", map[string]string{"message": script}))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"ok":true,"commands":[{"action":"print","value":"Mac & Cheese <3>"}]}`, w.Body.String())
	require.Len(t, f.publisher.payloads, 1)
	assert.Equal(t, script, f.publisher.payloads[0])
}

func TestBroadcast_NullMessage(t *testing.T) {
	f := newFixture(t)

	w := f.do(jsonRequest(http.MethodPost, "/projects/fax/broadcast", map[string]string{"message": "null"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid JSON", w.Body.String())
	assert.Empty(t, f.publisher.payloads)
}

func TestBroadcast_FormEncoded(t *testing.T) {
	f := newFixture(t)

	form := url.Values{"message": {`{"commands":[{"action":"line"}]}`}}
	req := httptest.NewRequest(http.MethodPost, "/projects/fax/broadcast", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.publisher.payloads, 1)
	assert.JSONEq(t, `{"commands":[{"action":"line"}]}`, f.publisher.payloads[0])
}

func TestBroadcast_PublishFailure(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	w := f.do(jsonRequest(http.MethodPost, "/projects/fax/broadcast", map[string]string{"message": `{"commands":[]}`}))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to publish", w.Body.String())
}

func TestBroadcast_RequiresSession(t *testing.T) {
	f := newFixture(t, WithGate(auth.NewCookieGate()))

	req := jsonRequest(http.MethodPost, "/projects/fax/broadcast", map[string]string{"message": `{"commands":[]}`})
	w := f.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = jsonRequest(http.MethodPost, "/projects/fax/broadcast", map[string]string{"message": `{"commands":[]}`})
	req.AddCookie(&http.Cookie{Name: "auth", Value: "ok"})
	w = f.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSaveScript(t *testing.T) {
	f := newFixture(t)
	script := `{"commands":[{"action":"justify","value":"X"}]}`

	w := f.do(jsonRequest(http.MethodPost, "/projects/fax/save-script", map[string]string{"script": script}))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		OK       bool     `json:"ok"`
		ID       string   `json:"id"`
		Warnings []string `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.NotEmpty(t, resp.ID)
	assert.Len(t, resp.Warnings, 1)

	latest, err := f.scripts.Latest(context.Background(), "fax")
	require.NoError(t, err)
	assert.Equal(t, script, latest.Script)
}

func TestSaveScript_Invalid(t *testing.T) {
	f := newFixture(t)

	for _, body := range []interface{}{
		map[string]interface{}{},
		map[string]interface{}{"script": 7},
		map[string]interface{}{"script": ""},
	} {
		w := f.do(jsonRequest(http.MethodPost, "/projects/fax/save-script", body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}

	_, err := f.scripts.Latest(context.Background(), "fax")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveScript_OtherProject(t *testing.T) {
	f := newFixture(t)

	w := f.do(jsonRequest(http.MethodPost, "/projects/family/save-script", map[string]string{"script": "hello"}))
	require.Equal(t, http.StatusOK, w.Code)

	latest, err := f.scripts.Latest(context.Background(), "family")
	require.NoError(t, err)
	assert.Equal(t, "hello", latest.Script)
}

func TestGetScript(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/script", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.save(t, "fax", `{"commands":[]}`)
	w = f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/script", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Script   string   `json:"script"`
		Warnings []string `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, `{"commands":[]}`, resp.Script)
	assert.Empty(t, resp.Warnings)
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t)
	f.save(t, "fax", "one")
	f.save(t, "fax", "two")

	w := f.do(httptest.NewRequest(http.MethodGet, "/projects/fax/history?limit=1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Scripts []store.Script `json:"scripts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Scripts, 1)
	assert.Equal(t, "two", resp.Scripts[0].Script)
}

func TestDevices(t *testing.T) {
	f := newFixture(t)
	f.registry.Touch("esp-1", "fax")

	w := f.do(jsonRequest(http.MethodPost, "/devices/esp-1/subscription", map[string]bool{"subscribed": false}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.registry.Get("esp-1").Subscribed)

	w = f.do(jsonRequest(http.MethodPost, "/devices/missing/subscription", map[string]bool{"subscribed": true}))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(jsonRequest(http.MethodPost, "/devices/esp-1/subscription", map[string]string{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(jsonRequest(http.MethodPost, "/devices/esp-1/name", map[string]string{"name": "Kitchen"}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/devices", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Devices []registry.DeviceEntry `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "Kitchen", resp.Devices[0].Name)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket_ReceivesBroadcast(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "?device=esp-ws")
	require.Eventually(t, func() bool { return f.server.Hub().Count() == 1 }, time.Second, 10*time.Millisecond)

	w := f.do(jsonRequest(http.MethodPost, "/projects/fax/broadcast", map[string]string{"message": `{"commands":[{"action":"line"}]}`}))
	require.Equal(t, http.StatusOK, w.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Event string `json:"event"`
		Data  struct {
			Topic    string          `json:"topic"`
			Document json.RawMessage `json:"document"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventBroadcast, msg.Event)
	assert.Equal(t, "fax/all", msg.Data.Topic)
	assert.JSONEq(t, `{"commands":[{"action":"line"}]}`, string(msg.Data.Document))
}

func TestWebSocket_UnsubscribedDeviceSkipped(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	dialWS(t, srv, "?device=esp-muted")
	require.Eventually(t, func() bool { return f.server.Hub().Count() == 1 }, time.Second, 10*time.Millisecond)
	f.registry.SetSubscribed("esp-muted", false)

	assert.Equal(t, 0, f.server.Hub().Broadcast("fax/all", []byte(`{"commands":[]}`)))
}

func TestWebSocket_Origin(t *testing.T) {
	f := newFixture(t, WithAllowedOrigins("https://fax.example.com"))
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	tests := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{srv.URL, true},
		{"https://fax.example.com", true},
		{"https://evil.example.com", false},
	}

	for _, tt := range tests {
		header := http.Header{}
		if tt.origin != "" {
			header.Set("Origin", tt.origin)
		}

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		if tt.ok {
			require.NoError(t, err, tt.origin)
			conn.Close()
			continue
		}

		require.Error(t, err, tt.origin)
		require.NotNil(t, resp, tt.origin)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, tt.origin)
	}
}

func TestWebSocket_Preview(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"event": EventPreview,
		"data":  map[string]interface{}{"commands": []map[string]string{{"action": "print", "value": "{{time}}"}}},
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventResponse, msg.Event)
	assert.JSONEq(t, `{"commands":[{"action":"print","value":"3:05 PM"}]}`, string(msg.Data))
	assert.Empty(t, f.publisher.payloads)
}
