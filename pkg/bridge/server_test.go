package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quillui/bridge/pkg/auth"
	"github.com/quillui/bridge/pkg/config"
	"github.com/quillui/bridge/pkg/dispatch"
)

// scriptedDispatcher serves canned results and optionally prompts the caller.
type scriptedDispatcher struct {
	calls     atomic.Int32
	prompted  chan error
	promptVal atomic.Value // string
}

func newScriptedDispatcher() *scriptedDispatcher {
	return &scriptedDispatcher{prompted: make(chan error, 8)}
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, cmd dispatch.Command, caller auth.Info, conn dispatch.ConnectionHandle) (any, error) {
	d.calls.Add(1)
	switch cmd.Key {
	case "list_items":
		return []any{"one", "two"}, nil
	case "create_item":
		return map[string]any{"id": 1}, nil
	case "get_caller":
		return map[string]any{"identity": caller.Identity, "role": caller.Role}, nil
	case "ask_name":
		value, err := conn.Prompt(ctx, map[string]any{"kind": "text", "label": "Name"})
		d.prompted <- err
		if err != nil {
			return nil, err
		}
		name, _ := value.(string)
		d.promptVal.Store(name)
		return map[string]any{"greeting": "hello " + name}, nil
	case "fail_loudly":
		return nil, errors.New("backend exploded")
	default:
		return nil, &dispatch.Error{Kind: "not_found", Message: "unknown command " + cmd.Key}
	}
}

// stubSchemas is a fixed two-model schema provider.
type stubSchemas struct{}

func (stubSchemas) ListModels() []string { return []string{"items", "users"} }

func (stubSchemas) IntrospectModel(name string) (map[string]any, error) {
	switch name {
	case "items":
		return map[string]any{"fields": []any{"id", "text"}}, nil
	case "users":
		return map[string]any{
			"fields":     []any{"id", "name"},
			"operations": []any{"list", "get"},
		}, nil
	case "broken":
		return nil, errors.New("schema backend unavailable")
	default:
		return nil, nil
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server, *scriptedDispatcher) {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	d := newScriptedDispatcher()
	srv, err := New(Options{
		Config:     cfg,
		Validator:  auth.StaticValidatorFromConfig(cfg.Bridge.Tokens),
		Dispatcher: d,
		Schemas:    stubSchemas{},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts, d
}

func wsDial(t *testing.T, ts *httptest.Server, rawQuery string, header http.Header) *websocket.Conn {
	t.Helper()
	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = rawQuery

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readNextOfType reads frames until one with the wanted event tag arrives.
func readNextOfType(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading frame while waiting for %q: %v", event, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if msg["event"] == event {
			return msg
		}
	}
	t.Fatalf("no %q frame within deadline", event)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestInfoFrameOnConnect(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	conn := wsDial(t, ts, "", nil)

	info := readNextOfType(t, conn, "info")
	data, ok := info["data"].(map[string]any)
	if !ok {
		t.Fatalf("info frame has no data: %v", info)
	}
	if data["server_version"] == "" {
		t.Fatal("info frame must carry the server version")
	}

	session, _ := data["session"].(map[string]any)
	if session["identity"] != "anonymous" || session["anonymous"] != true {
		t.Fatalf("expected anonymous session, got %v", session)
	}

	models, _ := data["models"].([]any)
	if len(models) != 2 {
		t.Fatalf("expected 2 discoverable models, got %v", data["models"])
	}
}

func TestDispatchCachesSecondCall(t *testing.T) {
	_, ts, d := newTestServer(t, nil)
	conn := wsDial(t, ts, "", nil)
	readNextOfType(t, conn, "info")

	req := map[string]any{
		"event": "dispatch",
		"id":    "r1",
		"data":  map[string]any{"command": "list_items", "model": "items"},
	}
	sendFrame(t, conn, req)
	first := readNextOfType(t, conn, "dispatch")
	if first["status"] != "ok" {
		t.Fatalf("first dispatch failed: %v", first)
	}
	if first["data"].(map[string]any)["cached"] != false {
		t.Fatal("first call must not be served from cache")
	}

	req["id"] = "r2"
	sendFrame(t, conn, req)
	second := readNextOfType(t, conn, "dispatch")
	if second["id"] != "r2" {
		t.Fatalf("reply id must echo the request id, got %v", second["id"])
	}
	if second["data"].(map[string]any)["cached"] != true {
		t.Fatal("second call must be served from cache")
	}
	if d.calls.Load() != 1 {
		t.Fatalf("dispatcher must run once, ran %d times", d.calls.Load())
	}
}

func TestPromptRoundtrip(t *testing.T) {
	_, ts, d := newTestServer(t, nil)
	conn := wsDial(t, ts, "", nil)
	readNextOfType(t, conn, "info")

	sendFrame(t, conn, map[string]any{
		"event": "dispatch",
		"id":    "p1",
		"data":  map[string]any{"command": "ask_name", "model": "users"},
	})

	// The prompt arrives while the dispatch is still in flight; the read
	// loop must deliver our reply to it.
	prompt := readNextOfType(t, conn, "input_request")
	reqID, _ := prompt["id"].(string)
	if reqID == "" {
		t.Fatalf("input_request carries no id: %v", prompt)
	}

	sendFrame(t, conn, map[string]any{
		"event": "input_response",
		"id":    reqID,
		"data":  map[string]any{"value": "quill"},
	})

	reply := readNextOfType(t, conn, "dispatch")
	if reply["status"] != "ok" {
		t.Fatalf("dispatch after prompt failed: %v", reply)
	}
	rows := reply["data"].(map[string]any)["rows"].(map[string]any)
	if rows["greeting"] != "hello quill" {
		t.Fatalf("prompted value did not reach the dispatcher: %v", rows)
	}

	select {
	case err := <-d.prompted:
		if err != nil {
			t.Fatalf("prompt resolved with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher never observed the prompt resolution")
	}
}

func TestDisconnectCancelsPendingPrompt(t *testing.T) {
	_, ts, d := newTestServer(t, nil)
	conn := wsDial(t, ts, "", nil)
	readNextOfType(t, conn, "info")

	sendFrame(t, conn, map[string]any{
		"event": "dispatch",
		"id":    "p1",
		"data":  map[string]any{"command": "ask_name"},
	})
	readNextOfType(t, conn, "input_request")

	_ = conn.Close()

	select {
	case err := <-d.prompted:
		if err == nil {
			t.Fatal("expected prompt cancellation on disconnect")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending prompt never cancelled after disconnect")
	}
}

func TestMutationBroadcastsDataUpdated(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	sender := wsDial(t, ts, "", nil)
	readNextOfType(t, sender, "info")
	watcher := wsDial(t, ts, "", nil)
	readNextOfType(t, watcher, "info")

	// Seed the watcher-side cache check: a cached read that the mutation
	// must invalidate.
	sendFrame(t, watcher, map[string]any{
		"event": "dispatch", "id": "w1",
		"data": map[string]any{"command": "list_items", "model": "items"},
	})
	readNextOfType(t, watcher, "dispatch")

	sendFrame(t, sender, map[string]any{
		"event": "dispatch", "id": "m1",
		"data": map[string]any{"command": "create_item", "model": "items"},
	})
	reply := readNextOfType(t, sender, "dispatch")
	if reply["status"] != "ok" {
		t.Fatalf("mutation failed: %v", reply)
	}

	update := readNextOfType(t, watcher, "data_updated")
	if update["data"].(map[string]any)["model"] != "items" {
		t.Fatalf("data_updated names the wrong model: %v", update)
	}

	// The mutating client must not receive its own update notification.
	sendFrame(t, sender, map[string]any{
		"event": "dispatch", "id": "m2",
		"data": map[string]any{"command": "list_items", "model": "items"},
	})
	next := readNextOfType(t, sender, "dispatch")
	if next["data"].(map[string]any)["cached"] != false {
		t.Fatal("mutation must have invalidated the cached read")
	}
}

func TestOriginRejectedAtHandshake(t *testing.T) {
	_, ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Bridge.AllowedOrigins = []string{"http://localhost:3000"}
	})

	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/ws"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err == nil {
		t.Fatal("expected handshake rejection for bad origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 response, got %v", resp)
	}

	// A listed origin connects fine.
	ok := wsDial(t, ts, "", http.Header{"Origin": []string{"http://localhost:3000"}})
	readNextOfType(t, ok, "info")
}

func TestAuthRequiredClosesWithPolicyViolation(t *testing.T) {
	_, ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Bridge.RequireAuth = true
		cfg.Bridge.Tokens = map[string]string{"s3cret": "rob:admin"}
	})

	// No token: upgrade succeeds, then the server closes with 1008.
	conn := wsDial(t, ts, "", nil)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected close frame for missing token")
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != ClosePolicyViolation {
		t.Fatalf("expected close code 1008, got %v", err)
	}

	// Valid token: connected with the mapped identity.
	authed := wsDial(t, ts, "token=s3cret", nil)
	info := readNextOfType(t, authed, "info")
	session := info["data"].(map[string]any)["session"].(map[string]any)
	if session["identity"] != "rob" || session["role"] != "admin" {
		t.Fatalf("unexpected session %v", session)
	}
}

func TestLegacyCommandFrame(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	conn := wsDial(t, ts, "", nil)
	readNextOfType(t, conn, "info")

	// Old clients send the command object bare, without an envelope.
	sendFrame(t, conn, map[string]any{"command": "list_items", "model": "items"})
	reply := readNextOfType(t, conn, "dispatch")
	if reply["status"] != "ok" {
		t.Fatalf("legacy frame not dispatched: %v", reply)
	}
}

func TestBadFramesKeepConnectionOpen(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	conn := wsDial(t, ts, "", nil)
	readNextOfType(t, conn, "info")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readNextOfType(t, conn, "")
	errObj, _ := reply["error"].(map[string]any)
	if errObj["kind"] != "bad_frame" {
		t.Fatalf("expected bad_frame error, got %v", reply)
	}

	sendFrame(t, conn, map[string]any{"event": "no_such_event", "id": "x"})
	reply = readNextOfType(t, conn, "no_such_event")
	if reply["status"] != "error" {
		t.Fatalf("unknown event must error, got %v", reply)
	}

	// The connection still works.
	sendFrame(t, conn, map[string]any{
		"event": "dispatch", "id": "ok",
		"data": map[string]any{"command": "list_items", "model": "items"},
	})
	if r := readNextOfType(t, conn, "dispatch"); r["status"] != "ok" {
		t.Fatalf("connection unusable after bad frames: %v", r)
	}
}

func TestCacheOperations(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	conn := wsDial(t, ts, "", nil)
	readNextOfType(t, conn, "info")

	sendFrame(t, conn, map[string]any{
		"event": "dispatch", "id": "d1",
		"data": map[string]any{"command": "list_items", "model": "items"},
	})
	readNextOfType(t, conn, "dispatch")

	sendFrame(t, conn, map[string]any{"event": "cache_stats", "id": "s1"})
	stats := readNextOfType(t, conn, "cache_stats")
	data := stats["data"].(map[string]any)
	if data["query_size"].(float64) != 1 {
		t.Fatalf("expected one cached query, got %v", data)
	}

	sendFrame(t, conn, map[string]any{
		"event": "set_query_cache_ttl", "id": "t1",
		"data": map[string]any{"seconds": 120},
	})
	if r := readNextOfType(t, conn, "set_query_cache_ttl"); r["status"] != "ok" {
		t.Fatalf("set ttl failed: %v", r)
	}

	sendFrame(t, conn, map[string]any{
		"event": "set_query_cache_ttl", "id": "t2",
		"data": map[string]any{"seconds": 0},
	})
	if r := readNextOfType(t, conn, "set_query_cache_ttl"); r["status"] != "error" {
		t.Fatalf("non-positive ttl must be rejected: %v", r)
	}

	sendFrame(t, conn, map[string]any{"event": "clear_cache", "id": "c1"})
	if r := readNextOfType(t, conn, "clear_cache"); r["status"] != "ok" {
		t.Fatalf("clear failed: %v", r)
	}

	sendFrame(t, conn, map[string]any{"event": "cache_stats", "id": "s2"})
	stats = readNextOfType(t, conn, "cache_stats")
	data = stats["data"].(map[string]any)
	if data["query_size"].(float64) != 0 {
		t.Fatalf("expected empty query cache after clear, got %v", data)
	}
}

func TestSetQueryTTLGovernsLaterDispatches(t *testing.T) {
	_, ts, d := newTestServer(t, func(cfg *config.Config) {
		cfg.Bridge.DefaultQueryTTLSeconds = 1
	})
	conn := wsDial(t, ts, "", nil)
	readNextOfType(t, conn, "info")

	sendFrame(t, conn, map[string]any{
		"event": "set_query_cache_ttl", "id": "t1",
		"data": map[string]any{"seconds": 3600},
	})
	if r := readNextOfType(t, conn, "set_query_cache_ttl"); r["status"] != "ok" {
		t.Fatalf("set ttl failed: %v", r)
	}

	sendFrame(t, conn, map[string]any{
		"event": "dispatch", "id": "d1",
		"data": map[string]any{"command": "list_items", "model": "items"},
	})
	first := readNextOfType(t, conn, "dispatch")
	if first["data"].(map[string]any)["cached"] != false {
		t.Fatalf("first dispatch must miss: %v", first)
	}

	// Past the old 1s default; the entry must still be alive under the
	// updated default.
	time.Sleep(1500 * time.Millisecond)

	sendFrame(t, conn, map[string]any{
		"event": "dispatch", "id": "d2",
		"data": map[string]any{"command": "list_items", "model": "items"},
	})
	second := readNextOfType(t, conn, "dispatch")
	if second["data"].(map[string]any)["cached"] != true {
		t.Fatal("the updated default never reached the stored entry")
	}
	if d.calls.Load() != 1 {
		t.Fatalf("dispatcher must run once, ran %d times", d.calls.Load())
	}
}

func TestSchemaOperations(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	conn := wsDial(t, ts, "", nil)
	readNextOfType(t, conn, "info")

	sendFrame(t, conn, map[string]any{
		"event": "get_schema", "id": "g1",
		"data": map[string]any{"name": "items"},
	})
	reply := readNextOfType(t, conn, "get_schema")
	if reply["status"] != "ok" {
		t.Fatalf("get_schema failed: %v", reply)
	}

	sendFrame(t, conn, map[string]any{
		"event": "get_schema", "id": "g2",
		"data": map[string]any{"name": "nope"},
	})
	reply = readNextOfType(t, conn, "get_schema")
	if reply["error"].(map[string]any)["kind"] != "not_found" {
		t.Fatalf("unknown model must be not_found: %v", reply)
	}

	// A failing provider is a server fault, not a missing model.
	sendFrame(t, conn, map[string]any{
		"event": "get_schema", "id": "g3",
		"data": map[string]any{"name": "broken"},
	})
	reply = readNextOfType(t, conn, "get_schema")
	if reply["error"].(map[string]any)["kind"] != "internal" {
		t.Fatalf("provider failure must be internal: %v", reply)
	}

	sendFrame(t, conn, map[string]any{"event": "discover", "id": "d1"})
	reply = readNextOfType(t, conn, "discover")
	models := reply["data"].(map[string]any)["models"].([]any)
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %v", models)
	}

	sendFrame(t, conn, map[string]any{
		"event": "introspect", "id": "i1",
		"data": map[string]any{"name": "users"},
	})
	reply = readNextOfType(t, conn, "introspect")
	ops := reply["data"].(map[string]any)["operations"].([]any)
	if len(ops) != 2 || ops[0] != "list" {
		t.Fatalf("users schema declares list+get, got %v", ops)
	}
}

func TestClientBroadcastFlag(t *testing.T) {
	srv, ts, _ := newTestServer(t, nil)

	a := wsDial(t, ts, "", nil)
	readNextOfType(t, a, "info")
	b := wsDial(t, ts, "", nil)
	readNextOfType(t, b, "info")

	sendFrame(t, a, map[string]any{
		"event": "broadcast", "id": "b1",
		"data": map[string]any{"hello": "world"},
	})
	reply := readNextOfType(t, a, "broadcast")
	if reply["error"].(map[string]any)["kind"] != "policy" {
		t.Fatalf("broadcast must be rejected while the flag is off: %v", reply)
	}

	srv.SetAllowClientBroadcast(true)

	sendFrame(t, a, map[string]any{
		"event": "broadcast", "id": "b2",
		"data": map[string]any{"hello": "world"},
	})
	if r := readNextOfType(t, a, "broadcast"); r["status"] != "ok" {
		t.Fatalf("broadcast should succeed once enabled: %v", r)
	}

	relayed := readNextOfType(t, b, "broadcast")
	payload := relayed["data"].(map[string]any)
	if payload["data"].(map[string]any)["hello"] != "world" {
		t.Fatalf("relay payload mangled: %v", relayed)
	}
	if payload["from"] == "" {
		t.Fatal("relay must name the sender connection")
	}
}

func TestShutdownClosesClientsAndIsIdempotent(t *testing.T) {
	cfg := config.Default()
	d := newScriptedDispatcher()
	srv, err := New(Options{Config: cfg, Dispatcher: d, Schemas: stubSchemas{}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := wsDial(t, ts, "", nil)
	readNextOfType(t, conn, "info")
	if srv.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", srv.ClientCount())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseGoingAway {
				t.Fatalf("expected close code 1001, got %v", err)
			}
			break
		}
	}

	if srv.ClientCount() != 0 {
		t.Fatalf("clients should be gone, %d remain", srv.ClientCount())
	}

	// Second shutdown is a no-op.
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
