package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWebsocket(t *testing.T, serverURL, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if query != "" {
		wsURL += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	event := map[string]any{}
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	return event
}

func readEventOfType(t *testing.T, conn *websocket.Conn, eventType string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		event := readEvent(t, conn)
		if event["type"] == eventType {
			return event
		}
	}
	t.Fatalf("did not receive event of type %s", eventType)
	return nil
}

func sendMessage(t *testing.T, conn *websocket.Conn, message map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(message); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
}

func TestWebsocketSnapshotAndRoles(t *testing.T) {
	server, _ := newTestServer(t)

	first := dialWebsocket(t, server.URL, "client_id=client-a&name=Ada")
	init := readEvent(t, first)
	if init["type"] != EventInit {
		t.Fatalf("first message must be the init snapshot, got %v", init["type"])
	}
	director, ok := init["director"].(map[string]any)
	if !ok || director["authority_id"] != "client-a" {
		t.Fatalf("first connector must hold authority in its snapshot, got %v", init["director"])
	}

	second := dialWebsocket(t, server.URL, "client_id=client-b&name=Bea")
	secondInit := readEvent(t, second)
	if secondInit["type"] != EventInit {
		t.Fatalf("expected init snapshot, got %v", secondInit["type"])
	}
	clients, ok := secondInit["clients"].([]any)
	if !ok || len(clients) != 2 {
		t.Fatalf("expected 2 connected clients in snapshot, got %v", secondInit["clients"])
	}

	event := readEventOfType(t, first, EventClientsChanged)
	list, ok := event["clients"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("expected clients_changed with 2 entries, got %v", event["clients"])
	}
}

func TestWebsocketDataChangeFanoutExcludesWriter(t *testing.T) {
	server, _ := newTestServer(t)

	observer := dialWebsocket(t, server.URL, "client_id=client-a")
	readEvent(t, observer) // init

	writer := dialWebsocket(t, server.URL, "client_id=client-b")
	readEvent(t, writer)               // init
	readEventOfType(t, observer, EventClientsChanged)

	response, _ := doJSON(t, http.MethodPut, server.URL+"/api/data/note",
		map[string]any{"client_id": "client-b", "payload": map[string]any{"greeting": "hi"}}, "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("write failed with status %d", response.StatusCode)
	}

	event := readEventOfType(t, observer, EventDataChanged)
	if event["key"] != "note" || event["version"] != float64(1) {
		t.Fatalf("unexpected data_changed event: %v", event)
	}

	// The writer's own channel must not receive the event.
	writer.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, raw, err := writer.ReadMessage(); err == nil {
		var received map[string]any
		if json.Unmarshal(raw, &received) == nil && received["type"] == EventDataChanged {
			t.Fatalf("writer must not receive its own data_changed event")
		}
	}
}

func TestWebsocketPingPongAndRequestSync(t *testing.T) {
	server, _ := newTestServer(t)

	doJSON(t, http.MethodPut, server.URL+"/api/data/note",
		map[string]any{"payload": map[string]any{"greeting": "hi"}}, "")

	conn := dialWebsocket(t, server.URL, "client_id=client-a")
	readEvent(t, conn) // init

	sendMessage(t, conn, map[string]any{"type": "ping"})
	event := readEventOfType(t, conn, EventPong)
	if event["type"] != EventPong {
		t.Fatalf("expected pong, got %v", event)
	}

	sendMessage(t, conn, map[string]any{"type": "request_sync", "key": "note"})
	event = readEventOfType(t, conn, EventDataChanged)
	if event["key"] != "note" || event["version"] != float64(1) {
		t.Fatalf("unexpected sync reply: %v", event)
	}

	// Unknown message tags are dropped without killing the channel.
	sendMessage(t, conn, map[string]any{"type": "mystery"})
	sendMessage(t, conn, map[string]any{"type": "ping"})
	event = readEventOfType(t, conn, EventPong)
	if event["type"] != EventPong {
		t.Fatalf("channel must survive unknown message tags")
	}
}

func TestWebsocketClaimFanout(t *testing.T) {
	server, _ := newTestServer(t)

	observer := dialWebsocket(t, server.URL, "client_id=client-a")
	readEvent(t, observer) // init

	response, _ := postJSON(t, server.URL+"/api/claims/hero-1",
		map[string]any{"client_id": "client-b"})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("claim failed with status %d", response.StatusCode)
	}

	event := readEventOfType(t, observer, EventClaimChanged)
	if event["resource_id"] != "hero-1" || event["owner_id"] != "client-b" {
		t.Fatalf("unexpected claim_changed event: %v", event)
	}

	response, _ = doJSON(t, http.MethodDelete, server.URL+"/api/claims/hero-1?client_id=client-b", nil, "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("release failed with status %d", response.StatusCode)
	}

	event = readEventOfType(t, observer, EventClaimChanged)
	if event["resource_id"] != "hero-1" || event["owner_id"] != nil {
		t.Fatalf("release must fan out a nil owner, got %v", event)
	}
}

func TestWebsocketVerifiedHandshakeRequired(t *testing.T) {
	server, _ := newTestServerWithOptions(t, true)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?client_id=client-a"
	_, response, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("legacy handshake must be refused when verified identity is required")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized handshake refusal, got %v", response)
	}

	token := mintSessionToken(t, "operator-1", "Olive")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"&token="+token, nil)
	if err != nil {
		t.Fatalf("verified handshake failed: %v", err)
	}
	defer conn.Close()
	init := readEvent(t, conn)
	if init["type"] != EventInit {
		t.Fatalf("expected init snapshot, got %v", init["type"])
	}
}
