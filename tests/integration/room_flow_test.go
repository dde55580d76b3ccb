package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/havoclad/forgesteel/internal/auth"
	"github.com/havoclad/forgesteel/internal/database"
	"github.com/havoclad/forgesteel/internal/room"
	"github.com/havoclad/forgesteel/internal/server"
	"github.com/havoclad/forgesteel/internal/users"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionIssuerName    = "forgesteel"
	directorClientID     = "director-1"
	playerClientID       = "player-1"
	operatorUserID       = "operator-1"
	jsonContentType      = "application/json"
)

func TestRoomSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:integration_room_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	identityService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build identity service: %v", err)
	}
	documentStore, err := room.NewDocumentStore(room.DocumentStoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build document store: %v", err)
	}
	claimRegistry, err := room.NewClaimRegistry(room.ClaimRegistryConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build claim registry: %v", err)
	}
	authorityService, err := room.NewAuthorityService(room.AuthorityServiceConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build authority service: %v", err)
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuerName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Identity:         identityService,
		Documents:        documentStore,
		Claims:           claimRegistry,
		Authority:        authorityService,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	// First connector becomes the director.
	connectBody, _ := json.Marshal(map[string]any{"client_id": directorClientID, "name": "Dana"})
	connectResp := mustPost(testContext, testServer.URL+"/api/connect", "", connectBody)
	var connectResult struct {
		ClientID string `json:"client_id"`
		Role     string `json:"role"`
	}
	decodeBody(testContext, connectResp, &connectResult)
	if connectResult.Role != "director" {
		testContext.Fatalf("expected director role for first connector, got %q", connectResult.Role)
	}

	// A player joins over the push channel and receives the snapshot.
	playerConn := mustDial(testContext, testServer.URL, playerClientID, "Petra")
	defer playerConn.Close()

	var snapshot struct {
		Type     string `json:"type"`
		Director struct {
			AuthorityID string `json:"authority_id"`
			Verified    bool   `json:"verified"`
		} `json:"director"`
		Names map[string]string `json:"names"`
	}
	readEventOfType(testContext, playerConn, "init", &snapshot)
	if snapshot.Director.AuthorityID != directorClientID {
		testContext.Fatalf("expected director in snapshot, got %q", snapshot.Director.AuthorityID)
	}
	if snapshot.Names[directorClientID] != "Dana" {
		testContext.Fatalf("expected director name in snapshot, got %v", snapshot.Names)
	}

	// A document write by the director is pushed to the player.
	writeBody, _ := json.Marshal(map[string]any{
		"client_id": directorClientID,
		"payload":   map[string]any{"round": 1},
	})
	writeReq, _ := http.NewRequest(http.MethodPut, testServer.URL+"/api/data/encounter", bytes.NewReader(writeBody))
	writeReq.Header.Set("Content-Type", jsonContentType)
	writeResp, err := http.DefaultClient.Do(writeReq)
	if err != nil {
		testContext.Fatalf("write request failed: %v", err)
	}
	defer writeResp.Body.Close()
	if writeResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected write status: %d", writeResp.StatusCode)
	}

	var dataChanged struct {
		Type    string `json:"type"`
		Key     string `json:"key"`
		Version int64  `json:"version"`
	}
	readEventOfType(testContext, playerConn, "data_changed", &dataChanged)
	if dataChanged.Key != "encounter" || dataChanged.Version != 1 {
		testContext.Fatalf("unexpected data event: %+v", dataChanged)
	}

	// A claim by the director is pushed to the player.
	claimBody, _ := json.Marshal(map[string]any{"client_id": directorClientID})
	mustPost(testContext, testServer.URL+"/api/claims/hero-1", "", claimBody).Body.Close()

	var claimChanged struct {
		Type       string  `json:"type"`
		ResourceID string  `json:"resource_id"`
		OwnerID    *string `json:"owner_id"`
	}
	readEventOfType(testContext, playerConn, "claim_changed", &claimChanged)
	if claimChanged.ResourceID != "hero-1" || claimChanged.OwnerID == nil || *claimChanged.OwnerID != directorClientID {
		testContext.Fatalf("unexpected claim event: %+v", claimChanged)
	}

	// A verified operator pre-empts the legacy director.
	token := mustMintSessionToken(testContext)
	mustPost(testContext, testServer.URL+"/api/director/claim", token, nil).Body.Close()

	var directorChanged struct {
		Type        string `json:"type"`
		AuthorityID string `json:"authority_id"`
		Verified    bool   `json:"verified"`
	}
	readEventOfType(testContext, playerConn, "director_changed", &directorChanged)
	if directorChanged.AuthorityID != operatorUserID || !directorChanged.Verified {
		testContext.Fatalf("expected verified authority handoff, got %+v", directorChanged)
	}

	statusResp, err := http.Get(testServer.URL + "/api/director")
	if err != nil {
		testContext.Fatalf("status request failed: %v", err)
	}
	var status struct {
		AuthorityID string `json:"authority_id"`
		Verified    bool   `json:"verified"`
	}
	decodeBody(testContext, statusResp, &status)
	if status.AuthorityID != operatorUserID || !status.Verified {
		testContext.Fatalf("unexpected authority status: %+v", status)
	}

	// The operator resets the room: claims are cleared, documents survive.
	mustPost(testContext, testServer.URL+"/api/room/reset", token, nil).Body.Close()

	var resetEvent struct {
		Type string `json:"type"`
	}
	readEventOfType(testContext, playerConn, "room_reset", &resetEvent)

	claimsResp, err := http.Get(testServer.URL + "/api/claims")
	if err != nil {
		testContext.Fatalf("claims request failed: %v", err)
	}
	var claimsResult struct {
		Claims []any `json:"claims"`
	}
	decodeBody(testContext, claimsResp, &claimsResult)
	if len(claimsResult.Claims) != 0 {
		testContext.Fatalf("expected cleared claims, got %v", claimsResult.Claims)
	}

	docResp, err := http.Get(testServer.URL + "/api/data/encounter")
	if err != nil {
		testContext.Fatalf("document request failed: %v", err)
	}
	var document struct {
		Version int64 `json:"version"`
	}
	decodeBody(testContext, docResp, &document)
	if document.Version != 1 {
		testContext.Fatalf("expected document to survive reset, got version %d", document.Version)
	}
}

func mustPost(testContext *testing.T, url, bearerToken string, body []byte) *http.Response {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if bearerToken != "" {
		request.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request to %s failed: %v", url, err)
	}
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status from %s: %d", url, response.StatusCode)
	}
	return response
}

func decodeBody(testContext *testing.T, response *http.Response, target any) {
	testContext.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
}

func mustDial(testContext *testing.T, serverURL, clientID, name string) *websocket.Conn {
	testContext.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws?client_id=" + clientID + "&name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial websocket: %v", err)
	}
	return conn
}

// readEventOfType reads push events until one with the wanted tag arrives,
// skipping interleaved events such as clients_changed.
func readEventOfType(testContext *testing.T, conn *websocket.Conn, wanted string, target any) {
	testContext.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			testContext.Fatalf("failed to set deadline: %v", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			testContext.Fatalf("failed to read event while waiting for %q: %v", wanted, err)
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			testContext.Fatalf("failed to decode event: %v", err)
		}
		if envelope.Type != wanted {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			testContext.Fatalf("failed to decode %q event: %v", wanted, err)
		}
		return
	}
}

func mustMintSessionToken(testContext *testing.T) string {
	testContext.Helper()
	issuer := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuerName,
	})
	token, _, err := issuer.IssueSessionToken(auth.SessionClaims{
		UserID:          operatorUserID,
		Username:        "olive",
		UserDisplayName: "Olive",
	})
	if err != nil {
		testContext.Fatalf("failed to mint token: %v", err)
	}
	return token
}
