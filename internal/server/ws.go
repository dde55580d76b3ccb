package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/havoclad/forgesteel/internal/room"
	"github.com/havoclad/forgesteel/internal/users"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeTimeout = 10 * time.Second

// handleWebsocket establishes a push channel: identity is resolved from the
// handshake, the authority role is acquired when vacant, a snapshot is pushed
// to the new channel, and the connection then serves fanout events until the
// transport closes or errs. Liveness pings are answered but their absence is
// not treated as disconnect.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	principal, ok := h.resolveHandshakeIdentity(c)
	if !ok {
		return
	}

	clientID, err := room.NewClientID(principal.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
		return
	}
	acquired, err := h.authority.AcquireIfVacant(c.Request.Context(), clientID, principal.Verified)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	role := room.RolePlayer
	if acquired {
		role = room.RoleDirector
	}
	subscriber := h.hub.Register(ConnectedClient{
		ID:          principal.ID,
		Role:        role,
		Name:        principal.Name,
		ConnectedAt: time.Now().UTC(),
	})

	go h.writePump(conn, subscriber)

	snapshot, err := h.buildSnapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to build snapshot", zap.Error(err))
		h.hub.Unregister(subscriber)
		conn.Close()
		return
	}
	h.hub.SendTo(principal.ID, snapshot)

	if acquired {
		h.hub.SetRoles(principal.ID)
		h.fanoutDirectorChanged(c.Request.Context(), principal.ID)
	}
	h.fanoutClientsChanged(c.Request.Context(), principal.ID)

	h.readLoop(conn, principal)

	h.hub.Unregister(subscriber)
	conn.Close()
	h.fanoutClientsChanged(context.Background(), principal.ID)
}

// resolveHandshakeIdentity applies the handshake identity policy: a valid
// bearer credential wins; otherwise the legacy client_id query parameter is
// trusted, unless the server requires verified handshakes, in which case the
// connection is refused rather than downgraded.
func (h *httpHandler) resolveHandshakeIdentity(c *gin.Context) (users.Principal, bool) {
	if principal, ok := h.verifiedPrincipal(c); ok {
		return principal, true
	}
	if h.requireVerified {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credential"})
		return users.Principal{}, false
	}
	principal, err := h.identity.ResolveLegacy(c.Request.Context(), c.Query("client_id"), c.Query("name"))
	if err != nil {
		h.respondDomainError(c, err)
		return users.Principal{}, false
	}
	return principal, true
}

func (h *httpHandler) writePump(conn *websocket.Conn, subscriber *hubSubscriber) {
	for {
		select {
		case payload := <-subscriber.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug("push delivery failed, closing channel",
					zap.String("client_id", subscriber.client.ID), zap.Error(err))
				conn.Close()
				return
			}
		case <-subscriber.done:
			conn.Close()
			return
		}
	}
}

func (h *httpHandler) readLoop(conn *websocket.Conn, principal users.Principal) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("push channel closed",
				zap.String("client_id", principal.ID), zap.Error(err))
			return
		}

		var message inboundMessage
		if err := json.Unmarshal(raw, &message); err != nil {
			h.logger.Warn("dropping malformed push message",
				zap.String("client_id", principal.ID), zap.Error(err))
			continue
		}

		switch message.Type {
		case messagePing:
			h.hub.SendTo(principal.ID, pongEvent{Type: EventPong})
		case messageRequestSync:
			h.handleRequestSync(principal.ID, message.Key)
		default:
			h.logger.Warn("dropping unknown push message",
				zap.String("client_id", principal.ID), zap.String("message_type", message.Type))
		}
	}
}

// handleRequestSync answers a client's sync request with the current version
// of the key on the requesting channel only; the client re-reads over REST.
func (h *httpHandler) handleRequestSync(clientID, rawKey string) {
	key, err := room.NewDocumentKey(rawKey)
	if err != nil {
		h.logger.Warn("dropping sync request with invalid key",
			zap.String("client_id", clientID))
		return
	}
	document, found, err := h.documents.Read(context.Background(), key)
	if err != nil {
		h.logger.Error("sync request read failed", zap.Error(err))
		return
	}
	version := int64(0)
	if found {
		version = document.Version
	}
	h.hub.SendTo(clientID, newDataChanged(key.String(), version))
}

// buildSnapshot assembles the init event: current claims, all known display
// names (including disconnected identities), live clients, and authority info.
func (h *httpHandler) buildSnapshot(ctx context.Context) (initEvent, error) {
	claims, err := h.claims.List(ctx)
	if err != nil {
		return initEvent{}, err
	}
	names, err := h.identity.Names(ctx)
	if err != nil {
		return initEvent{}, err
	}
	status, err := h.authority.Status(ctx, room.ClientID(""), false)
	if err != nil {
		return initEvent{}, err
	}

	snapshot := initEvent{
		Type:    EventInit,
		Claims:  make([]claimInfo, 0, len(claims)),
		Names:   names,
		Clients: h.clientInfos(),
		Director: directorInfo{
			AuthorityID: status.AuthorityID,
			Name:        status.Name,
			Verified:    status.Verified,
		},
	}
	for _, claim := range claims {
		snapshot.Claims = append(snapshot.Claims, claimInfo{
			ResourceID: claim.ResourceID,
			OwnerID:    claim.OwnerID,
		})
	}
	return snapshot, nil
}

func (h *httpHandler) clientInfos() []clientInfo {
	clients := h.hub.Clients()
	infos := make([]clientInfo, 0, len(clients))
	for _, client := range clients {
		infos = append(infos, clientInfo{ID: client.ID, Role: client.Role, Name: client.Name})
	}
	return infos
}

func (h *httpHandler) fanoutClientsChanged(ctx context.Context, excludeID string) {
	names, err := h.identity.Names(ctx)
	if err != nil {
		h.logger.Error("failed to load names for fanout", zap.Error(err))
		names = map[string]string{}
	}
	h.hub.Fanout(clientsChangedEvent{
		Type:    EventClientsChanged,
		Clients: h.clientInfos(),
		Names:   names,
	}, excludeID)
}
