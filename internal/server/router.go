package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/havoclad/forgesteel/internal/auth"
	"github.com/havoclad/forgesteel/internal/room"
	"github.com/havoclad/forgesteel/internal/users"
)

var (
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingDocumentStore   = errors.New("document store dependency required")
	errMissingClaimRegistry   = errors.New("claim registry dependency required")
	errMissingAuthority       = errors.New("authority service dependency required")
)

// Dependencies wires the HTTP surface to the domain services. SessionValidator
// is optional: without it the server runs in legacy-identity mode only.
type Dependencies struct {
	SessionValidator *auth.SessionValidator
	Identity         *users.Service
	Documents        *room.DocumentStore
	Claims           *room.ClaimRegistry
	Authority        *room.AuthorityService
	RequireVerified  bool
	Logger           *zap.Logger
}

// NewHTTPHandler constructs the full REST and websocket surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Identity == nil {
		return nil, errMissingIdentityService
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentStore
	}
	if deps.Claims == nil {
		return nil, errMissingClaimRegistry
	}
	if deps.Authority == nil {
		return nil, errMissingAuthority
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:        deps.SessionValidator,
		identity:        deps.Identity,
		documents:       deps.Documents,
		claims:          deps.Claims,
		authority:       deps.Authority,
		hub:             NewHub(logger),
		requireVerified: deps.RequireVerified,
		logger:          logger,
	}

	api := router.Group("/api")
	api.POST("/connect", handler.handleConnect)
	api.GET("/data/:key", handler.handleReadDocument)
	api.PUT("/data/:key", handler.handleWriteDocument)
	api.GET("/claims", handler.handleListClaims)
	api.POST("/claims/:resourceId", handler.handleClaimResource)
	api.DELETE("/claims/:resourceId", handler.handleReleaseClaim)
	api.POST("/room/reset", handler.handleResetRoom)
	api.GET("/director", handler.handleDirectorStatus)
	api.POST("/director/claim", handler.handleClaimDirector)
	api.POST("/director/release", handler.handleReleaseDirector)

	router.GET("/ws", handler.handleWebsocket)

	return router, nil
}

type httpHandler struct {
	sessions        *auth.SessionValidator
	identity        *users.Service
	documents       *room.DocumentStore
	claims          *room.ClaimRegistry
	authority       *room.AuthorityService
	hub             *Hub
	requireVerified bool
	logger          *zap.Logger
}

// verifiedPrincipal resolves a bearer credential when one is present and
// valid. Invalid credentials are logged and ignored so HTTP requests can fall
// back to the legacy identity path.
func (h *httpHandler) verifiedPrincipal(c *gin.Context) (users.Principal, bool) {
	if h.sessions == nil {
		return users.Principal{}, false
	}
	token := auth.BearerToken(c.Request)
	if token == "" {
		return users.Principal{}, false
	}
	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		h.logger.Warn("session credential rejected, using legacy identity", zap.Error(err))
		return users.Principal{}, false
	}
	principal, err := h.identity.ResolveVerified(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("verified identity resolution failed", zap.Error(err))
		return users.Principal{}, false
	}
	return principal, true
}

// requiredPrincipal resolves the request identity or fails with a 400 when no
// credential and no legacy identifier are present.
func (h *httpHandler) requiredPrincipal(c *gin.Context, clientID string) (users.Principal, bool) {
	if principal, ok := h.verifiedPrincipal(c); ok {
		return principal, true
	}
	if strings.TrimSpace(clientID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
		return users.Principal{}, false
	}
	principal, err := h.identity.ResolveLegacy(c.Request.Context(), clientID, "")
	if err != nil {
		h.respondDomainError(c, err)
		return users.Principal{}, false
	}
	return principal, true
}

type connectRequestPayload struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
}

type connectResponsePayload struct {
	ClientID string    `json:"client_id"`
	Role     room.Role `json:"role"`
	Name     string    `json:"name"`
}

func (h *httpHandler) handleConnect(c *gin.Context) {
	var request connectRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	principal, ok := h.verifiedPrincipal(c)
	if !ok {
		var err error
		principal, err = h.identity.ResolveLegacy(c.Request.Context(), request.ClientID, request.Name)
		if err != nil {
			h.respondDomainError(c, err)
			return
		}
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

	role := room.RolePlayer
	if acquired {
		role = room.RoleDirector
		h.hub.SetRoles(principal.ID)
		h.fanoutDirectorChanged(c.Request.Context(), principal.ID)
	}

	c.JSON(http.StatusOK, connectResponsePayload{
		ClientID: principal.ID,
		Role:     role,
		Name:     principal.Name,
	})
}

type documentResponsePayload struct {
	Payload json.RawMessage `json:"payload"`
	Version int64           `json:"version"`
}

func (h *httpHandler) handleReadDocument(c *gin.Context) {
	key, err := room.NewDocumentKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
		return
	}

	document, found, err := h.documents.Read(c.Request.Context(), key)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, documentResponsePayload{Payload: nil, Version: 0})
		return
	}
	c.JSON(http.StatusOK, documentResponsePayload{
		Payload: json.RawMessage(document.PayloadJSON),
		Version: document.Version,
	})
}

type writeDocumentRequestPayload struct {
	ClientID        string          `json:"client_id"`
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion *int64          `json:"expected_version"`
}

func (h *httpHandler) handleWriteDocument(c *gin.Context) {
	key, err := room.NewDocumentKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
		return
	}

	var request writeDocumentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	version, err := h.documents.Write(c.Request.Context(), key, string(request.Payload), request.ExpectedVersion)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}

	// Identity is optional on writes; it only determines fanout exclusion.
	writerID := ""
	if principal, ok := h.verifiedPrincipal(c); ok {
		writerID = principal.ID
	} else if trimmed := strings.TrimSpace(request.ClientID); trimmed != "" {
		writerID = trimmed
	}
	h.hub.Fanout(newDataChanged(key.String(), version), writerID)

	c.JSON(http.StatusOK, gin.H{"version": version})
}

type claimsResponsePayload struct {
	Claims []claimInfo `json:"claims"`
}

func (h *httpHandler) handleListClaims(c *gin.Context) {
	claims, err := h.claims.List(c.Request.Context())
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	response := claimsResponsePayload{Claims: make([]claimInfo, 0, len(claims))}
	for _, claim := range claims {
		response.Claims = append(response.Claims, claimInfo{
			ResourceID: claim.ResourceID,
			OwnerID:    claim.OwnerID,
		})
	}
	c.JSON(http.StatusOK, response)
}

type identityRequestPayload struct {
	ClientID string `json:"client_id"`
}

func (h *httpHandler) bindIdentityPayload(c *gin.Context) (identityRequestPayload, bool) {
	var request identityRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return identityRequestPayload{}, false
		}
	}
	if request.ClientID == "" {
		request.ClientID = c.Query("client_id")
	}
	return request, true
}

func (h *httpHandler) handleClaimResource(c *gin.Context) {
	resource, err := room.NewResourceID(c.Param("resourceId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resource_id"})
		return
	}
	request, ok := h.bindIdentityPayload(c)
	if !ok {
		return
	}
	principal, ok := h.requiredPrincipal(c, request.ClientID)
	if !ok {
		return
	}
	clientID, err := room.NewClientID(principal.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
		return
	}

	if err := h.claims.Claim(c.Request.Context(), resource, clientID); err != nil {
		h.respondDomainError(c, err)
		return
	}

	owner := principal.ID
	h.hub.Fanout(newClaimChanged(resource.String(), &owner), principal.ID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleReleaseClaim(c *gin.Context) {
	resource, err := room.NewResourceID(c.Param("resourceId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resource_id"})
		return
	}
	request, ok := h.bindIdentityPayload(c)
	if !ok {
		return
	}
	principal, ok := h.requiredPrincipal(c, request.ClientID)
	if !ok {
		return
	}
	clientID, err := room.NewClientID(principal.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
		return
	}

	released, err := h.claims.Release(c.Request.Context(), resource, clientID)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	if released {
		h.hub.Fanout(newClaimChanged(resource.String(), nil), principal.ID)
	}
	c.JSON(http.StatusOK, gin.H{"success": released})
}

func (h *httpHandler) handleResetRoom(c *gin.Context) {
	request, ok := h.bindIdentityPayload(c)
	if !ok {
		return
	}
	principal, ok := h.requiredPrincipal(c, request.ClientID)
	if !ok {
		return
	}
	clientID, err := room.NewClientID(principal.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
		return
	}

	if err := h.authority.Reset(c.Request.Context(), clientID); err != nil {
		h.respondDomainError(c, err)
		return
	}

	h.identity.ForgetNames()
	h.hub.SetRoles("")
	h.hub.Fanout(roomResetEvent{Type: EventRoomReset}, principal.ID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type directorStatusResponsePayload struct {
	AuthorityID string `json:"authority_id"`
	Name        string `json:"name"`
	Verified    bool   `json:"verified"`
	CanClaim    bool   `json:"can_claim"`
}

func (h *httpHandler) handleDirectorStatus(c *gin.Context) {
	requesterID := strings.TrimSpace(c.Query("client_id"))
	requesterVerified := false
	if principal, ok := h.verifiedPrincipal(c); ok {
		requesterID = principal.ID
		requesterVerified = true
	}

	status, err := h.authority.Status(c.Request.Context(), room.ClientID(requesterID), requesterVerified)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, directorStatusResponsePayload{
		AuthorityID: status.AuthorityID,
		Name:        status.Name,
		Verified:    status.Verified,
		CanClaim:    status.CanClaim,
	})
}

func (h *httpHandler) handleClaimDirector(c *gin.Context) {
	request, ok := h.bindIdentityPayload(c)
	if !ok {
		return
	}
	principal, ok := h.requiredPrincipal(c, request.ClientID)
	if !ok {
		return
	}
	clientID, err := room.NewClientID(principal.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
		return
	}

	if err := h.authority.Claim(c.Request.Context(), clientID, principal.Verified); err != nil {
		h.respondDomainError(c, err)
		return
	}

	h.hub.SetRoles(principal.ID)
	h.fanoutDirectorChanged(c.Request.Context(), principal.ID)
	c.JSON(http.StatusOK, gin.H{"success": true, "role": room.RoleDirector})
}

func (h *httpHandler) handleReleaseDirector(c *gin.Context) {
	request, ok := h.bindIdentityPayload(c)
	if !ok {
		return
	}
	principal, ok := h.requiredPrincipal(c, request.ClientID)
	if !ok {
		return
	}
	clientID, err := room.NewClientID(principal.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
		return
	}

	if err := h.authority.Release(c.Request.Context(), clientID); err != nil {
		h.respondDomainError(c, err)
		return
	}

	h.hub.SetRoles("")
	h.fanoutDirectorChanged(c.Request.Context(), principal.ID)
	c.JSON(http.StatusOK, gin.H{"success": true, "role": room.RolePlayer})
}

// fanoutDirectorChanged broadcasts the post-transition authority state to
// every channel except the originator's.
func (h *httpHandler) fanoutDirectorChanged(ctx context.Context, originatorID string) {
	status, err := h.authority.Status(ctx, room.ClientID(originatorID), false)
	if err != nil {
		h.logger.Error("failed to load authority status for fanout", zap.Error(err))
		return
	}
	h.hub.Fanout(newDirectorChanged(status), originatorID)
}

func (h *httpHandler) respondDomainError(c *gin.Context, err error) {
	var conflict *room.VersionConflictError
	if errors.As(err, &conflict) {
		payload := json.RawMessage(nil)
		if conflict.PayloadJSON != "" {
			payload = json.RawMessage(conflict.PayloadJSON)
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":           "version_conflict",
			"current_version": conflict.CurrentVersion,
			"payload":         payload,
		})
		return
	}
	var claimed *room.AlreadyClaimedError
	if errors.As(err, &claimed) {
		c.JSON(http.StatusConflict, gin.H{
			"error":      "already_claimed",
			"claimed_by": claimed.OwnerID,
		})
		return
	}
	switch {
	case errors.Is(err, room.ErrMissingIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
	case errors.Is(err, room.ErrAuthorityHeld):
		c.JSON(http.StatusForbidden, gin.H{"error": "authority_held"})
	case errors.Is(err, room.ErrNotAuthority):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_authority"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		var serviceErr *room.ServiceError
		if errors.As(err, &serviceErr) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
