package room

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentKey indicates that a document key is empty or exceeds storage bounds.
	ErrInvalidDocumentKey = errors.New("room: invalid document key")
	// ErrInvalidResourceID indicates that a resource identifier is empty or exceeds storage bounds.
	ErrInvalidResourceID = errors.New("room: invalid resource id")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("room: invalid client id")
)

// DocumentKey represents a validated document key.
type DocumentKey string

// NewDocumentKey validates raw input and returns a DocumentKey.
func NewDocumentKey(rawInput string) (DocumentKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentKey, maxIdentifierLength)
	}
	return DocumentKey(trimmed), nil
}

// String returns the underlying string key.
func (k DocumentKey) String() string {
	return string(k)
}

// ResourceID represents a validated claimable resource identifier.
type ResourceID string

// NewResourceID validates raw input and returns a ResourceID.
func NewResourceID(rawInput string) (ResourceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidResourceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidResourceID, maxIdentifierLength)
	}
	return ResourceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ResourceID) String() string {
	return string(id)
}

// ClientID represents a validated client identity.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// Document models a versioned, opaque JSON payload addressed by a string key.
// Versions start at 1 and increment by 1 on every successful write.
type Document struct {
	Key         string `gorm:"column:doc_key;primaryKey;size:190;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
	Version     int64  `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "room_documents"
}

// Claim records exclusive ownership of a named resource by one client identity.
type Claim struct {
	ResourceID string `gorm:"column:resource_id;primaryKey;size:190;not null"`
	OwnerID    string `gorm:"column:owner_id;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Claim) TableName() string {
	return "room_claims"
}

// StateEntry is a string-keyed, string-valued room fact. Two singleton keys
// are in use: the current authority identity and its verification flag.
type StateEntry struct {
	Key   string `gorm:"column:state_key;primaryKey;size:190;not null"`
	Value string `gorm:"column:state_value;size:320;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StateEntry) TableName() string {
	return "room_state"
}

// ClientName maps a client identity to a display name. Names survive
// disconnects so claim ownership can still be attributed afterwards; they are
// cleared by room reset.
type ClientName struct {
	ClientID string `gorm:"column:client_id;primaryKey;size:190;not null"`
	Name     string `gorm:"column:display_name;size:320;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientName) TableName() string {
	return "room_client_names"
}

// Role describes a connected client's relationship to the room authority.
type Role string

const (
	// RoleDirector marks the single identity currently holding the authority role.
	RoleDirector Role = "director"
	// RolePlayer marks every other connected identity.
	RolePlayer Role = "player"
)
