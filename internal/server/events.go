package server

import (
	"encoding/json"

	"github.com/havoclad/forgesteel/internal/room"
)

// Server-to-client push event tags. The set is closed: clients must ignore
// tags they do not recognize, and the server never emits anything else.
const (
	EventInit            = "init"
	EventDataChanged     = "data_changed"
	EventClaimChanged    = "claim_changed"
	EventClientsChanged  = "clients_changed"
	EventRoomReset       = "room_reset"
	EventDirectorChanged = "director_changed"
	EventPong            = "pong"
)

// Client-to-server message tags.
const (
	messagePing        = "ping"
	messageRequestSync = "request_sync"
)

type clientInfo struct {
	ID   string    `json:"id"`
	Role room.Role `json:"role"`
	Name string    `json:"name"`
}

type claimInfo struct {
	ResourceID string `json:"resource_id"`
	OwnerID    string `json:"owner_id"`
}

type directorInfo struct {
	AuthorityID string `json:"authority_id"`
	Name        string `json:"name"`
	Verified    bool   `json:"verified"`
}

type initEvent struct {
	Type     string            `json:"type"`
	Claims   []claimInfo       `json:"claims"`
	Names    map[string]string `json:"names"`
	Clients  []clientInfo      `json:"clients"`
	Director directorInfo      `json:"director"`
}

type dataChangedEvent struct {
	Type    string `json:"type"`
	Key     string `json:"key"`
	Version int64  `json:"version"`
}

type claimChangedEvent struct {
	Type       string  `json:"type"`
	ResourceID string  `json:"resource_id"`
	OwnerID    *string `json:"owner_id"`
}

type clientsChangedEvent struct {
	Type    string            `json:"type"`
	Clients []clientInfo      `json:"clients"`
	Names   map[string]string `json:"names"`
}

type roomResetEvent struct {
	Type string `json:"type"`
}

type directorChangedEvent struct {
	Type        string `json:"type"`
	AuthorityID string `json:"authority_id"`
	Name        string `json:"name"`
	Verified    bool   `json:"verified"`
}

type pongEvent struct {
	Type string `json:"type"`
}

// inboundMessage is the envelope for client-to-server push messages. Unknown
// tags are dropped and logged, never treated as errors.
type inboundMessage struct {
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`
}

func newDataChanged(key string, version int64) dataChangedEvent {
	return dataChangedEvent{Type: EventDataChanged, Key: key, Version: version}
}

func newClaimChanged(resourceID string, ownerID *string) claimChangedEvent {
	return claimChangedEvent{Type: EventClaimChanged, ResourceID: resourceID, OwnerID: ownerID}
}

func newDirectorChanged(status room.AuthorityStatus) directorChangedEvent {
	return directorChangedEvent{
		Type:        EventDirectorChanged,
		AuthorityID: status.AuthorityID,
		Name:        status.Name,
		Verified:    status.Verified,
	}
}

func encodeEvent(event any) ([]byte, error) {
	return json.Marshal(event)
}
