package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/havoclad/forgesteel/internal/auth"
	"github.com/havoclad/forgesteel/internal/room"
)

// ErrInvalidIdentity indicates the session claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// Principal is a resolved client identity. Verified principals originate from
// a validated session credential; legacy principals from a self-asserted
// opaque identifier.
type Principal struct {
	ID       string
	Name     string
	Verified bool
}

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves request credentials into stable client identities and
// maintains the durable profile and display-name tables.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	names sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveVerified resolves a validated session credential into a principal.
// The profile is upserted from the claims and its last login refreshed on
// every re-authentication; the display-name table is updated alongside so
// claim ownership attribution works for this identity.
func (s *Service) ResolveVerified(ctx context.Context, claims auth.SessionClaims) (Principal, error) {
	id := normalize(claims.UserID)
	if id == "" {
		return Principal{}, ErrInvalidIdentity
	}
	displayName := normalize(claims.UserDisplayName)
	if displayName == "" {
		displayName = normalize(claims.Username)
	}

	now := s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile Profile
		err := tx.Where("user_id = ?", id).Take(&profile).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			profile = Profile{
				ID:          id,
				Username:    normalize(claims.Username),
				DisplayName: displayName,
				AvatarURL:   normalize(claims.UserAvatarURL),
				LastLogin:   now,
			}
			if err := tx.Create(&profile).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else {
			updates := map[string]interface{}{"last_login": now}
			if username := normalize(claims.Username); username != "" && username != profile.Username {
				updates["username"] = username
			}
			if displayName != "" && displayName != profile.DisplayName {
				updates["display_name"] = displayName
			}
			if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != profile.AvatarURL {
				updates["avatar_url"] = avatar
			}
			if err := tx.Model(&Profile{}).Where("user_id = ?", id).Updates(updates).Error; err != nil {
				return err
			}
		}

		if displayName != "" {
			if err := upsertClientName(tx, id, displayName); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Principal{}, err
	}

	if displayName != "" {
		s.names.Store(id, displayName)
	}
	return Principal{ID: id, Name: displayName, Verified: true}, nil
}

// ResolveLegacy resolves a caller-supplied opaque identifier, generating one
// when absent. An optional display name is persisted; otherwise any
// previously stored name for the identifier is returned.
func (s *Service) ResolveLegacy(ctx context.Context, clientID, name string) (Principal, error) {
	id := normalize(clientID)
	if id == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return Principal{}, err
		}
		id = generated.String()
	}

	displayName := normalize(name)
	if displayName != "" {
		if err := upsertClientName(s.db.WithContext(ctx), id, displayName); err != nil {
			return Principal{}, err
		}
		s.names.Store(id, displayName)
		return Principal{ID: id, Name: displayName}, nil
	}

	if cached, ok := s.names.Load(id); ok {
		if cachedName, ok := cached.(string); ok {
			return Principal{ID: id, Name: cachedName}, nil
		}
	}

	var stored room.ClientName
	err := s.db.WithContext(ctx).Where("client_id = ?", id).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Principal{ID: id}, nil
	}
	if err != nil {
		return Principal{}, err
	}
	s.names.Store(id, stored.Name)
	return Principal{ID: id, Name: stored.Name}, nil
}

// Names returns every stored display name, including those of disconnected
// identities, keyed by client id.
func (s *Service) Names(ctx context.Context) (map[string]string, error) {
	var rows []room.ClientName
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	names := make(map[string]string, len(rows))
	for _, row := range rows {
		names[row.ClientID] = row.Name
	}
	return names, nil
}

// DisplayName returns the stored name for the identity, or empty when unknown.
func (s *Service) DisplayName(ctx context.Context, clientID string) string {
	if cached, ok := s.names.Load(clientID); ok {
		if name, ok := cached.(string); ok {
			return name
		}
	}
	var stored room.ClientName
	if err := s.db.WithContext(ctx).Where("client_id = ?", clientID).Take(&stored).Error; err != nil {
		return ""
	}
	s.names.Store(clientID, stored.Name)
	return stored.Name
}

// ForgetNames drops the in-memory name cache. Called after a room reset so
// stale names are not served for identities whose rows were cleared.
func (s *Service) ForgetNames() {
	s.names.Range(func(key, _ any) bool {
		s.names.Delete(key)
		return true
	})
}

func upsertClientName(tx *gorm.DB, clientID, name string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"display_name": name}),
	}).Create(&room.ClientName{ClientID: clientID, Name: name}).Error
}
