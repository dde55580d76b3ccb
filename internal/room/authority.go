package room

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	stateKeyAuthorityID       = "authority_id"
	stateKeyAuthorityVerified = "authority_verified"

	stateValueTrue  = "true"
	stateValueFalse = "false"
)

const (
	opAuthorityNew     = "room.authority.new"
	opAuthorityStatus  = "room.authority.status"
	opAuthorityAcquire = "room.authority.acquire"
	opAuthorityClaim   = "room.authority.claim"
	opAuthorityRelease = "room.authority.release"
	opRoomReset        = "room.reset"
)

// AuthorityStatus describes the current authority role holder.
type AuthorityStatus struct {
	AuthorityID string
	Name        string
	Verified    bool
	CanClaim    bool
}

// AuthorityServiceConfig describes the dependencies of the authority service.
type AuthorityServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// AuthorityService tracks which identity holds the single director role.
// Acquisition when vacant is first-come; a verified identity may pre-empt an
// unverified holder; a verified holder can only be displaced by its own release.
type AuthorityService struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAuthorityService constructs an AuthorityService.
func NewAuthorityService(cfg AuthorityServiceConfig) (*AuthorityService, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opAuthorityNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &AuthorityService{db: cfg.Database, logger: logger}, nil
}

// currentAuthority reads the authority singletons inside the caller's
// transaction. An empty identifier means the role is vacant.
func currentAuthority(tx *gorm.DB) (string, bool, error) {
	var entry StateEntry
	err := tx.Where("state_key = ?", stateKeyAuthorityID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var verifiedEntry StateEntry
	err = tx.Where("state_key = ?", stateKeyAuthorityVerified).Take(&verifiedEntry).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, err
	}
	return entry.Value, verifiedEntry.Value == stateValueTrue, nil
}

// Status reports the current holder and whether the requester could claim the
// role. An empty requester is allowed and simply yields CanClaim for a new,
// unverified identity.
func (s *AuthorityService) Status(ctx context.Context, requester ClientID, requesterVerified bool) (AuthorityStatus, error) {
	if s.db == nil {
		return AuthorityStatus{}, newServiceError(opAuthorityStatus, "missing_database", errMissingDatabase)
	}

	var status AuthorityStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		holder, verified, err := currentAuthority(tx)
		if err != nil {
			return newServiceError(opAuthorityStatus, "state_read_failed", err)
		}
		status = AuthorityStatus{AuthorityID: holder, Verified: verified}
		if holder != "" {
			var name ClientName
			if err := tx.Where("client_id = ?", holder).Take(&name).Error; err == nil {
				status.Name = name.Name
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opAuthorityStatus, "name_read_failed", err)
			}
		}
		switch {
		case holder == "":
			status.CanClaim = true
		case holder == requester.String():
			status.CanClaim = true
		case !verified && requesterVerified:
			status.CanClaim = true
		default:
			status.CanClaim = false
		}
		return nil
	})
	if err != nil {
		return AuthorityStatus{}, err
	}
	return status, nil
}

// AcquireIfVacant atomically claims the vacant authority role for the
// identity. The conditional insert resolves the race between two identities
// connecting near-simultaneously: exactly one insert wins. Returns true when
// the identity became (or already was) the authority.
func (s *AuthorityService) AcquireIfVacant(ctx context.Context, id ClientID, verified bool) (bool, error) {
	if s.db == nil {
		return false, newServiceError(opAuthorityAcquire, "missing_database", errMissingDatabase)
	}
	if id == "" {
		return false, ErrMissingIdentity
	}

	acquired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&StateEntry{Key: stateKeyAuthorityID, Value: id.String()})
		if insert.Error != nil {
			s.logError(opAuthorityAcquire, "insert_failed", insert.Error, zap.String("client_id", id.String()))
			return newServiceError(opAuthorityAcquire, "insert_failed", insert.Error)
		}
		if insert.RowsAffected == 0 {
			holder, _, err := currentAuthority(tx)
			if err != nil {
				return newServiceError(opAuthorityAcquire, "state_read_failed", err)
			}
			acquired = holder == id.String()
			return nil
		}
		if err := setStateEntry(tx, stateKeyAuthorityVerified, verifiedValue(verified)); err != nil {
			return newServiceError(opAuthorityAcquire, "verified_write_failed", err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Claim assigns the authority role to the identity under the two-tier trust
// rules: vacant accepts anyone, an unverified holder yields to a verified
// claimant, and a verified holder rejects everyone but itself.
func (s *AuthorityService) Claim(ctx context.Context, id ClientID, verified bool) error {
	if s.db == nil {
		return newServiceError(opAuthorityClaim, "missing_database", errMissingDatabase)
	}
	if id == "" {
		return ErrMissingIdentity
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		holder, holderVerified, err := currentAuthority(tx)
		if err != nil {
			return newServiceError(opAuthorityClaim, "state_read_failed", err)
		}

		switch {
		case holder == "":
			insert := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&StateEntry{Key: stateKeyAuthorityID, Value: id.String()})
			if insert.Error != nil {
				return newServiceError(opAuthorityClaim, "insert_failed", insert.Error)
			}
			if insert.RowsAffected == 0 {
				return ErrAuthorityHeld
			}
		case holder == id.String():
			// Idempotent re-claim by the current holder.
		case !holderVerified && verified:
			if err := setStateEntry(tx, stateKeyAuthorityID, id.String()); err != nil {
				return newServiceError(opAuthorityClaim, "state_write_failed", err)
			}
		default:
			return ErrAuthorityHeld
		}

		if err := setStateEntry(tx, stateKeyAuthorityVerified, verifiedValue(verified)); err != nil {
			return newServiceError(opAuthorityClaim, "verified_write_failed", err)
		}
		return nil
	})
}

// Release vacates the authority role. Legal only for the current holder.
func (s *AuthorityService) Release(ctx context.Context, id ClientID) error {
	if s.db == nil {
		return newServiceError(opAuthorityRelease, "missing_database", errMissingDatabase)
	}
	if id == "" {
		return ErrMissingIdentity
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		holder, _, err := currentAuthority(tx)
		if err != nil {
			return newServiceError(opAuthorityRelease, "state_read_failed", err)
		}
		if holder != id.String() {
			return ErrNotAuthority
		}
		if err := tx.Where("state_key IN ?", []string{stateKeyAuthorityID, stateKeyAuthorityVerified}).
			Delete(&StateEntry{}).Error; err != nil {
			return newServiceError(opAuthorityRelease, "state_delete_failed", err)
		}
		return nil
	})
}

// Reset clears all claims, the authority singletons, and all display names.
// Document payloads are left intact. Only the current authority may reset.
func (s *AuthorityService) Reset(ctx context.Context, requester ClientID) error {
	if s.db == nil {
		return newServiceError(opRoomReset, "missing_database", errMissingDatabase)
	}
	if requester == "" {
		return ErrMissingIdentity
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		holder, _, err := currentAuthority(tx)
		if err != nil {
			return newServiceError(opRoomReset, "state_read_failed", err)
		}
		if holder == "" || holder != requester.String() {
			return ErrNotAuthority
		}
		if err := tx.Where("1 = 1").Delete(&Claim{}).Error; err != nil {
			return newServiceError(opRoomReset, "claims_delete_failed", err)
		}
		if err := tx.Where("1 = 1").Delete(&StateEntry{}).Error; err != nil {
			return newServiceError(opRoomReset, "state_delete_failed", err)
		}
		if err := tx.Where("1 = 1").Delete(&ClientName{}).Error; err != nil {
			return newServiceError(opRoomReset, "names_delete_failed", err)
		}
		return nil
	})
}

func setStateEntry(tx *gorm.DB, key, value string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"state_value": value}),
	}).Create(&StateEntry{Key: key, Value: value}).Error
}

func verifiedValue(verified bool) string {
	if verified {
		return stateValueTrue
	}
	return stateValueFalse
}

func (s *AuthorityService) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("authority service error", attrs...)
}

func (s *AuthorityService) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
