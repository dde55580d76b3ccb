package room

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opClaimRegistryNew = "room.claims.new"
	opClaimList        = "room.claims.list"
	opClaimGet         = "room.claims.get"
	opClaimResource    = "room.claims.claim"
	opReleaseResource  = "room.claims.release"
	opSetClaim         = "room.claims.set"
	opDeleteClaim      = "room.claims.delete"
)

// ClaimRegistryConfig describes the dependencies of the claim registry.
type ClaimRegistryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// ClaimRegistry manages exclusive per-resource ownership. Ordinary clients
// manage only their own claims; the authority is a back-stop that can always
// reassign or clear a claim.
type ClaimRegistry struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewClaimRegistry constructs a ClaimRegistry.
func NewClaimRegistry(cfg ClaimRegistryConfig) (*ClaimRegistry, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opClaimRegistryNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ClaimRegistry{db: cfg.Database, logger: logger}, nil
}

// List returns every current claim.
func (r *ClaimRegistry) List(ctx context.Context) ([]Claim, error) {
	if r.db == nil {
		return nil, newServiceError(opClaimList, "missing_database", errMissingDatabase)
	}
	var claims []Claim
	if err := r.db.WithContext(ctx).Order("resource_id ASC").Find(&claims).Error; err != nil {
		r.logError(opClaimList, "query_failed", err)
		return nil, newServiceError(opClaimList, "query_failed", err)
	}
	return claims, nil
}

// Get returns the current owner of the resource, reporting absence through
// the boolean rather than an error.
func (r *ClaimRegistry) Get(ctx context.Context, resource ResourceID) (string, bool, error) {
	if r.db == nil {
		return "", false, newServiceError(opClaimGet, "missing_database", errMissingDatabase)
	}
	var claim Claim
	err := r.db.WithContext(ctx).Where("resource_id = ?", resource.String()).Take(&claim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		r.logError(opClaimGet, "query_failed", err, zap.String("resource_id", resource.String()))
		return "", false, newServiceError(opClaimGet, "query_failed", err)
	}
	return claim.OwnerID, true, nil
}

// Claim assigns the resource to the requester. A claim held by a different
// owner is rejected with AlreadyClaimedError unless the requester is the
// authority, which may always reassign. Re-claiming an owned resource is an
// idempotent success.
func (r *ClaimRegistry) Claim(ctx context.Context, resource ResourceID, requester ClientID) error {
	if r.db == nil {
		return newServiceError(opClaimResource, "missing_database", errMissingDatabase)
	}
	if requester == "" {
		return ErrMissingIdentity
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Claim
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("resource_id = ?", resource.String()).
			Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			r.logError(opClaimResource, "select_failed", err, zap.String("resource_id", resource.String()))
			return newServiceError(opClaimResource, "select_failed", err)
		}

		if err == nil && existing.OwnerID != requester.String() {
			holder, _, authErr := currentAuthority(tx)
			if authErr != nil {
				return newServiceError(opClaimResource, "state_read_failed", authErr)
			}
			if holder != requester.String() {
				return &AlreadyClaimedError{ResourceID: resource.String(), OwnerID: existing.OwnerID}
			}
		}

		if err := setClaim(tx, resource, requester.String()); err != nil {
			r.logError(opClaimResource, "upsert_failed", err, zap.String("resource_id", resource.String()))
			return newServiceError(opClaimResource, "upsert_failed", err)
		}
		return nil
	})
}

// Set writes the claim unconditionally, bypassing ownership policy. Callers
// that need the policy checks use Claim instead.
func (r *ClaimRegistry) Set(ctx context.Context, resource ResourceID, ownerID ClientID) error {
	if r.db == nil {
		return newServiceError(opSetClaim, "missing_database", errMissingDatabase)
	}
	if ownerID == "" {
		return ErrMissingIdentity
	}
	if err := setClaim(r.db.WithContext(ctx), resource, ownerID.String()); err != nil {
		r.logError(opSetClaim, "upsert_failed", err, zap.String("resource_id", resource.String()))
		return newServiceError(opSetClaim, "upsert_failed", err)
	}
	return nil
}

// Delete removes the claim unconditionally, reporting whether a row existed.
func (r *ClaimRegistry) Delete(ctx context.Context, resource ResourceID) (bool, error) {
	if r.db == nil {
		return false, newServiceError(opDeleteClaim, "missing_database", errMissingDatabase)
	}
	result := r.db.WithContext(ctx).Where("resource_id = ?", resource.String()).Delete(&Claim{})
	if result.Error != nil {
		r.logError(opDeleteClaim, "delete_failed", result.Error, zap.String("resource_id", resource.String()))
		return false, newServiceError(opDeleteClaim, "delete_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func setClaim(tx *gorm.DB, resource ResourceID, ownerID string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"owner_id": ownerID}),
	}).Create(&Claim{ResourceID: resource.String(), OwnerID: ownerID}).Error
}

// Release removes the claim on the resource. The authority force-deletes
// regardless of owner; anyone else deletes only their own claim. A release by
// a non-owner is a benign false result, not an error, since releasing a claim
// you no longer hold is an expected race.
func (r *ClaimRegistry) Release(ctx context.Context, resource ResourceID, requester ClientID) (bool, error) {
	if r.db == nil {
		return false, newServiceError(opReleaseResource, "missing_database", errMissingDatabase)
	}
	if requester == "" {
		return false, ErrMissingIdentity
	}

	released := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		holder, _, err := currentAuthority(tx)
		if err != nil {
			return newServiceError(opReleaseResource, "state_read_failed", err)
		}
		isAuthority := holder != "" && holder == requester.String()

		var existing Claim
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("resource_id = ?", resource.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Authority releases are idempotent no-op successes even with no claim.
			released = isAuthority
			return nil
		}
		if err != nil {
			r.logError(opReleaseResource, "select_failed", err, zap.String("resource_id", resource.String()))
			return newServiceError(opReleaseResource, "select_failed", err)
		}

		if !isAuthority && existing.OwnerID != requester.String() {
			released = false
			return nil
		}

		if err := tx.Where("resource_id = ?", resource.String()).Delete(&Claim{}).Error; err != nil {
			r.logError(opReleaseResource, "delete_failed", err, zap.String("resource_id", resource.String()))
			return newServiceError(opReleaseResource, "delete_failed", err)
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

func (r *ClaimRegistry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.loggerOrDefault().Error("claim registry error", attrs...)
}

func (r *ClaimRegistry) loggerOrDefault() *zap.Logger {
	if r == nil || r.logger == nil {
		return noOpLogger
	}
	return r.logger
}
