package room

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opDocumentStoreNew = "room.documents.new"
	opDocumentRead     = "room.documents.read"
	opDocumentWrite    = "room.documents.write"
)

// DocumentStoreConfig describes the dependencies of the document store.
type DocumentStoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// DocumentStore provides versioned reads and optimistic-concurrency writes
// over room documents. It is the single concurrency-control primitive the
// rest of the system relies on for document state.
type DocumentStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore(cfg DocumentStoreConfig) (*DocumentStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opDocumentStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &DocumentStore{db: cfg.Database, logger: logger}, nil
}

// Read returns the stored document for the key, reporting absence through the
// boolean rather than an error.
func (s *DocumentStore) Read(ctx context.Context, key DocumentKey) (Document, bool, error) {
	if s.db == nil {
		return Document{}, false, newServiceError(opDocumentRead, "missing_database", errMissingDatabase)
	}

	var document Document
	err := s.db.WithContext(ctx).
		Where("doc_key = ?", key.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, false, nil
	}
	if err != nil {
		s.logError(opDocumentRead, "query_failed", err, zap.String("key", key.String()))
		return Document{}, false, newServiceError(opDocumentRead, "query_failed", err)
	}
	return document, true, nil
}

// Write stores the payload under the key. When expectedVersion is nil the
// write is unconditional: it creates the document at version 1 or overwrites
// and increments. When expectedVersion is supplied the write succeeds only if
// the stored version matches, otherwise a VersionConflictError carries the
// stored payload and version back to the caller. An absent document has
// effective version 0, so a conditional write with expectedVersion 0 creates it.
func (s *DocumentStore) Write(ctx context.Context, key DocumentKey, payloadJSON string, expectedVersion *int64) (int64, error) {
	if s.db == nil {
		return 0, newServiceError(opDocumentWrite, "missing_database", errMissingDatabase)
	}

	var newVersion int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("doc_key = ?", key.String()).
			Take(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			if expectedVersion != nil && *expectedVersion != 0 {
				return &VersionConflictError{Key: key.String(), CurrentVersion: 0, PayloadJSON: ""}
			}
			created := Document{Key: key.String(), PayloadJSON: payloadJSON, Version: 1}
			if err := tx.Create(&created).Error; err != nil {
				s.logError(opDocumentWrite, "insert_failed", err, zap.String("key", key.String()))
				return newServiceError(opDocumentWrite, "insert_failed", err)
			}
			newVersion = 1
			return nil
		}
		if err != nil {
			s.logError(opDocumentWrite, "select_failed", err, zap.String("key", key.String()))
			return newServiceError(opDocumentWrite, "select_failed", err)
		}

		if expectedVersion != nil && *expectedVersion != existing.Version {
			return &VersionConflictError{
				Key:            key.String(),
				CurrentVersion: existing.Version,
				PayloadJSON:    existing.PayloadJSON,
			}
		}

		existing.PayloadJSON = payloadJSON
		existing.Version++
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opDocumentWrite, "update_failed", err, zap.String("key", key.String()))
			return newServiceError(opDocumentWrite, "update_failed", err)
		}
		newVersion = existing.Version
		return nil
	})

	if txErr != nil {
		return 0, txErr
	}
	return newVersion, nil
}

func (s *DocumentStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("document store error", attrs...)
}

func (s *DocumentStore) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
