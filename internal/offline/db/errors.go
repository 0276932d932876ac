package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"
)

// Common errors returned by the store.
var (
	// ErrStorageUnavailable indicates the durable store could not be opened
	// or has been closed. Callers degrade to a memory-only store.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrSchemaDowngrade indicates the database was written by a newer schema
	// than the one requested. It is not recoverable without a reset.
	ErrSchemaDowngrade = errors.New("schema downgrade")

	// ErrQuotaExceeded indicates a write was rejected because the storage
	// quota or the device is full.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrNotFound indicates no record exists under the requested key.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownCollection indicates the collection is not part of the schema.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownIndex indicates the index is not defined on the collection.
	ErrUnknownIndex = errors.New("unknown index")
)

// IsFatal reports whether err leaves the store unusable for the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSchemaDowngrade) || errors.Is(err, ErrStorageUnavailable)
}

// classify maps driver errors onto the store taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	if errors.Is(err, sqlite3.FULL) || strings.Contains(err.Error(), "database or disk is full") {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
