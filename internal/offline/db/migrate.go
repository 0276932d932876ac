package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// Schema versions:
// 1 - entity collections and syncQueue
// 2 - failedOperations log, entityId index on syncQueue
const LatestVersion = 2

// Collection names. Entity collections share their name with the entity type tag.
const (
	AssessmentResults  = "assessmentResults"
	UserProfiles       = "userProfiles"
	AssessmentSessions = "assessmentSessions"
	Settings           = "settings"
	SyncQueue          = "syncQueue"
	FailedOperations   = "failedOperations"
)

// Index names accepted by GetByIndex.
const (
	IndexUserID     = "userId"
	IndexEntityType = "entityType"
	IndexEntityID   = "entityId"
	IndexSynced     = "synced"
)

var indexColumns = map[string]string{
	IndexUserID:     "user_id",
	IndexEntityType: "entity_type",
	IndexEntityID:   "entity_id",
	IndexSynced:     "synced",
}

// collectionDef is one collection and the indexes defined on it.
type collectionDef struct {
	name    string
	indexes []string
}

type migration struct {
	version     int
	description string
	collections []collectionDef
}

// migrations are applied in order; each only adds collections and indexes so
// moving up a version never loses data.
var migrations = []migration{
	{
		version:     1,
		description: "entity collections and sync queue",
		collections: []collectionDef{
			{AssessmentResults, []string{IndexUserID, IndexEntityType, IndexSynced}},
			{UserProfiles, []string{IndexUserID, IndexEntityType, IndexSynced}},
			{AssessmentSessions, []string{IndexUserID, IndexEntityType, IndexSynced}},
			{Settings, []string{IndexUserID, IndexEntityType, IndexSynced}},
			{SyncQueue, []string{IndexEntityType}},
		},
	},
	{
		version:     2,
		description: "failed operations log",
		collections: []collectionDef{
			{FailedOperations, []string{IndexEntityType, IndexEntityID}},
			{SyncQueue, []string{IndexEntityID}},
		},
	},
}

// schemaAt returns the collections and their indexes as of version.
func schemaAt(version int) map[string]map[string]bool {
	out := make(map[string]map[string]bool)
	for _, m := range migrations {
		if m.version > version {
			break
		}
		for _, c := range m.collections {
			if out[c.name] == nil {
				out[c.name] = make(map[string]bool)
			}
			for _, idx := range c.indexes {
				out[c.name][idx] = true
			}
		}
	}
	return out
}

// migrate brings the database up to target and returns the resulting version.
func migrate(ctx context.Context, conn *sql.DB, target int, logger *log.Logger) (int, error) {
	if target > LatestVersion {
		return 0, fmt.Errorf("schema version %d is newer than supported version %d", target, LatestVersion)
	}

	var current int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return 0, fmt.Errorf("%w: failed to read schema version: %v", ErrStorageUnavailable, err)
	}
	if current > target {
		return 0, fmt.Errorf("%w: database is at version %d, requested %d", ErrSchemaDowngrade, current, target)
	}

	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}
		if err := applyMigration(ctx, conn, m); err != nil {
			return 0, classify(fmt.Errorf("migrate to v%d: %w", m.version, err))
		}
		logger.Printf("Migrated schema to v%d (%s)", m.version, m.description)
	}
	return target, nil
}

func applyMigration(ctx context.Context, conn *sql.DB, m migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range m.collections {
		if err := createCollection(ctx, tx, c.name); err != nil {
			return err
		}
		for _, idx := range c.indexes {
			if err := createIndex(ctx, tx, c.name, idx); err != nil {
				return err
			}
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

func createCollection(ctx context.Context, tx *sql.Tx, name string) error {
	stmt := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		entity_type TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL DEFAULT '',
		synced INTEGER NOT NULL DEFAULT 0,
		last_modified INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL  -- JSON
	)`, quoteIdent(name))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func createIndex(ctx context.Context, tx *sql.Tx, collection, index string) error {
	column, ok := indexColumns[index]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
		quoteIdent("idx_"+collection+"_"+index), quoteIdent(collection), column)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create index %s on %s: %w", index, collection, err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
