package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Item is one stored value plus the columns its indexes are built on.
type Item struct {
	Key          string
	UserID       string
	EntityType   string
	EntityID     string
	Synced       bool
	LastModified int64
	Data         json.RawMessage
}

// Collections returns the collection names in the current schema, sorted.
func (s *Store) Collections() []string {
	names := make([]string, 0, len(s.schema))
	for name := range s.schema {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasCollection reports whether name is part of the current schema.
func (s *Store) HasCollection(name string) bool {
	_, ok := s.schema[name]
	return ok
}

func (s *Store) checkCollection(name string) error {
	if !s.HasCollection(name) {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return nil
}

// Tx is a transaction scoped to a single collection.
type Tx struct {
	tx         *sql.Tx
	collection string
	table      string
	indexes    map[string]bool
}

// Txn runs fn inside one transaction on collection. The transaction commits
// when fn returns nil and rolls back otherwise.
func (s *Store) Txn(ctx context.Context, collection string, fn func(tx *Tx) error) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	if err := s.checkCollection(collection); err != nil {
		return err
	}

	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &Tx{tx: sqlTx, collection: collection, table: quoteIdent(collection), indexes: s.schema[collection]}
	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Put upserts item by key.
func (tx *Tx) Put(ctx context.Context, item Item) error {
	if item.Key == "" {
		return fmt.Errorf("key is required")
	}
	data := item.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, user_id, entity_type, entity_id, synced, last_modified, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			user_id = excluded.user_id,
			entity_type = excluded.entity_type,
			entity_id = excluded.entity_id,
			synced = excluded.synced,
			last_modified = excluded.last_modified,
			data = excluded.data
	`, tx.table)
	_, err := tx.tx.ExecContext(ctx, query,
		item.Key, item.UserID, item.EntityType, item.EntityID,
		boolToInt(item.Synced), item.LastModified, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", tx.collection, item.Key, err)
	}
	return nil
}

// Get reads one item. Missing keys yield ErrNotFound.
func (tx *Tx) Get(ctx context.Context, key string) (Item, error) {
	query := fmt.Sprintf(`
		SELECT key, user_id, entity_type, entity_id, synced, last_modified, data
		FROM %s WHERE key = ?
	`, tx.table)
	item, err := scanItem(tx.tx.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: %s/%s", ErrNotFound, tx.collection, key)
	}
	if err != nil {
		return Item{}, fmt.Errorf("failed to get %s/%s: %w", tx.collection, key, err)
	}
	return item, nil
}

// GetByIndex returns the items whose indexed column equals value.
func (tx *Tx) GetByIndex(ctx context.Context, index string, value any) ([]Item, error) {
	if !tx.indexes[index] {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownIndex, index, tx.collection)
	}
	if b, ok := value.(bool); ok {
		value = boolToInt(b)
	}
	query := fmt.Sprintf(`
		SELECT key, user_id, entity_type, entity_id, synced, last_modified, data
		FROM %s WHERE %s = ? ORDER BY key
	`, tx.table, indexColumns[index])
	rows, err := tx.tx.QueryContext(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", tx.collection, index, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete removes one item. Deleting a missing key is not an error.
func (tx *Tx) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", tx.table)
	if _, err := tx.tx.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", tx.collection, key, err)
	}
	return nil
}

// Put upserts item into collection.
func (s *Store) Put(ctx context.Context, collection string, item Item) error {
	return s.Txn(ctx, collection, func(tx *Tx) error {
		return tx.Put(ctx, item)
	})
}

// PutMany upserts all items in one transaction: either every item is stored
// or none is.
func (s *Store) PutMany(ctx context.Context, collection string, items []Item) error {
	return s.Txn(ctx, collection, func(tx *Tx) error {
		for _, item := range items {
			if err := tx.Put(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get reads one item from collection.
func (s *Store) Get(ctx context.Context, collection, key string) (Item, error) {
	var item Item
	err := s.read(ctx, collection, func() error {
		query := fmt.Sprintf(`
			SELECT key, user_id, entity_type, entity_id, synced, last_modified, data
			FROM %s WHERE key = ?
		`, quoteIdent(collection))
		var err error
		item, err = scanItem(s.conn.QueryRowContext(ctx, query, key))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
		}
		return err
	})
	return item, err
}

// GetAll returns every item in collection ordered by key.
func (s *Store) GetAll(ctx context.Context, collection string) ([]Item, error) {
	var items []Item
	err := s.read(ctx, collection, func() error {
		query := fmt.Sprintf(`
			SELECT key, user_id, entity_type, entity_id, synced, last_modified, data
			FROM %s ORDER BY key
		`, quoteIdent(collection))
		var err error
		items, err = s.queryItems(ctx, query)
		return err
	})
	return items, err
}

// GetByIndex returns the items whose indexed column equals value, ordered by
// key. Booleans are accepted for the synced index.
func (s *Store) GetByIndex(ctx context.Context, collection, index string, value any) ([]Item, error) {
	var items []Item
	err := s.read(ctx, collection, func() error {
		if !s.schema[collection][index] {
			return fmt.Errorf("%w: %s on %s", ErrUnknownIndex, index, collection)
		}
		if b, ok := value.(bool); ok {
			value = boolToInt(b)
		}
		query := fmt.Sprintf(`
			SELECT key, user_id, entity_type, entity_id, synced, last_modified, data
			FROM %s WHERE %s = ? ORDER BY key
		`, quoteIdent(collection), indexColumns[index])
		var err error
		items, err = s.queryItems(ctx, query, value)
		return err
	})
	return items, err
}

// Count returns the number of items in collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.read(ctx, collection, func() error {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(collection))
		return s.conn.QueryRowContext(ctx, query).Scan(&n)
	})
	return n, err
}

// Delete removes one item from collection.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	return s.Txn(ctx, collection, func(tx *Tx) error {
		return tx.Delete(ctx, key)
	})
}

// Clear removes every item from collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	return s.Txn(ctx, collection, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, "DELETE FROM "+tx.table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", collection, err)
		}
		return nil
	})
}

func (s *Store) read(ctx context.Context, collection string, fn func() error) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownIndex) {
			return err
		}
		return fmt.Errorf("failed to read %s: %w", collection, err)
	}
	return nil
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (Item, error) {
	var (
		item   Item
		synced int
		data   string
	)
	if err := row.Scan(&item.Key, &item.UserID, &item.EntityType, &item.EntityID, &synced, &item.LastModified, &data); err != nil {
		return Item{}, err
	}
	item.Synced = synced != 0
	item.Data = json.RawMessage(data)
	return item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
