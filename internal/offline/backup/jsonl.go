// Package backup exports and imports local offline data as JSONL.
//
// Each line holds one stored item: {"collection": ..., "key": ..., "data": ...}.
// Exports cover every collection of the store, pending operations and the
// failure log included, so a device can be wiped with clearOfflineData and
// restored later without losing unsynced work.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cognitrack/offsync/internal/offline/db"
	"github.com/cognitrack/offsync/internal/offline/schema"
)

// Line is one exported item.
type Line struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Path   string
	Counts map[string]int
	Total  int
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	DryRun  bool // Validate without writing
	Replace bool // Clear each imported collection first
	Backup  bool // Export the current store next to the input first
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Counts        map[string]int
	Total         int
	BackupCreated string
	Errors        []string
}

// Export writes every collection of store to path. The file is replaced
// atomically.
func Export(ctx context.Context, store *db.Store, path string) (*ExportResult, error) {
	result := &ExportResult{Path: path, Counts: make(map[string]int)}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}

	err = writeLines(ctx, store, file, result)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

func writeLines(ctx context.Context, store *db.Store, w io.Writer, result *ExportResult) error {
	buf := bufio.NewWriter(w)
	encoder := json.NewEncoder(buf)
	for _, collection := range store.Collections() {
		items, err := store.GetAll(ctx, collection)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", collection, err)
		}
		for _, item := range items {
			if err := encoder.Encode(Line{Collection: collection, Key: item.Key, Data: item.Data}); err != nil {
				return fmt.Errorf("failed to write %s/%s: %w", collection, item.Key, err)
			}
			result.Counts[collection]++
			result.Total++
		}
	}
	return buf.Flush()
}

// ReadLines parses a JSONL export.
func ReadLines(path string) ([]Line, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var lines []Line
	decoder := json.NewDecoder(file)
	for lineNum := 1; ; lineNum++ {
		var line Line
		if err := decoder.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Import loads an export into store. Lines that fail validation are
// reported in ImportResult.Errors and skipped; the rest of each collection
// is written in one transaction.
func Import(ctx context.Context, store *db.Store, path string, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{Counts: make(map[string]int)}

	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}

	if opts.Backup && !opts.DryRun {
		backupPath := path + ".backup." + time.Now().Format("20060102-150405")
		if _, err := Export(ctx, store, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	byCollection := make(map[string][]db.Item)
	for i, line := range lines {
		item, err := toItem(store, line)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		byCollection[line.Collection] = append(byCollection[line.Collection], item)
	}

	collections := make([]string, 0, len(byCollection))
	for name := range byCollection {
		collections = append(collections, name)
	}
	sort.Strings(collections)

	for _, collection := range collections {
		items := byCollection[collection]
		if !opts.DryRun {
			if opts.Replace {
				if err := store.Clear(ctx, collection); err != nil {
					return result, fmt.Errorf("failed to clear %s: %w", collection, err)
				}
			}
			if err := store.PutMany(ctx, collection, items); err != nil {
				return result, fmt.Errorf("failed to import %s: %w", collection, err)
			}
		}
		result.Counts[collection] = len(items)
		result.Total += len(items)
	}
	return result, nil
}

// toItem validates line and rebuilds its index columns from the data, so a
// hand-edited export cannot leave indexes out of step with payloads.
func toItem(store *db.Store, line Line) (db.Item, error) {
	if !store.HasCollection(line.Collection) {
		return db.Item{}, fmt.Errorf("%w: %s", db.ErrUnknownCollection, line.Collection)
	}
	probe := db.Item{Key: line.Key, Data: line.Data}

	var item db.Item
	switch line.Collection {
	case db.SyncQueue:
		op, err := db.ItemOperation(probe)
		if err != nil {
			return db.Item{}, err
		}
		if err := op.Validate(); err != nil {
			return db.Item{}, fmt.Errorf("invalid operation %s: %w", line.Key, err)
		}
		if item, err = db.OperationItem(op); err != nil {
			return db.Item{}, err
		}

	case db.FailedOperations:
		var f schema.FailedOperation
		if err := json.Unmarshal(line.Data, &f); err != nil {
			return db.Item{}, fmt.Errorf("failed to decode failure %s: %w", line.Key, err)
		}
		var err error
		if item, err = db.FailureItem(f); err != nil {
			return db.Item{}, err
		}

	default:
		rec, err := db.ItemRecord(probe)
		if err != nil {
			return db.Item{}, err
		}
		if err := rec.Validate(); err != nil {
			return db.Item{}, fmt.Errorf("invalid record %s: %w", line.Key, err)
		}
		if string(rec.EntityType) != line.Collection {
			return db.Item{}, fmt.Errorf("record %s is a %s, not a %s", line.Key, rec.EntityType, line.Collection)
		}
		if item, err = db.RecordItem(rec); err != nil {
			return db.Item{}, err
		}
	}

	if item.Key != line.Key {
		return db.Item{}, fmt.Errorf("key %q does not match data key %q", line.Key, item.Key)
	}
	return item, nil
}
