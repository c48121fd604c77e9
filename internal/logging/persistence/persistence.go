package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Chichichkin/TelemetryAgent/internal/logging"
	"github.com/Chichichkin/TelemetryAgent/internal/storage"
)

const (
	table   = "logs"
	version = 2

	colGroup     = "persistence_group"
	colLog       = "log"
	colType      = "type"
	colTimestamp = "timestamp"
)

var schema = storage.Schema{
	{Name: colGroup, Type: storage.String},
	{Name: colLog, Type: storage.Bytes},
	{Name: colType, Type: storage.String},
	{Name: colTimestamp, Type: storage.Long},
}

const createGroupIndex = "CREATE INDEX IF NOT EXISTS `ix_logs_persistence_group` ON `logs` (`persistence_group`)"

type Options struct {
	Path    string
	MaxSize int64
	Logger  *slog.Logger
}

// Persistence stores serialized log records per group and hands them out in
// batches. A row handed out in a batch stays hidden from later batches until
// the batch is deleted or released.
type Persistence struct {
	store  *storage.Store
	logger *slog.Logger

	mu         sync.Mutex
	pendingIDs map[int64]struct{}
	batches    map[batchKey][]int64
}

type batchKey struct {
	group string
	id    string
}

func Open(ctx context.Context, opts Options) (*Persistence, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store, err := storage.Open(ctx, storage.Options{
		Path:    opts.Path,
		Table:   table,
		Version: version,
		Schema:  schema,
		MaxSize: opts.MaxSize,
		Logger:  logger,
		OnCreate: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, createGroupIndex)
			return err
		},
		OnUpgrade: upgrade,
	})
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	return &Persistence{
		store:      store,
		logger:     logger,
		pendingIDs: make(map[int64]struct{}),
		batches:    make(map[batchKey][]int64),
	}, nil
}

// upgrade handles version 1 tables, which had no timestamp column.
func upgrade(ctx context.Context, tx *sql.Tx, oldVersion, newVersion int) (bool, error) {
	if oldVersion != 1 || newVersion != 2 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, "ALTER TABLE `logs` ADD COLUMN `timestamp` INTEGER DEFAULT 0"); err != nil {
		return false, fmt.Errorf("add timestamp column: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createGroupIndex); err != nil {
		return false, fmt.Errorf("create group index: %w", err)
	}
	return true, nil
}

// PutLog persists rec under rec.Group and returns the row id.
func (p *Persistence) PutLog(ctx context.Context, rec logging.Record) (int64, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode log: %w", err)
	}
	id, err := p.store.Put(ctx, storage.Values{
		colGroup:     rec.Group,
		colLog:       payload,
		colType:      rec.Type,
		colTimestamp: rec.Timestamp.UnixMilli(),
	})
	if err != nil {
		return 0, fmt.Errorf("persist log: %w", err)
	}
	return id, nil
}

// DeleteLog deletes a single row returned by PutLog.
func (p *Persistence) DeleteLog(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.pendingIDs, id)
	if err := p.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete log %d: %w", id, err)
	}
	return nil
}

// CountLogs returns the number of stored rows for group, including rows that
// are part of an outstanding batch. Errors are logged and count as zero.
func (p *Persistence) CountLogs(ctx context.Context, group string) int {
	n, err := p.store.Scan(storage.Eq(colGroup, group), true).Count(ctx)
	if err != nil {
		p.logger.Error("failed to count logs", "group", group, "error", err)
		return 0
	}
	return n
}

// CountLogsBefore returns the number of rows, across all groups, created
// before t.
func (p *Persistence) CountLogsBefore(ctx context.Context, t time.Time) int {
	n, err := p.store.Scan(storage.Lt(colTimestamp, t.UnixMilli()), true).Count(ctx)
	if err != nil {
		p.logger.Error("failed to count logs", "before", t, "error", err)
		return 0
	}
	return n
}

// GetLogs returns up to limit of the oldest rows of group that are not part
// of another batch, and marks them as a new batch. It returns an empty batch
// id when nothing is available.
func (p *Persistence) GetLogs(ctx context.Context, group string, limit int) (string, []logging.Record) {
	if limit <= 0 {
		return "", nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		records   []logging.Record
		ids       []int64
		corrupted []int64
	)
	cursor := p.store.Scan(storage.Eq(colGroup, group), true)
	for len(records) < limit {
		row, ok := cursor.Next(ctx)
		if !ok {
			break
		}
		if _, pending := p.pendingIDs[row.ID]; pending {
			continue
		}
		var rec logging.Record
		if err := json.Unmarshal(row.Values.Bytes(colLog), &rec); err != nil {
			p.logger.Error("failed to decode stored log, deleting it",
				"group", group,
				"row_id", row.ID,
				"error", err,
			)
			corrupted = append(corrupted, row.ID)
			continue
		}
		records = append(records, rec)
		ids = append(ids, row.ID)
	}
	if err := cursor.Err(); err != nil {
		p.logger.Error("failed to read logs", "group", group, "error", err)
	}
	if len(corrupted) > 0 {
		if err := p.store.DeleteIDs(ctx, corrupted); err != nil {
			p.logger.Error("failed to delete corrupted logs", "group", group, "error", err)
		}
	}
	if len(records) == 0 {
		return "", nil
	}

	batchID := uuid.NewString()
	for _, id := range ids {
		p.pendingIDs[id] = struct{}{}
	}
	p.batches[batchKey{group: group, id: batchID}] = ids
	return batchID, records
}

// DeleteBatch deletes the rows of a batch returned by GetLogs.
func (p *Persistence) DeleteBatch(ctx context.Context, group, batchID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := batchKey{group: group, id: batchID}
	ids, ok := p.batches[key]
	if !ok {
		return nil
	}
	delete(p.batches, key)
	for _, id := range ids {
		delete(p.pendingIDs, id)
	}
	if err := p.store.DeleteIDs(ctx, ids); err != nil {
		return fmt.Errorf("delete batch %s: %w", batchID, err)
	}
	return nil
}

// DeleteLogs deletes every stored row of group and forgets its batches.
func (p *Persistence) DeleteLogs(ctx context.Context, group string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, ids := range p.batches {
		if key.group != group {
			continue
		}
		for _, id := range ids {
			delete(p.pendingIDs, id)
		}
		delete(p.batches, key)
	}
	deleted, err := p.store.DeleteWhere(ctx, colGroup, group)
	if err != nil {
		return fmt.Errorf("delete logs of group %s: %w", group, err)
	}
	p.logger.Debug("deleted logs", "group", group, "count", deleted)
	return nil
}

// ReleaseBatch makes the rows of a batch available to GetLogs again without
// deleting them.
func (p *Persistence) ReleaseBatch(group, batchID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := batchKey{group: group, id: batchID}
	for _, id := range p.batches[key] {
		delete(p.pendingIDs, id)
	}
	delete(p.batches, key)
}

// ClearPendingState forgets every outstanding batch.
func (p *Persistence) ClearPendingState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingIDs = make(map[int64]struct{})
	p.batches = make(map[batchKey][]int64)
}

func (p *Persistence) SetMaxStorageSize(ctx context.Context, maxSize int64) bool {
	return p.store.SetMaxSize(ctx, maxSize)
}

func (p *Persistence) Close() error {
	p.ClearPendingState()
	err := p.store.Close()
	if errors.Is(err, storage.ErrClosed) {
		return nil
	}
	return err
}
