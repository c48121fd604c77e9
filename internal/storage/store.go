package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	// PrimaryKey is the implicit, monotonically increasing row id column.
	PrimaryKey = "oid"

	// PageSize is the allocation granularity of the store. Maximum sizes are
	// rounded up to a multiple of it.
	PageSize = 4096

	deleteChunk = 500
)

var (
	ErrTooLarge       = errors.New("storage: row is larger than the maximum store size")
	ErrFull           = errors.New("storage: row does not fit even after evicting all rows")
	ErrCursorReadOnly = errors.New("storage: cursor does not support removal")
	ErrClosed         = errors.New("storage: store is closed")
	ErrUnknownColumn  = errors.New("storage: unknown column")
)

// UpgradeFunc migrates the table from oldVersion to newVersion inside tx.
// Returning false lets the store drop the table and start over.
type UpgradeFunc func(ctx context.Context, tx *sql.Tx, oldVersion, newVersion int) (bool, error)

type Options struct {
	// Path of the database file, or ":memory:".
	Path    string
	Table   string
	Version int
	Schema  Schema
	// MaxSize in bytes; 0 leaves the store unbounded.
	MaxSize   int64
	OnCreate  func(ctx context.Context, tx *sql.Tx) error
	OnUpgrade UpgradeFunc
	Logger    *slog.Logger
}

// Store is an append-only row store in a single SQLite table whose total
// size is capped. Inserting into a full store evicts the oldest rows first.
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	conn     *sql.Conn
	opts     Options
	maxPages int64
	logger   *slog.Logger
	closed   bool
}

// Open opens or creates the store at opts.Path. A database that cannot be
// opened is assumed corrupted: it is deleted and created again once.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if !validIdentifier(opts.Table) {
		return nil, fmt.Errorf("invalid table name %q", opts.Table)
	}
	if opts.Version < 1 {
		return nil, fmt.Errorf("schema version must be at least 1")
	}
	if err := opts.Schema.validate(); err != nil {
		return nil, err
	}
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("max size must not be negative")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s, err := open(ctx, opts)
	if err == nil || opts.Path == ":memory:" {
		return s, err
	}
	if ctx.Err() != nil {
		return nil, err
	}

	opts.Logger.Warn("failed to open database, deleting it (may be corrupted)",
		"path", opts.Path,
		"error", err,
	)
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		if rmErr := os.Remove(opts.Path + suffix); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			opts.Logger.Warn("failed to delete database file", "path", opts.Path+suffix, "error", rmErr)
		}
	}
	return open(ctx, opts)
}

func open(ctx context.Context, opts Options) (*Store, error) {
	dsn := opts.Path
	if dsn != ":memory:" {
		dsn = filepath.Clean(dsn)
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	// page_size and auto_vacuum only take effect before the first table is
	// created; auto_vacuum=FULL returns freed pages on every commit.
	dsn += fmt.Sprintf("?_pragma=busy_timeout(5000)&_pragma=page_size(%d)&_pragma=auto_vacuum(FULL)", PageSize)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// max_page_count is per connection, so everything goes through one
	// pinned connection.
	sqlDB.SetMaxOpenConns(1)
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connect sqlite db: %w", err)
	}

	s := &Store{
		db:     sqlDB,
		conn:   conn,
		opts:   opts,
		logger: opts.Logger,
	}
	if err := s.migrate(ctx); err != nil {
		_ = s.closeLocked()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if opts.MaxSize > 0 {
		if !s.setMaxSizeLocked(ctx, opts.MaxSize) {
			_ = s.closeLocked()
			return nil, fmt.Errorf("cannot apply max size of %d bytes", opts.MaxSize)
		}
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var current int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	var exists int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_schema WHERE type = 'table' AND name = ?", s.opts.Table,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if exists == 1 && current == s.opts.Version {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	switch {
	case exists == 0:
		if err := s.createTable(ctx, tx); err != nil {
			return err
		}
	default:
		handled := false
		if current < s.opts.Version && s.opts.OnUpgrade != nil {
			handled, err = s.opts.OnUpgrade(ctx, tx, current, s.opts.Version)
			if err != nil {
				return fmt.Errorf("upgrade from version %d to %d: %w", current, s.opts.Version, err)
			}
		}
		if !handled {
			var discarded int64
			if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM `%s`", s.opts.Table)).Scan(&discarded); err != nil {
				return fmt.Errorf("count rows before reset: %w", err)
			}
			s.logger.Warn("schema change not handled, discarding stored rows",
				"table", s.opts.Table,
				"from_version", current,
				"to_version", s.opts.Version,
				"discarded", discarded,
			)
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE `%s`", s.opts.Table)); err != nil {
				return fmt.Errorf("drop table: %w", err)
			}
			if err := s.createTable(ctx, tx); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", s.opts.Version)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func (s *Store) createTable(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, s.opts.Schema.createTableSQL(s.opts.Table)); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if s.opts.OnCreate != nil {
		if err := s.opts.OnCreate(ctx, tx); err != nil {
			return fmt.Errorf("on create: %w", err)
		}
	}
	return nil
}

// Put inserts a row and returns its id. When the store is full the oldest
// rows, across the whole table, are evicted until the row fits.
func (s *Store) Put(ctx context.Context, values Values) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	names := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for name, value := range values {
		col, ok := s.opts.Schema.lookup(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
		bound, err := toSQLValue(col, value)
		if err != nil {
			return 0, err
		}
		names = append(names, "`"+name+"`")
		args = append(args, bound)
	}
	if s.maxPages > 0 && estimateSize(args) >= s.maxPages*PageSize {
		return 0, ErrTooLarge
	}

	var query string
	if len(names) == 0 {
		query = fmt.Sprintf("INSERT INTO `%s` DEFAULT VALUES", s.opts.Table)
	} else {
		query = fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)",
			s.opts.Table,
			strings.Join(names, ", "),
			strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", "),
		)
	}

	evicted := 0
	for {
		res, err := s.conn.ExecContext(ctx, query, args...)
		if err == nil {
			if evicted > 0 {
				s.logger.Debug("store full, evicted oldest rows", "table", s.opts.Table, "evicted", evicted)
			}
			return res.LastInsertId()
		}
		if !isFull(err) {
			return 0, fmt.Errorf("insert row: %w", err)
		}
		deleted, derr := s.deleteOldest(ctx)
		if derr != nil {
			return 0, fmt.Errorf("evict oldest row: %w", derr)
		}
		if !deleted {
			return 0, ErrFull
		}
		evicted++
	}
}

func (s *Store) deleteOldest(ctx context.Context) (bool, error) {
	res, err := s.conn.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM `%[1]s` WHERE %[2]s = (SELECT MIN(%[2]s) FROM `%[1]s`)", s.opts.Table, PrimaryKey,
	))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Get returns the row with the given id, or false when absent.
func (s *Store) Get(ctx context.Context, id int64) (Row, bool, error) {
	rows, err := s.query(ctx, Eq(PrimaryKey, id), true, 0, 1)
	if err != nil {
		return Row{}, false, err
	}
	if len(rows) == 0 {
		return Row{}, false, nil
	}
	return rows[0], true, nil
}

// Delete removes a row; an absent id is not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	return s.DeleteIDs(ctx, []int64{id})
}

// DeleteIDs removes every listed row in one transaction.
func (s *Store) DeleteIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		args := make([]any, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		query := fmt.Sprintf("DELETE FROM `%s` WHERE %s IN (%s)",
			s.opts.Table, PrimaryKey, strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete rows: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// DeleteWhere removes rows whose column equals value and reports how many
// were deleted.
func (s *Store) DeleteWhere(ctx context.Context, column string, value any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	where, args, err := Eq(column, value).clause(s.opts.Schema)
	if err != nil {
		return 0, err
	}
	res, err := s.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM `%s` WHERE %s", s.opts.Table, where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete rows: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes every row.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM `%s`", s.opts.Table)); err != nil {
		return fmt.Errorf("clear table: %w", err)
	}
	return nil
}

// Scan returns a forward-only cursor over the rows matching filter, ordered
// by id.
func (s *Store) Scan(filter Filter, ascending bool) *Cursor {
	return &Cursor{store: s, filter: filter, ascending: ascending, pageSize: defaultCursorPage}
}

// Exec runs a statement on the store connection, for callers that need an
// index or a one-off statement outside the row API.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.conn.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) count(ctx context.Context, filter Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	where, args, err := whereClause(s.opts.Schema, filter)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM `%s` WHERE %s", s.opts.Table, where), args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

// query reads up to limit rows after the keyset position after (0 means from
// the start in the chosen direction).
func (s *Store) query(ctx context.Context, filter Filter, ascending bool, after int64, limit int) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	where, args, err := whereClause(s.opts.Schema, filter)
	if err != nil {
		return nil, err
	}
	order := "ASC"
	if after > 0 {
		if ascending {
			where += fmt.Sprintf(" AND %s > ?", PrimaryKey)
		} else {
			where += fmt.Sprintf(" AND %s < ?", PrimaryKey)
		}
		args = append(args, after)
	}
	if !ascending {
		order = "DESC"
	}
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM `%s` WHERE %s ORDER BY %s %s LIMIT ?",
		s.opts.Schema.selectColumns(), s.opts.Table, where, PrimaryKey, order,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		raw := make([]any, len(s.opts.Schema)+1)
		ptrs := make([]any, len(raw))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		id, _ := raw[0].(int64)
		row := Row{ID: id, Values: make(Values, len(s.opts.Schema))}
		for i, col := range s.opts.Schema {
			if raw[i+1] == nil {
				continue
			}
			row.Values[col.Name] = fromSQLValue(col, raw[i+1])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// SetMaxSize changes the size cap. The size is rounded up to a multiple of
// PageSize. A store currently larger than the new cap evicts its oldest
// rows. It returns false, leaving data untouched, when the size is below
// what an empty store needs.
func (s *Store) SetMaxSize(ctx context.Context, maxSize int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.setMaxSizeLocked(ctx, maxSize)
}

func (s *Store) setMaxSizeLocked(ctx context.Context, maxSize int64) bool {
	pages := maxSize / PageSize
	if maxSize%PageSize != 0 {
		pages++
	}
	minPages, err := s.minPageCount(ctx)
	if err != nil {
		s.logger.Error("could not change maximum store size", "error", err)
		return false
	}
	if maxSize <= 0 || pages < minPages {
		s.logger.Error("maximum store size is below the minimum",
			"requested", maxSize,
			"minimum", minPages*PageSize,
		)
		return false
	}

	got, err := s.setMaxPageCount(ctx, pages)
	if err != nil {
		s.logger.Error("could not change maximum store size", "error", err)
		return false
	}
	if got != pages {
		evicted := 0
		for {
			used, err := s.pageCount(ctx)
			if err != nil || used <= pages {
				break
			}
			deleted, err := s.deleteOldest(ctx)
			if err != nil || !deleted {
				break
			}
			evicted++
		}
		if got, err = s.setMaxPageCount(ctx, pages); err != nil || got != pages {
			s.logger.Error("could not shrink store",
				"requested", pages*PageSize,
				"current", got*PageSize,
				"error", err,
			)
			s.maxPages = got
			return false
		}
		s.logger.Warn("store shrunk by evicting oldest rows", "evicted", evicted)
	}

	s.maxPages = pages
	if pages*PageSize == maxSize {
		s.logger.Info("changed maximum store size", "bytes", maxSize)
	} else {
		s.logger.Info("changed maximum store size (next multiple of page size)", "requested", maxSize, "bytes", pages*PageSize)
	}
	return true
}

// minPageCount is the size of the store with every row deleted: the schema
// page, the pointer-map page, and one root page per table or index.
func (s *Store) minPageCount(ctx context.Context) (int64, error) {
	var objects int64
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_schema WHERE rootpage > 0").Scan(&objects)
	if err != nil {
		return 0, err
	}
	return objects + 2, nil
}

func (s *Store) setMaxPageCount(ctx context.Context, pages int64) (int64, error) {
	var got int64
	err := s.conn.QueryRowContext(ctx, fmt.Sprintf("PRAGMA max_page_count = %d", pages)).Scan(&got)
	return got, err
}

func (s *Store) pageCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&n)
	return n, err
}

// MaxSize returns the configured cap in bytes, 0 when unbounded.
func (s *Store) MaxSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPages * PageSize
}

// Size returns the bytes currently used by the database.
func (s *Store) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.pageCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("read page count: %w", err)
	}
	return n * PageSize, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeLocked()
}

func (s *Store) closeLocked() error {
	connErr := s.conn.Close()
	dbErr := s.db.Close()
	return errors.Join(connErr, dbErr)
}

func isFull(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_FULL
}
