package storage

import "context"

const defaultCursorPage = 64

// Cursor iterates a scan lazily, one page of rows at a time. It is forward
// only; call Scan again to start over. The cursor does not hold the store
// between pages, so rows deleted concurrently may or may not be seen.
type Cursor struct {
	store     *Store
	filter    Filter
	ascending bool
	pageSize  int

	after int64
	buf   []Row
	done  bool
	err   error
}

// Count returns the number of rows matching the scan without consuming the
// cursor.
func (c *Cursor) Count(ctx context.Context) (int, error) {
	return c.store.count(ctx, c.filter)
}

// Next returns the next row, or false once the scan is exhausted or failed.
func (c *Cursor) Next(ctx context.Context) (Row, bool) {
	if len(c.buf) == 0 {
		if c.done || c.err != nil {
			return Row{}, false
		}
		rows, err := c.store.query(ctx, c.filter, c.ascending, c.after, c.pageSize)
		if err != nil {
			c.err = err
			return Row{}, false
		}
		if len(rows) < c.pageSize {
			c.done = true
		}
		if len(rows) == 0 {
			return Row{}, false
		}
		c.buf = rows
	}
	row := c.buf[0]
	c.buf = c.buf[1:]
	c.after = row.ID
	return row, true
}

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Remove always fails: rows are deleted through the store, not the cursor.
func (c *Cursor) Remove() error {
	return ErrCursorReadOnly
}
