package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Chichichkin/TelemetryAgent/internal/logging"
)

var (
	// ErrCanceled is reported for in-flight records of a group that gets
	// disabled before its batch resolves.
	ErrCanceled     = errors.New("channel: delivery canceled")
	ErrUnknownGroup = errors.New("channel: unknown group")
	ErrInvalidGroup = errors.New("channel: invalid group configuration")
)

// Store is the persistence the channel batches from.
type Store interface {
	PutLog(ctx context.Context, rec logging.Record) (int64, error)
	DeleteLog(ctx context.Context, id int64) error
	CountLogs(ctx context.Context, group string) int
	GetLogs(ctx context.Context, group string, limit int) (string, []logging.Record)
	DeleteBatch(ctx context.Context, group, batchID string) error
	DeleteLogs(ctx context.Context, group string) error
	ReleaseBatch(group, batchID string)
	ClearPendingState()
	SetMaxStorageSize(ctx context.Context, maxSize int64) bool
}

// Listener sees every record before it is persisted.
type Listener interface {
	// OnPreparingLog may decorate rec.
	OnPreparingLog(rec *logging.Record, group string)
	// ShouldFilter drops rec when any listener returns true.
	ShouldFilter(rec logging.Record) bool
}

type GroupConfig struct {
	Name string
	logging.Config
	Listener logging.GroupListener
	// Sender overrides the channel's sender for this group.
	Sender logging.Sender
}

// Options configure a Channel. Concurrency across groups is bounded by the
// sender stack (see logging.LimitedSender), so a batch waiting out a retry
// delay holds no slot.
type Options struct {
	Logger *slog.Logger
}

type Stats struct {
	Pending  int
	InFlight int
	Enabled  bool
	Paused   bool
}

type group struct {
	cfg       GroupConfig
	pending   int
	inflight  map[*batch]struct{}
	timer     *time.Timer
	scheduled bool
	timerGen  uint64
	enabled   bool
	paused    bool
}

// batch is registered in its group before its rows are read; id and
// records are set once the store has handed them out.
type batch struct {
	id       string
	group    string
	records  []logging.Record
	limit    int
	listener logging.GroupListener
	sender   logging.Sender
	ctx      context.Context
	cancel   context.CancelFunc

	// set under Channel.mu when the batch is cancelled by SetEnabled(false)
	notifyCancel bool
}

// Channel persists records per group, forms batches from the stored
// backlog and delivers them with the configured sender.
type Channel struct {
	ctx     context.Context
	stopCtx context.CancelFunc
	store   Store
	sender  logging.Sender
	logger  *slog.Logger
	wg      sync.WaitGroup

	mu        sync.Mutex
	groups    map[string]*group
	listeners []Listener
	closed    bool
}

func New(store Store, sender logging.Sender, opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		ctx:     ctx,
		stopCtx: cancel,
		store:   store,
		sender:  sender,
		logger:  logger,
		groups:  make(map[string]*group),
	}
}

// AddGroup registers a group, or reconfigures it when the name is already
// known. A new group picks up its persisted backlog.
func (c *Channel) AddGroup(cfg GroupConfig) error {
	if err := c.validate(cfg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("add group %s: channel is shut down", cfg.Name)
	}

	if g, ok := c.groups[cfg.Name]; ok {
		c.cancelTimer(g)
		g.cfg = cfg
		c.logger.Info("reconfigured group", "group", cfg.Name)
		c.checkPendingLogs(g)
		return nil
	}

	g := &group{
		cfg:      cfg,
		inflight: make(map[*batch]struct{}),
		enabled:  true,
	}
	g.pending = c.store.CountLogs(context.Background(), cfg.Name)
	c.groups[cfg.Name] = g
	c.logger.Info("added group",
		"group", cfg.Name,
		"trigger_count", cfg.TriggerCount,
		"trigger_interval", cfg.TriggerInterval,
		"max_parallel_requests", cfg.MaxParallelRequests,
		"backlog", g.pending,
	)
	c.checkPendingLogs(g)
	return nil
}

func (c *Channel) validate(cfg GroupConfig) error {
	switch {
	case cfg.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidGroup)
	case cfg.TriggerCount < 1:
		return fmt.Errorf("%w: trigger count must be at least 1", ErrInvalidGroup)
	case cfg.TriggerInterval < 0:
		return fmt.Errorf("%w: trigger interval must not be negative", ErrInvalidGroup)
	case cfg.MaxParallelRequests < 1:
		return fmt.Errorf("%w: max parallel requests must be at least 1", ErrInvalidGroup)
	case cfg.Sender == nil && c.sender == nil:
		return fmt.Errorf("%w: no sender", ErrInvalidGroup)
	}
	return nil
}

// RemoveGroup forgets a group. Its timer and in-flight batches are
// cancelled without callbacks; stored rows are kept.
func (c *Channel) RemoveGroup(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[name]
	if !ok {
		return
	}
	c.cancelTimer(g)
	for b := range g.inflight {
		b.cancel()
		if b.id != "" {
			c.store.ReleaseBatch(name, b.id)
		}
		delete(g.inflight, b)
	}
	delete(c.groups, name)
	c.logger.Info("removed group", "group", name)
}

func (c *Channel) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Channel) RemoveListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Enqueue persists rec for delivery in group. Records for a disabled or
// unknown group are dropped. The store write runs outside the channel lock.
func (c *Channel) Enqueue(rec logging.Record, groupName string) {
	c.mu.Lock()
	g, ok := c.groups[groupName]
	switch {
	case c.closed:
		c.mu.Unlock()
		return
	case !ok:
		c.mu.Unlock()
		c.logger.Error("enqueue to unknown group", "group", groupName)
		return
	case !g.enabled:
		c.mu.Unlock()
		c.logger.Debug("group disabled, dropping log", "group", groupName)
		return
	}
	listeners := append([]Listener(nil), c.listeners...)
	listener := g.cfg.Listener
	c.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Group = groupName

	for _, l := range listeners {
		l.OnPreparingLog(&rec, groupName)
	}
	for _, l := range listeners {
		if l.ShouldFilter(rec) {
			c.logger.Debug("log filtered out", "group", groupName, "id", rec.ID)
			return
		}
	}

	rowID, err := c.store.PutLog(context.Background(), rec)
	if err != nil {
		c.logger.Error("failed to persist log", "group", groupName, "id", rec.ID, "error", err)
		if listener != nil {
			listener.OnBeforeSending(rec)
			listener.OnFailure(rec, err)
		}
		return
	}

	c.mu.Lock()
	g, ok = c.groups[groupName]
	if c.closed || !ok {
		// The row stays for whoever owns the group next.
		c.mu.Unlock()
		return
	}
	if !g.enabled {
		c.mu.Unlock()
		if err := c.store.DeleteLog(context.Background(), rowID); err != nil {
			c.logger.Error("failed to drop log of disabled group", "group", groupName, "id", rec.ID, "error", err)
		}
		return
	}
	g.pending++
	c.checkPendingLogs(g)
	c.mu.Unlock()
}

// Clear deletes the stored backlog of a group without delivering it.
func (c *Channel) Clear(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	c.cancelTimer(g)
	if err := c.store.DeleteLogs(context.Background(), name); err != nil {
		c.logger.Error("failed to clear group", "group", name, "error", err)
	}
	g.pending = 0
	return nil
}

// SetEnabled turns delivery for a group on or off. Disabling cancels the
// timer and in-flight batches, whose records fail with ErrCanceled, and
// deletes the stored backlog.
func (c *Channel) SetEnabled(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	if g.enabled == enabled {
		return nil
	}
	g.enabled = enabled

	if enabled {
		g.pending = c.store.CountLogs(context.Background(), name)
		c.logger.Info("enabled group", "group", name)
		c.checkPendingLogs(g)
		return nil
	}

	c.cancelTimer(g)
	for b := range g.inflight {
		b.notifyCancel = true
		b.cancel()
		delete(g.inflight, b)
	}
	if err := c.store.DeleteLogs(context.Background(), name); err != nil {
		c.logger.Error("failed to delete logs of disabled group", "group", name, "error", err)
	}
	g.pending = 0
	c.logger.Info("disabled group", "group", name)
	return nil
}

// PauseGroup stops batch formation for a group. Records keep being
// persisted.
func (c *Channel) PauseGroup(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	g.paused = true
	c.cancelTimer(g)
	return nil
}

func (c *Channel) ResumeGroup(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	g.paused = false
	c.checkPendingLogs(g)
	return nil
}

func (c *Channel) SetMaxStorageSize(maxSize int64) bool {
	return c.store.SetMaxStorageSize(context.Background(), maxSize)
}

func (c *Channel) Stats(name string) (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[name]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		Pending:  g.pending,
		InFlight: len(g.inflight),
		Enabled:  g.enabled,
		Paused:   g.paused,
	}, true
}

// Shutdown cancels timers and in-flight batches of every group without
// callbacks and waits for send goroutines to return. Stored rows are kept.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	for _, g := range c.groups {
		c.cancelTimer(g)
		for b := range g.inflight {
			b.cancel()
			delete(g.inflight, b)
		}
	}
	c.store.ClearPendingState()
	c.stopCtx()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("channel shut down")
}

// checkPendingLogs must be called with c.mu held.
func (c *Channel) checkPendingLogs(g *group) {
	if c.closed || !g.enabled || g.paused {
		return
	}
	if g.pending >= g.cfg.TriggerCount {
		c.triggerIngestion(g)
		return
	}
	if g.pending > 0 && !g.scheduled {
		g.scheduled = true
		gen := g.timerGen
		g.timer = time.AfterFunc(g.cfg.TriggerInterval, func() {
			c.onTimer(g, gen)
		})
	}
}

func (c *Channel) onTimer(g *group, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.groups[g.cfg.Name] != g || g.timerGen != gen {
		return
	}
	g.scheduled = false
	g.timer = nil
	c.triggerIngestion(g)
}

func (c *Channel) cancelTimer(g *group) {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.scheduled = false
	g.timerGen++
}

// triggerIngestion must be called with c.mu held. It reserves a parallel
// request slot and leaves reading the rows to the batch goroutine.
func (c *Channel) triggerIngestion(g *group) {
	c.cancelTimer(g)
	if c.closed || !g.enabled || g.paused {
		return
	}
	if len(g.inflight) >= g.cfg.MaxParallelRequests {
		c.logger.Debug("max parallel requests reached, waiting", "group", g.cfg.Name)
		return
	}
	if g.pending <= 0 {
		g.pending = 0
		return
	}

	limit := min(g.pending, g.cfg.TriggerCount)
	g.pending -= limit

	sender := g.cfg.Sender
	if sender == nil {
		sender = c.sender
	}
	ctx, cancel := context.WithCancel(c.ctx)
	b := &batch{
		group:    g.cfg.Name,
		limit:    limit,
		listener: g.cfg.Listener,
		sender:   sender,
		ctx:      ctx,
		cancel:   cancel,
	}
	g.inflight[b] = struct{}{}

	c.wg.Add(1)
	go c.send(g, b)

	c.checkPendingLogs(g)
}

func (c *Channel) send(g *group, b *batch) {
	defer c.wg.Done()
	defer b.cancel()

	name := b.group
	batchID, records := c.store.GetLogs(context.Background(), name, b.limit)

	c.mu.Lock()
	if _, ok := g.inflight[b]; !ok || c.closed || c.groups[name] != g {
		c.mu.Unlock()
		if batchID != "" {
			c.store.ReleaseBatch(name, batchID)
		}
		return
	}
	if batchID == "" {
		// Rows counted as pending were evicted or already batched.
		delete(g.inflight, b)
		c.checkPendingLogs(g)
		c.mu.Unlock()
		return
	}
	b.id = batchID
	b.records = records
	c.mu.Unlock()

	if b.listener != nil {
		for _, rec := range records {
			b.listener.OnBeforeSending(rec)
		}
	}
	err := b.sender.SendBatch(b.ctx, records)
	c.complete(g, b, err)
}

func (c *Channel) complete(g *group, b *batch, err error) {
	name := b.group
	c.mu.Lock()
	if _, ok := g.inflight[b]; !ok || c.groups[name] != g {
		notify := b.notifyCancel
		c.mu.Unlock()
		if notify && b.listener != nil {
			for _, rec := range b.records {
				b.listener.OnFailure(rec, ErrCanceled)
			}
		}
		return
	}
	// Removing the batch claims its outcome; the rows stay hidden from
	// other batches until DeleteBatch below.
	delete(g.inflight, b)
	c.mu.Unlock()

	if delErr := c.store.DeleteBatch(context.Background(), name, b.id); delErr != nil {
		c.logger.Error("failed to delete batch", "group", name, "batch_id", b.id, "error", delErr)
	}
	if err != nil {
		c.logger.Warn("failed to send batch",
			"group", name,
			"batch_id", b.id,
			"count", len(b.records),
			"error", err,
		)
	} else {
		c.logger.Debug("sent batch", "group", name, "batch_id", b.id, "count", len(b.records))
	}

	c.mu.Lock()
	if c.groups[name] == g {
		c.checkPendingLogs(g)
	}
	c.mu.Unlock()

	if b.listener == nil {
		return
	}
	for _, rec := range b.records {
		if err != nil {
			b.listener.OnFailure(rec, err)
		} else {
			b.listener.OnSuccess(rec)
		}
	}
}
