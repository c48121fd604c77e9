package channel

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/TelemetryAgent/internal/logging"
	"github.com/Chichichkin/TelemetryAgent/internal/logging/ingestion"
	"github.com/Chichichkin/TelemetryAgent/internal/logging/persistence"
	"github.com/Chichichkin/TelemetryAgent/internal/logging/retry"
	"github.com/Chichichkin/TelemetryAgent/internal/netstate"
	"github.com/Chichichkin/TelemetryAgent/internal/testutils"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	// quiet is how long a test waits to check that nothing happens.
	quiet = 80 * time.Millisecond
)

func openStore(t *testing.T) *persistence.Persistence {
	t.Helper()
	p, err := persistence.Open(context.Background(), persistence.Options{
		Path: filepath.Join(t.TempDir(), "channel.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newTestChannel(t *testing.T, store Store, sender logging.Sender) *Channel {
	t.Helper()
	c := New(store, sender, Options{})
	t.Cleanup(c.Shutdown)
	return c
}

func rec(id string) logging.Record {
	return logging.Record{ID: id, Type: "event", Payload: json.RawMessage(`{"k":"v"}`)}
}

func batchIDs(batch []logging.Record) []string {
	ids := make([]string, 0, len(batch))
	for _, r := range batch {
		ids = append(ids, r.ID)
	}
	return ids
}

func groupConfig(name string, count int, interval time.Duration, parallel int, l logging.GroupListener) GroupConfig {
	return GroupConfig{
		Name: name,
		Config: logging.Config{
			TriggerCount:        count,
			TriggerInterval:     interval,
			MaxParallelRequests: parallel,
		},
		Listener: l,
	}
}

func TestChannel_CountTriggerScenario(t *testing.T) {
	store := openStore(t)
	sender := &testutils.MockSender{}
	listener := &testutils.RecordingListener{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 3, time.Minute, 3, listener)))

	c.Enqueue(rec("A"), "events")
	c.Enqueue(rec("B"), "events")

	time.Sleep(quiet)
	assert.Equal(t, 0, sender.GetCalls(), "no flush below the trigger count")
	stats, ok := c.Stats("events")
	require.True(t, ok)
	assert.Equal(t, 2, stats.Pending)

	c.Enqueue(rec("C"), "events")

	assert.Eventually(t, func() bool { return len(listener.GetSuccesses()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"A", "B", "C"}, listener.GetSuccesses())
	assert.Equal(t, []string{"A", "B", "C"}, listener.GetBefore())
	assert.Empty(t, listener.GetFailures())

	batches := sender.GetSentBatches()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"A", "B", "C"}, batchIDs(batches[0]))

	assert.Eventually(t, func() bool { return store.CountLogs(context.Background(), "events") == 0 }, waitFor, tick)

	time.Sleep(quiet)
	assert.Equal(t, 1, sender.GetCalls(), "no further flush until the next log")
}

func TestChannel_TimeTrigger(t *testing.T) {
	store := openStore(t)
	sender := &testutils.MockSender{}
	listener := &testutils.RecordingListener{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 50, 40*time.Millisecond, 1, listener)))

	c.Enqueue(rec("only"), "events")

	assert.Eventually(t, func() bool { return sender.GetCalls() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"only"}, batchIDs(sender.GetSentBatches()[0]))

	time.Sleep(quiet)
	assert.Equal(t, 1, sender.GetCalls())
	assert.Equal(t, []string{"only"}, listener.GetSuccesses())
}

func TestChannel_ParallelismCap(t *testing.T) {
	store := openStore(t)
	sender := &testutils.MockSender{Block: true}
	listener := &testutils.RecordingListener{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 2, time.Minute, 1, listener)))

	c.Enqueue(rec("a1"), "events")
	c.Enqueue(rec("a2"), "events")
	assert.Eventually(t, func() bool { return sender.GetCalls() == 1 }, waitFor, tick)

	c.Enqueue(rec("b1"), "events")
	c.Enqueue(rec("b2"), "events")
	time.Sleep(quiet)
	assert.Equal(t, 1, sender.GetCalls(), "second batch waits for the first")
	stats, _ := c.Stats("events")
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.InFlight)

	sender.Release()

	assert.Eventually(t, func() bool { return len(listener.GetSuccesses()) == 4 }, waitFor, tick)
	batches := sender.GetSentBatches()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"a1", "a2"}, batchIDs(batches[0]))
	assert.Equal(t, []string{"b1", "b2"}, batchIDs(batches[1]))
}

func TestChannel_DisabledGroupDropsLogs(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sender := &testutils.MockSender{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 1, time.Millisecond, 1, nil)))

	require.NoError(t, c.SetEnabled("events", false))
	c.Enqueue(rec("dropped"), "events")

	time.Sleep(quiet)
	assert.Equal(t, 0, store.CountLogs(ctx, "events"))
	assert.Equal(t, 0, sender.GetCalls())

	require.NoError(t, c.SetEnabled("events", true))
	c.Enqueue(rec("kept"), "events")
	assert.Eventually(t, func() bool { return sender.GetCalls() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"kept"}, batchIDs(sender.GetSentBatches()[0]))
}

func TestChannel_DisableCancelsInFlight(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sender := &testutils.MockSender{Block: true}
	listener := &testutils.RecordingListener{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 2, time.Minute, 1, listener)))

	c.Enqueue(rec("a"), "events")
	c.Enqueue(rec("b"), "events")
	c.Enqueue(rec("backlog"), "events")
	assert.Eventually(t, func() bool { return sender.GetCalls() == 1 }, waitFor, tick)

	require.NoError(t, c.SetEnabled("events", false))

	assert.Eventually(t, func() bool { return len(listener.GetFailures()) == 2 }, waitFor, tick)
	for _, f := range listener.GetFailures() {
		assert.ErrorIs(t, f.Err, ErrCanceled)
	}
	assert.Equal(t, 0, store.CountLogs(ctx, "events"))

	time.Sleep(quiet)
	assert.Len(t, listener.GetFailures(), 2, "exactly one outcome per record")
	assert.Empty(t, listener.GetSuccesses())
}

func TestChannel_RetryExhaustion(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	transport := &testutils.MockSender{Errors: []error{&ingestion.HTTPError{StatusCode: 503}}}
	var waits []time.Duration
	sender := retry.New(transport, retry.Options{
		Intervals: []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond},
		OnRetry:   func(attempt int, wait time.Duration, err error) { waits = append(waits, wait) },
	})
	listener := &testutils.RecordingListener{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 2, time.Minute, 1, listener)))

	c.Enqueue(rec("a"), "events")
	c.Enqueue(rec("b"), "events")

	assert.Eventually(t, func() bool { return len(listener.GetFailures()) == 2 }, waitFor, tick)
	assert.Equal(t, 4, transport.GetCalls())
	require.Len(t, waits, 3)
	for i := 1; i < len(waits); i++ {
		assert.GreaterOrEqual(t, waits[i], waits[i-1])
	}
	for _, f := range listener.GetFailures() {
		var httpErr *ingestion.HTTPError
		require.True(t, errors.As(f.Err, &httpErr))
		assert.Equal(t, 503, httpErr.StatusCode)
	}
	assert.Eventually(t, func() bool { return store.CountLogs(ctx, "events") == 0 }, waitFor, tick)
}

func TestChannel_FatalFailureDeletesRows(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sender := &testutils.MockSender{Errors: []error{&ingestion.HTTPError{StatusCode: 400}}}
	listener := &testutils.RecordingListener{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 1, time.Minute, 1, listener)))

	c.Enqueue(rec("bad"), "events")

	assert.Eventually(t, func() bool { return len(listener.GetFailures()) == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return store.CountLogs(ctx, "events") == 0 }, waitFor, tick)
}

type failingStore struct {
	*persistence.Persistence
	err error
}

func (f failingStore) PutLog(ctx context.Context, rec logging.Record) (int64, error) {
	return 0, f.err
}

func TestChannel_PersistFailureNotifiesListener(t *testing.T) {
	storeErr := errors.New("disk full")
	store := failingStore{Persistence: openStore(t), err: storeErr}
	sender := &testutils.MockSender{}
	listener := &testutils.RecordingListener{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 1, time.Minute, 1, listener)))

	c.Enqueue(rec("lost"), "events")

	assert.Equal(t, []string{"lost"}, listener.GetBefore())
	failures := listener.GetFailures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, storeErr)
	assert.Equal(t, 0, sender.GetCalls())
}

func TestChannel_PauseResume(t *testing.T) {
	store := openStore(t)
	sender := &testutils.MockSender{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 2, 20*time.Millisecond, 1, nil)))

	require.NoError(t, c.PauseGroup("events"))
	c.Enqueue(rec("a"), "events")
	c.Enqueue(rec("b"), "events")
	time.Sleep(quiet)
	assert.Equal(t, 0, sender.GetCalls())
	stats, _ := c.Stats("events")
	assert.True(t, stats.Paused)
	assert.Equal(t, 2, stats.Pending)

	require.NoError(t, c.ResumeGroup("events"))
	assert.Eventually(t, func() bool { return sender.GetCalls() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b"}, batchIDs(sender.GetSentBatches()[0]))
}

type decoratingListener struct{}

func (decoratingListener) OnPreparingLog(rec *logging.Record, group string) {
	rec.Type = "decorated"
}

func (decoratingListener) ShouldFilter(rec logging.Record) bool {
	return rec.ID == "secret"
}

func TestChannel_ListenersDecorateAndFilter(t *testing.T) {
	store := openStore(t)
	sender := &testutils.MockSender{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 2, 20*time.Millisecond, 1, nil)))
	l := decoratingListener{}
	c.AddListener(l)

	c.Enqueue(rec("secret"), "events")
	c.Enqueue(rec("public"), "events")

	assert.Eventually(t, func() bool { return sender.GetCalls() == 1 }, waitFor, tick)
	batch := sender.GetSentBatches()[0]
	require.Len(t, batch, 1)
	assert.Equal(t, "public", batch[0].ID)
	assert.Equal(t, "decorated", batch[0].Type)
	assert.Equal(t, "events", batch[0].Group)

	c.RemoveListener(l)
	c.Enqueue(rec("secret"), "events")
	assert.Eventually(t, func() bool { return sender.GetCalls() == 2 }, waitFor, tick)
}

func TestChannel_EnqueueFillsDefaults(t *testing.T) {
	store := openStore(t)
	sender := &testutils.MockSender{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 1, time.Minute, 1, nil)))

	c.Enqueue(logging.Record{Type: "event"}, "events")

	assert.Eventually(t, func() bool { return sender.GetCalls() == 1 }, waitFor, tick)
	got := sender.GetSentBatches()[0][0]
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestChannel_ShutdownKeepsRows(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sender := &testutils.MockSender{Block: true}
	listener := &testutils.RecordingListener{}
	c := New(store, sender, Options{})
	require.NoError(t, c.AddGroup(groupConfig("events", 2, time.Minute, 1, listener)))

	c.Enqueue(rec("a"), "events")
	c.Enqueue(rec("b"), "events")
	assert.Eventually(t, func() bool { return sender.GetCalls() == 1 }, waitFor, tick)

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("shutdown did not wait for cancelled sends")
	}

	assert.Empty(t, listener.GetSuccesses())
	assert.Empty(t, listener.GetFailures())
	assert.Equal(t, 2, store.CountLogs(ctx, "events"))

	c.Enqueue(rec("late"), "events")
	assert.Equal(t, 2, store.CountLogs(ctx, "events"))

	t.Run("new channel resumes backlog", func(t *testing.T) {
		next := &testutils.MockSender{}
		resumed := newTestChannel(t, store, next)
		require.NoError(t, resumed.AddGroup(groupConfig("events", 2, time.Minute, 1, nil)))
		assert.Eventually(t, func() bool { return next.GetCalls() == 1 }, waitFor, tick)
		assert.Equal(t, []string{"a", "b"}, batchIDs(next.GetSentBatches()[0]))
	})
}

func TestChannel_RemoveGroupCancelsSilently(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sender := &testutils.MockSender{Block: true}
	listener := &testutils.RecordingListener{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 1, time.Minute, 1, listener)))

	c.Enqueue(rec("a"), "events")
	assert.Eventually(t, func() bool { return sender.GetCalls() == 1 }, waitFor, tick)

	c.RemoveGroup("events")
	time.Sleep(quiet)

	assert.Empty(t, listener.GetFailures())
	assert.Empty(t, listener.GetSuccesses())
	assert.Equal(t, 1, store.CountLogs(ctx, "events"))
	_, ok := c.Stats("events")
	assert.False(t, ok)
	assert.ErrorIs(t, c.SetEnabled("events", false), ErrUnknownGroup)
}

func TestChannel_Clear(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sender := &testutils.MockSender{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 10, time.Minute, 1, nil)))

	c.Enqueue(rec("a"), "events")
	c.Enqueue(rec("b"), "events")
	require.NoError(t, c.Clear("events"))

	assert.Equal(t, 0, store.CountLogs(ctx, "events"))
	stats, _ := c.Stats("events")
	assert.Equal(t, 0, stats.Pending)
	assert.ErrorIs(t, c.Clear("missing"), ErrUnknownGroup)
}

func TestChannel_AddGroupValidation(t *testing.T) {
	c := newTestChannel(t, openStore(t), &testutils.MockSender{})

	tests := []struct {
		name string
		cfg  GroupConfig
	}{
		{"empty name", groupConfig("", 1, time.Second, 1, nil)},
		{"zero trigger count", groupConfig("g", 0, time.Second, 1, nil)},
		{"negative interval", groupConfig("g", 1, -time.Second, 1, nil)},
		{"zero parallel", groupConfig("g", 1, time.Second, 0, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, c.AddGroup(tt.cfg), ErrInvalidGroup)
		})
	}

	noSender := newTestChannel(t, openStore(t), nil)
	assert.ErrorIs(t, noSender.AddGroup(groupConfig("g", 1, time.Second, 1, nil)), ErrInvalidGroup)
}

func TestChannel_AddGroupIsIdempotent(t *testing.T) {
	store := openStore(t)
	sender := &testutils.MockSender{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 5, time.Minute, 1, nil)))

	c.Enqueue(rec("a"), "events")
	c.Enqueue(rec("b"), "events")

	require.NoError(t, c.AddGroup(groupConfig("events", 2, time.Minute, 1, nil)))
	assert.Eventually(t, func() bool { return sender.GetCalls() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b"}, batchIDs(sender.GetSentBatches()[0]))
}

func TestChannel_GroupSenderOverride(t *testing.T) {
	store := openStore(t)
	defaultSender := &testutils.MockSender{}
	groupSender := &testutils.MockSender{}
	c := newTestChannel(t, store, defaultSender)

	cfg := groupConfig("custom", 1, time.Minute, 1, nil)
	cfg.Sender = groupSender
	require.NoError(t, c.AddGroup(cfg))
	require.NoError(t, c.AddGroup(groupConfig("default", 1, time.Minute, 1, nil)))

	c.Enqueue(rec("x"), "custom")
	c.Enqueue(rec("y"), "default")

	assert.Eventually(t, func() bool {
		return groupSender.GetCalls() == 1 && defaultSender.GetCalls() == 1
	}, waitFor, tick)
	assert.Equal(t, "x", groupSender.GetSentBatches()[0][0].ID)
	assert.Equal(t, "y", defaultSender.GetSentBatches()[0][0].ID)
}

func TestChannel_SetMaxStorageSize(t *testing.T) {
	c := newTestChannel(t, openStore(t), &testutils.MockSender{})

	assert.False(t, c.SetMaxStorageSize(10))
	assert.True(t, c.SetMaxStorageSize(1<<20))
}

func TestChannel_RetryDelayHoldsNoSendSlot(t *testing.T) {
	var failing, delivered atomic.Int32
	transport := logging.SenderFunc(func(ctx context.Context, batch []logging.Record) error {
		if batch[0].Group == "flaky" {
			failing.Add(1)
			return &ingestion.HTTPError{StatusCode: 503}
		}
		delivered.Add(1)
		return nil
	})
	sender := retry.New(logging.NewLimitedSender(transport, 1), retry.Options{
		Intervals: []time.Duration{time.Hour},
	})
	c := newTestChannel(t, openStore(t), sender)
	require.NoError(t, c.AddGroup(groupConfig("flaky", 1, time.Minute, 1, nil)))
	require.NoError(t, c.AddGroup(groupConfig("healthy", 1, time.Minute, 1, nil)))

	c.Enqueue(rec("f1"), "flaky")
	assert.Eventually(t, func() bool { return failing.Load() == 1 }, waitFor, tick)

	c.Enqueue(rec("h1"), "healthy")
	assert.Eventually(t, func() bool { return delivered.Load() == 1 }, waitFor, tick,
		"a group waiting to retry must not block other groups")

	stats, _ := c.Stats("flaky")
	assert.Equal(t, 1, stats.InFlight)
}

// slowPutStore blocks PutLog for one group until released.
type slowPutStore struct {
	*persistence.Persistence
	group   string
	entered chan struct{}
	release chan struct{}
}

func (s slowPutStore) PutLog(ctx context.Context, rec logging.Record) (int64, error) {
	if rec.Group == s.group {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.Persistence.PutLog(ctx, rec)
}

func TestChannel_StoreWriteDoesNotBlockOtherGroups(t *testing.T) {
	store := slowPutStore{
		Persistence: openStore(t),
		group:       "slow",
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(store.release) }) }
	t.Cleanup(release)

	sender := &testutils.MockSender{}
	c := newTestChannel(t, store, sender)
	require.NoError(t, c.AddGroup(groupConfig("slow", 1, time.Minute, 1, nil)))
	require.NoError(t, c.AddGroup(groupConfig("fast", 1, time.Minute, 1, nil)))

	go c.Enqueue(rec("s"), "slow")
	select {
	case <-store.entered:
	case <-time.After(waitFor):
		t.Fatal("store write did not start")
	}

	done := make(chan struct{})
	go func() {
		c.Enqueue(rec("f"), "fast")
		_, _ = c.Stats("slow")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("channel blocked behind another group's store write")
	}
	assert.Eventually(t, func() bool { return sender.GetCalls() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"f"}, batchIDs(sender.GetSentBatches()[0]))

	release()
	assert.Eventually(t, func() bool { return sender.GetCalls() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"s"}, batchIDs(sender.GetSentBatches()[1]))
}

func TestChannel_NetworkLossReissuesBatch(t *testing.T) {
	monitor := netstate.NewMonitor(true, netstate.MonitorOptions{})
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	transport := logging.SenderFunc(func(ctx context.Context, batch []logging.Record) error {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	netSender := netstate.NewSender(logging.NewLimitedSender(transport, 1), monitor, nil)
	t.Cleanup(netSender.Close)
	sender := retry.New(netSender, retry.Options{Intervals: []time.Duration{time.Hour}})

	listener := &testutils.RecordingListener{}
	c := newTestChannel(t, openStore(t), sender)
	require.NoError(t, c.AddGroup(groupConfig("events", 2, time.Minute, 1, listener)))

	c.Enqueue(rec("a"), "events")
	c.Enqueue(rec("b"), "events")
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("batch was not sent")
	}

	monitor.SetConnected(false)
	time.Sleep(quiet)
	assert.Empty(t, listener.GetSuccesses())
	assert.Empty(t, listener.GetFailures(), "network loss is not a delivery failure")
	stats, _ := c.Stats("events")
	assert.Equal(t, 1, stats.InFlight)

	monitor.SetConnected(true)
	assert.Eventually(t, func() bool { return len(listener.GetSuccesses()) == 2 }, waitFor, tick)
	assert.Equal(t, int32(2), calls.Load())

	time.Sleep(quiet)
	assert.Equal(t, []string{"a", "b"}, listener.GetSuccesses(), "exactly one outcome per record")
	assert.Empty(t, listener.GetFailures())
	assert.Equal(t, []string{"a", "b"}, listener.GetBefore())
}
