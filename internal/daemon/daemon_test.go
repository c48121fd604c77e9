package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/TelemetryAgent/internal/logging"
	"github.com/Chichichkin/TelemetryAgent/internal/testutils"
)

const defaultScanInterval = 10 * time.Millisecond

func makeTestConfig(root string) Config {
	return Config{
		LogRootPath:   root,
		ScanInterval:  defaultScanInterval,
		Workers:       2,
		FileQueueSize: 10,
		NodeName:      "node-1",
		Group:         "pods",
	}
}

func TestDaemonService_ContextCancellation(t *testing.T) {
	mockEnqueuer := &testutils.MockEnqueuer{}
	config := makeTestConfig(t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	s := NewLogDaemonService(ctx, config, mockEnqueuer, nil)
	s.Start()

	assert.Eventually(t, func() bool {
		return s.metrics.GetMetricsStamp().WorkersActive == 2
	}, time.Second, 5*time.Millisecond)

	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("service did not stop after context cancellation")
	}
	assert.Equal(t, 0, s.metrics.GetMetricsStamp().WorkersActive)
}

func TestExtractLabels(t *testing.T) {
	config := makeTestConfig("/var/log/pods")
	s := NewLogDaemonService(context.Background(), config, &testutils.MockEnqueuer{}, nil)

	path := "/var/log/pods/default_pod-1_uid123/container-1/app.log"
	labels := s.extractLabels(path)
	assert.Equal(t, "node-1", labels["node"])
	assert.Equal(t, "app.log", labels["file"])
	assert.Equal(t, "default", labels["namespace"])
	assert.Equal(t, "pod-1", labels["pod"])
	assert.Equal(t, "uid123", labels["pod_uid"])
	assert.Equal(t, "container-1", labels["container"])

	for _, shortPath := range []string{"/var/log/pods/a.log", "/tmp/a.log"} {
		labels = s.extractLabels(shortPath)
		assert.Equal(t, "node-1", labels["node"])
		assert.Equal(t, "a.log", labels["file"])
		_, hasNs := labels["namespace"]
		_, hasPod := labels["pod"]
		_, hasUID := labels["pod_uid"]
		_, hasContainer := labels["container"]
		assert.False(t, hasNs || hasPod || hasUID || hasContainer)
	}
}

func TestDiscoverLogFiles_UsesTempStructure(t *testing.T) {
	root := testutils.CreateTempLogStructure(t)
	s := NewLogDaemonService(context.TODO(), makeTestConfig(root), &testutils.MockEnqueuer{}, nil)

	files, err := s.discoverLogFiles()
	assert.NoError(t, err)
	assert.Equal(t, 6, len(files))
}

func TestScanner_QueuesEachFileOnce(t *testing.T) {
	tempDir := t.TempDir()

	_ = os.WriteFile(filepath.Join(tempDir, "a.log"), []byte("one\n"), 0644)
	_ = os.WriteFile(filepath.Join(tempDir, "b.log"), []byte("two\n"), 0644)
	_ = os.WriteFile(filepath.Join(tempDir, "c.txt"), []byte("ignore\n"), 0644)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s := NewLogDaemonService(ctx, makeTestConfig(tempDir), &testutils.MockEnqueuer{}, nil)

	s.scanFiles(ctx)
	s.scanFiles(ctx)

	metrics := s.metrics.GetMetricsStamp()
	assert.Equal(t, 2, metrics.QueuedFiles, "files already claimed are not queued again")
	assert.Equal(t, 2, metrics.FilesDiscovered)
}

func TestScanner_QueueFull(t *testing.T) {
	root := testutils.CreateTempLogStructure(t)
	config := makeTestConfig(root)
	config.FileQueueSize = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewLogDaemonService(ctx, config, &testutils.MockEnqueuer{}, nil)

	s.scanFiles(ctx)
	assert.Equal(t, 2, s.metrics.GetMetricsStamp().QueuedFiles)
	assert.InDelta(t, 1.0, s.metrics.GetQueueUsage(), 1e-9)

	s.mu.Lock()
	tailing := len(s.tailing)
	s.mu.Unlock()
	assert.Equal(t, 2, tailing, "skipped files are released for the next scan")
}

func TestProcessFile_TailsAppendedLines(t *testing.T) {
	mockEnqueuer := &testutils.MockEnqueuer{}
	tempDir := t.TempDir()
	podDir := filepath.Join(tempDir, "default_web_uid1", "nginx")
	require.NoError(t, os.MkdirAll(podDir, 0755))
	file := filepath.Join(podDir, "0.log")
	require.NoError(t, os.WriteFile(file, []byte("start\n"), 0644))

	config := makeTestConfig(tempDir)
	config.ScanInterval = 100 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := NewLogDaemonService(ctx, config, mockEnqueuer, nil)

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return s.metrics.GetMetricsStamp().WorkersBusy == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString("l1\n")
	_, _ = f.WriteString("l2\n")
	_ = f.Close()

	assert.Eventually(t, func() bool {
		return len(mockEnqueuer.GetRecords()) >= 2
	}, 3*time.Second, 50*time.Millisecond)

	records := mockEnqueuer.GetRecords()
	require.GreaterOrEqual(t, len(records), 2)
	assert.Equal(t, recordType, records[0].Type)
	assert.False(t, records[0].Timestamp.IsZero())

	var payload linePayload
	require.NoError(t, json.Unmarshal(records[0].Payload, &payload))
	assert.Equal(t, "l1", payload.Message)
	assert.Equal(t, file, payload.File)
	assert.Equal(t, "web", payload.Labels["pod"])
	assert.Equal(t, "nginx", payload.Labels["container"])

	for _, g := range mockEnqueuer.GetGroups() {
		assert.Equal(t, "pods", g)
	}
	assert.GreaterOrEqual(t, s.metrics.GetMetricsStamp().LinesEnqueued, 2)
}

func TestDeliveryListener(t *testing.T) {
	metrics := &LogDaemonMetrics{}
	l := DeliveryListener{Metrics: metrics}

	rec := logging.Record{ID: "a"}
	l.OnBeforeSending(rec)
	l.OnSuccess(rec)
	l.OnSuccess(rec)
	l.OnFailure(rec, errors.New("boom"))

	stamp := metrics.GetMetricsStamp()
	assert.Equal(t, 2, stamp.LogsDelivered)
	assert.Equal(t, 1, stamp.LogsFailed)
}
