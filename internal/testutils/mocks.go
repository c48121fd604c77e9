package testutils

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/TelemetryAgent/internal/logging"
)

// MockSender records every batch it receives. Errors are returned in order,
// the last one repeating; Block makes each call wait for Release or ctx.
type MockSender struct {
	SentBatches [][]logging.Record
	Errors      []error
	Delay       time.Duration
	Block       bool

	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (m *MockSender) SendBatch(ctx context.Context, batch []logging.Record) error {
	m.mu.Lock()
	m.calls++
	copied := make([]logging.Record, len(batch))
	copy(copied, batch)
	m.SentBatches = append(m.SentBatches, copied)
	var err error
	if len(m.Errors) > 0 {
		err = m.Errors[0]
		if len(m.Errors) > 1 {
			m.Errors = m.Errors[1:]
		}
	}
	if m.Block && m.release == nil {
		m.release = make(chan struct{})
	}
	release := m.release
	block := m.Block
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if block {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Release unblocks every call waiting in SendBatch and stops blocking.
func (m *MockSender) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Block = false
	if m.release != nil {
		close(m.release)
		m.release = nil
	}
}

func (m *MockSender) GetSentBatches() [][]logging.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]logging.Record, len(m.SentBatches))
	copy(out, m.SentBatches)
	return out
}

func (m *MockSender) GetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type Outcome struct {
	ID  string
	Err error
}

// RecordingListener records group listener callbacks in call order.
type RecordingListener struct {
	mu        sync.Mutex
	Before    []string
	Successes []string
	Failures  []Outcome
}

func (l *RecordingListener) OnBeforeSending(rec logging.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Before = append(l.Before, rec.ID)
}

func (l *RecordingListener) OnSuccess(rec logging.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Successes = append(l.Successes, rec.ID)
}

func (l *RecordingListener) OnFailure(rec logging.Record, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Failures = append(l.Failures, Outcome{ID: rec.ID, Err: err})
}

func (l *RecordingListener) GetBefore() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Before...)
}

func (l *RecordingListener) GetSuccesses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Successes...)
}

func (l *RecordingListener) GetFailures() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Outcome(nil), l.Failures...)
}

// MockEnqueuer collects enqueued records.
type MockEnqueuer struct {
	Records      []logging.Record
	Groups       []string
	mu           sync.Mutex
	EnqueueDelay time.Duration
}

func (m *MockEnqueuer) Enqueue(rec logging.Record, group string) {
	if m.EnqueueDelay > 0 {
		time.Sleep(m.EnqueueDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, rec)
	m.Groups = append(m.Groups, group)
}

func (m *MockEnqueuer) GetRecords() []logging.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.Record(nil), m.Records...)
}

func (m *MockEnqueuer) GetGroups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Groups...)
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
