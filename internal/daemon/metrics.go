package daemon

import (
	"sync"

	"github.com/Chichichkin/TelemetryAgent/internal/logging"
)

type LogDaemonMetrics struct {
	FilesDiscovered    int
	FilesProcessed     int
	FilesFailed        int
	QueuedFiles        int
	FilesQueueCapacity int
	WorkersActive      int
	WorkersBusy        int
	LinesEnqueued      int
	LogsDelivered      int
	LogsFailed         int
	mu                 sync.RWMutex
}

func (m *LogDaemonMetrics) setQueueCapacity(capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesQueueCapacity = capacity
}

func (m *LogDaemonMetrics) add(counter *int, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*counter += delta
}

func (m *LogDaemonMetrics) IncFilesDiscovered()  { m.add(&m.FilesDiscovered, 1) }
func (m *LogDaemonMetrics) IncFilesProcessed()   { m.add(&m.FilesProcessed, 1) }
func (m *LogDaemonMetrics) IncFilesFailed()      { m.add(&m.FilesFailed, 1) }
func (m *LogDaemonMetrics) IncAmountQueueFiles() { m.add(&m.QueuedFiles, 1) }
func (m *LogDaemonMetrics) DecAmountQueueFiles() { m.add(&m.QueuedFiles, -1) }
func (m *LogDaemonMetrics) IncWorkersActive()    { m.add(&m.WorkersActive, 1) }
func (m *LogDaemonMetrics) DecWorkersActive()    { m.add(&m.WorkersActive, -1) }
func (m *LogDaemonMetrics) IncWorkersBusy()      { m.add(&m.WorkersBusy, 1) }
func (m *LogDaemonMetrics) DecWorkersBusy()      { m.add(&m.WorkersBusy, -1) }
func (m *LogDaemonMetrics) IncLinesEnqueued()    { m.add(&m.LinesEnqueued, 1) }
func (m *LogDaemonMetrics) IncLogsDelivered()    { m.add(&m.LogsDelivered, 1) }
func (m *LogDaemonMetrics) IncLogsFailed()       { m.add(&m.LogsFailed, 1) }

func (m *LogDaemonMetrics) GetMetricsStamp() LogDaemonMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return LogDaemonMetrics{
		FilesDiscovered:    m.FilesDiscovered,
		FilesProcessed:     m.FilesProcessed,
		FilesFailed:        m.FilesFailed,
		QueuedFiles:        m.QueuedFiles,
		FilesQueueCapacity: m.FilesQueueCapacity,
		WorkersActive:      m.WorkersActive,
		WorkersBusy:        m.WorkersBusy,
		LinesEnqueued:      m.LinesEnqueued,
		LogsDelivered:      m.LogsDelivered,
		LogsFailed:         m.LogsFailed,
	}
}

func (m *LogDaemonMetrics) GetQueueUsage() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FilesQueueCapacity == 0 {
		return 0
	}
	return float64(m.QueuedFiles) / float64(m.FilesQueueCapacity)
}

// DeliveryListener counts delivery outcomes reported by the channel.
type DeliveryListener struct {
	Metrics *LogDaemonMetrics
}

var _ logging.GroupListener = DeliveryListener{}

func (l DeliveryListener) OnBeforeSending(logging.Record) {}

func (l DeliveryListener) OnSuccess(logging.Record) {
	l.Metrics.IncLogsDelivered()
}

func (l DeliveryListener) OnFailure(logging.Record, error) {
	l.Metrics.IncLogsFailed()
}
