package daemon

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"golang.org/x/sync/errgroup"

	"github.com/Chichichkin/TelemetryAgent/internal/logging"
)

const recordType = "log_line"

// LogDaemonService discovers *.log files under a root directory, tails them
// on a fixed pool of workers and enqueues every new line as a record.
type LogDaemonService struct {
	config    Config
	enqueuer  logging.Enqueuer
	fileQueue chan string
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	metrics   *LogDaemonMetrics
	logger    *slog.Logger

	mu        sync.Mutex
	seenFiles map[string]struct{}
	tailing   map[string]struct{}
}

type Config struct {
	LogRootPath   string
	ScanInterval  time.Duration
	Workers       int
	FileQueueSize int
	NodeName      string
	// Group receives the enqueued records.
	Group string
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	MetricsInterval time.Duration
	Logger          *slog.Logger
}

type linePayload struct {
	Message string            `json:"message"`
	File    string            `json:"file"`
	Labels  map[string]string `json:"labels,omitempty"`
}

func NewLogDaemonService(ctx context.Context, config Config, enqueuer logging.Enqueuer, metrics *LogDaemonMetrics) *LogDaemonService {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.FileQueueSize < 1 {
		config.FileQueueSize = 1
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &LogDaemonMetrics{}
	}
	metrics.setQueueCapacity(config.FileQueueSize)

	nCtx, cancel := context.WithCancel(ctx)
	return &LogDaemonService{
		config:    config,
		enqueuer:  enqueuer,
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		metrics:   metrics,
		logger:    logger.With("component", "daemon"),
		seenFiles: make(map[string]struct{}),
		tailing:   make(map[string]struct{}),
	}
}

func (s *LogDaemonService) Metrics() *LogDaemonMetrics {
	return s.metrics
}

func (s *LogDaemonService) Start() {
	s.logger.Info("starting log daemon service",
		"root", s.config.LogRootPath,
		"workers", s.config.Workers,
		"queue_size", s.config.FileQueueSize,
		"group", s.config.Group,
	)

	g, ctx := errgroup.WithContext(s.ctx)
	s.group = g
	for i := 0; i < s.config.Workers; i++ {
		id := i
		g.Go(func() error {
			s.worker(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		s.scanner(ctx)
		return nil
	})
	g.Go(func() error {
		s.metricsReporter(ctx)
		return nil
	})
}

func (s *LogDaemonService) Stop() {
	s.logger.Info("stopping log daemon service")
	s.cancel()
	if s.group != nil {
		_ = s.group.Wait()
	}
	s.logger.Info("log daemon service stopped")
}

func (s *LogDaemonService) worker(ctx context.Context, id int) {
	s.metrics.IncWorkersActive()
	defer s.metrics.DecWorkersActive()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", "worker", id, "panic", r)
		}
	}()

	for {
		select {
		case filePath := <-s.fileQueue:
			s.metrics.DecAmountQueueFiles()
			s.metrics.IncWorkersBusy()
			s.processFile(ctx, filePath)
			s.metrics.DecWorkersBusy()
			s.release(filePath)

		case <-ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) processFile(ctx context.Context, filePath string) {
	defer s.metrics.IncFilesProcessed()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("file processing panicked", "file", filePath, "panic", r)
			s.metrics.IncFilesFailed()
		}
	}()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Error("failed to tail file", "file", filePath, "error", err)
		s.metrics.IncFilesFailed()
		return
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	labels := s.extractLabels(filePath)
	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.logger.Warn("error reading file", "file", filePath, "error", line.Err)
				continue
			}

			s.enqueueLine(filePath, line.Text, labels)
			lastActivity = time.Now()

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.logger.Debug("file idle, stop tailing", "file", filePath)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) enqueueLine(filePath, text string, labels map[string]string) {
	payload, err := json.Marshal(linePayload{
		Message: text,
		File:    filePath,
		Labels:  labels,
	})
	if err != nil {
		s.logger.Error("failed to encode line", "file", filePath, "error", err)
		return
	}
	s.enqueuer.Enqueue(logging.Record{
		Type:      recordType,
		Timestamp: time.Now(),
		Payload:   payload,
	}, s.config.Group)
	s.metrics.IncLinesEnqueued()
}

func (s *LogDaemonService) scanner(ctx context.Context) {
	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		s.scanFiles(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// scanFiles queues every discovered file that is not already being tailed.
func (s *LogDaemonService) scanFiles(ctx context.Context) {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Error("error discovering log files", "error", err)
		return
	}

	for _, file := range files {
		if !s.claim(file) {
			continue
		}
		select {
		case s.fileQueue <- file:
			s.metrics.IncAmountQueueFiles()
		case <-ctx.Done():
			s.release(file)
			return
		default:
			s.release(file)
			s.logger.Warn("file queue full, skipping file",
				"queued", len(s.fileQueue),
				"capacity", cap(s.fileQueue),
				"file", file,
			)
		}
	}
}

func (s *LogDaemonService) claim(file string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seenFiles[file]; !ok {
		s.seenFiles[file] = struct{}{}
		s.metrics.IncFilesDiscovered()
	}
	if _, ok := s.tailing[file]; ok {
		return false
	}
	s.tailing[file] = struct{}{}
	return true
}

func (s *LogDaemonService) release(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tailing, file)
}

func (s *LogDaemonService) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m := s.metrics.GetMetricsStamp()
			s.logger.Info("metrics",
				"workers_active", m.WorkersActive,
				"workers_busy", m.WorkersBusy,
				"queued_files", m.QueuedFiles,
				"queue_usage_pct", int(s.metrics.GetQueueUsage()*100),
				"files_processed", m.FilesProcessed,
				"files_discovered", m.FilesDiscovered,
				"files_failed", m.FilesFailed,
				"lines_enqueued", m.LinesEnqueued,
				"logs_delivered", m.LogsDelivered,
				"logs_failed", m.LogsFailed,
			)

		case <-ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.WalkDir(s.config.LogRootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("error accessing path", "path", path, "error", err)
			return nil
		}

		if !d.IsDir() && strings.HasSuffix(d.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels derives Kubernetes labels from a path laid out as
// <root>/<namespace>_<pod>_<uid>/<container>/<file>.
func (s *LogDaemonService) extractLabels(filePath string) map[string]string {
	labels := map[string]string{
		"node": s.config.NodeName,
		"file": filepath.Base(filePath),
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return labels
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) >= 2 {
		podParts := strings.Split(parts[0], "_")
		if len(podParts) >= 3 {
			labels["namespace"] = podParts[0]
			labels["pod"] = podParts[1]
			labels["pod_uid"] = podParts[2]
		}

		if len(parts) >= 3 {
			labels["container"] = parts[1]
		}
	}

	return labels
}
