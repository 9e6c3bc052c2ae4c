package scanworker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"modelsentry/internal/config"
	"modelsentry/internal/events"
	"modelsentry/internal/metrics"
	"modelsentry/types"
)

// Queue is the persistence surface the worker polls. *store.Store satisfies
// it; tests substitute a fake.
type Queue interface {
	CountRunningScans(ctx context.Context) (int64, error)
	ClaimNextQueuedScan(ctx context.Context) (*types.ScanJob, error)
	GetModelFileByID(ctx context.Context, id string) (*types.ModelFile, error)
	CompleteScan(ctx context.Context, id string, findingCount int) error
	FailScan(ctx context.Context, id, errMsg string) error
}

// Analyzer produces findings for a stored model file.
type Analyzer interface {
	Analyze(path, declaredFormat string) ([]types.Finding, error)
}

// FindingRecorder turns analyzer findings into threats. *threat.Service
// satisfies it.
type FindingRecorder interface {
	RecordFinding(ctx context.Context, orgID, modelID, scanID string, finding types.Finding) (*types.Threat, error)
}

// Worker polls the scan queue, claims jobs, and runs static analysis on the
// claimed model files. Claiming uses a conditional UPDATE so several worker
// processes can share one queue safely.
type Worker struct {
	store    Queue
	analyzer Analyzer
	threats  FindingRecorder
	producer *events.Producer
	cfg      config.WorkerConfig
	log      *logrus.Entry

	// slots caps the number of scans this process runs at once.
	slots chan struct{}
}

// New creates a scan worker.
func New(st Queue, an Analyzer, threats FindingRecorder, producer *events.Producer, cfg config.WorkerConfig, log *logrus.Entry) *Worker {
	return &Worker{
		store:    st,
		analyzer: an,
		threats:  threats,
		producer: producer,
		cfg:      cfg,
		log:      log,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// pollPacer decides how long to wait before the next queue poll. Steady-state
// polls run at the configured interval; once consecutive failures reach the
// threshold the pacer switches to exponential backoff until a poll succeeds.
type pollPacer struct {
	base      time.Duration
	threshold int
	bo        *backoff.ExponentialBackOff
	failures  int
}

func newPollPacer(cfg config.WorkerConfig) *pollPacer {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.PollInterval
	bo.MaxInterval = cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &pollPacer{base: cfg.PollInterval, threshold: cfg.ErrorThreshold, bo: bo}
}

// next returns the wait before the next poll and whether the pacer is in
// backoff.
func (p *pollPacer) next() (time.Duration, bool) {
	if p.threshold > 0 && p.failures >= p.threshold {
		return p.bo.NextBackOff(), true
	}
	return p.base, false
}

func (p *pollPacer) failure() { p.failures++ }

func (p *pollPacer) success() {
	p.failures = 0
	p.bo.Reset()
}

// Run polls until ctx is cancelled. Repeated poll failures back off
// exponentially instead of hammering a struggling database; the first
// successful poll resets the backoff.
func (w *Worker) Run(ctx context.Context) {
	pacer := newPollPacer(w.cfg)

	w.log.WithFields(logrus.Fields{
		"poll_interval":  w.cfg.PollInterval,
		"max_concurrent": w.cfg.MaxConcurrent,
	}).Info("🔍 Scan worker started")

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		w.log.Info("🔍 Scan worker stopped")
	}()

	for {
		interval, backingOff := pacer.next()
		if backingOff {
			w.log.WithFields(logrus.Fields{
				"consecutive_errors": pacer.failures,
				"next_poll":          interval,
			}).Warn("🔍 Scan worker backing off")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := w.pollOnce(ctx, &wg); err != nil {
			pacer.failure()
			metrics.WorkerErrors.Inc()
			w.log.WithError(err).Error("Scan queue poll failed")
			continue
		}

		pacer.success()
	}
}

// pollOnce claims and dispatches queued scans until the concurrency slots or
// the queue run out. The running-scan count guards the cap across worker
// processes; the local slots channel guards it within this one.
func (w *Worker) pollOnce(ctx context.Context, wg *sync.WaitGroup) error {
	for {
		running, err := w.store.CountRunningScans(ctx)
		if err != nil {
			return err
		}
		if running >= w.cfg.MaxConcurrent {
			return nil
		}

		select {
		case w.slots <- struct{}{}:
		default:
			// All slots busy; try again next tick.
			return nil
		}

		job, err := w.store.ClaimNextQueuedScan(ctx)
		if err != nil {
			<-w.slots
			return err
		}
		if job == nil {
			<-w.slots
			return nil
		}

		metrics.RunningScans.Inc()
		w.producer.PublishSystem(ctx, events.ScanStartedEvent, job.OrganizationID, map[string]interface{}{
			"scan_id":       job.ID,
			"model_file_id": job.ModelFileID,
		})

		wg.Add(1)
		go func(job *types.ScanJob) {
			defer wg.Done()
			defer func() { <-w.slots }()
			defer metrics.RunningScans.Dec()
			w.execute(ctx, job)
		}(job)
	}
}

// execute runs static analysis for one claimed job and records its findings
// as threats.
func (w *Worker) execute(ctx context.Context, job *types.ScanJob) {
	start := time.Now()
	log := w.log.WithFields(logrus.Fields{
		"scan_id":       job.ID,
		"model_file_id": job.ModelFileID,
	})

	file, err := w.store.GetModelFileByID(ctx, job.ModelFileID)
	if err != nil {
		w.fail(ctx, job, "failed to load model file", err, log)
		return
	}
	if file == nil || !file.Active {
		w.fail(ctx, job, "model file missing or deleted", nil, log)
		return
	}

	findings, err := w.analyzer.Analyze(file.StoragePath, file.Format)
	if err != nil {
		w.fail(ctx, job, "analysis failed", err, log)
		return
	}

	for _, finding := range findings {
		if _, err := w.threats.RecordFinding(ctx, job.OrganizationID, file.ID, job.ID, finding); err != nil {
			log.WithError(err).WithField("finding_type", finding.Type).Error("Failed to record finding")
		}
	}

	if err := w.store.CompleteScan(ctx, job.ID, len(findings)); err != nil {
		log.WithError(err).Error("Failed to mark scan completed")
		return
	}

	metrics.ScanDuration.Observe(time.Since(start).Seconds())
	w.producer.PublishSystem(ctx, events.ScanCompletedEvent, job.OrganizationID, map[string]interface{}{
		"scan_id":       job.ID,
		"model_file_id": file.ID,
		"findings":      len(findings),
	})

	log.WithFields(logrus.Fields{
		"findings": len(findings),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("🔍 Scan completed")
}

func (w *Worker) fail(ctx context.Context, job *types.ScanJob, reason string, cause error, log *logrus.Entry) {
	metrics.WorkerErrors.Inc()
	if cause != nil {
		log.WithError(cause).Error("Scan failed: " + reason)
	} else {
		log.Error("Scan failed: " + reason)
	}

	if err := w.store.FailScan(ctx, job.ID, reason); err != nil {
		log.WithError(err).Error("Failed to mark scan failed")
	}

	w.producer.PublishSystem(ctx, events.ScanFailedEvent, job.OrganizationID, map[string]interface{}{
		"scan_id": job.ID,
		"reason":  reason,
	})
}
