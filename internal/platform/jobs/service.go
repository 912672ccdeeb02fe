package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	JobConfirmations = "settlement_confirmations"
	JobReceiptSweep  = "receipt_sweep"
	JobRunRefresh    = "run_completion_refresh"
	JobResumePending = "settlement_resume_pending"
)

// Func is one pass of a background job; it reports how many records it moved.
type Func func(context.Context) (int, error)

type Metrics interface {
	JobRun(job string, err error, duration time.Duration)
}

type schedule struct {
	Type     string
	Interval time.Duration
	Run      Func
}

type job struct {
	Type string
	Run  Func
}

// Service runs jobs on a single worker. A job type that is already queued or
// running is not enqueued again, so slow passes never pile up.
type Service struct {
	DB        *pgxpool.Pool
	metrics   Metrics
	queue     chan job
	schedules []schedule

	mu     sync.Mutex
	active map[string]bool
}

func New(db *pgxpool.Pool, metrics Metrics) *Service {
	return &Service{
		DB:      db,
		metrics: metrics,
		queue:   make(chan job, 128),
		active:  map[string]bool{},
	}
}

// Schedule registers run to be enqueued every interval once Start is called.
// A non-positive interval disables the job.
func (s *Service) Schedule(jobType string, interval time.Duration, run Func) {
	if interval <= 0 {
		return
	}
	s.schedules = append(s.schedules, schedule{Type: jobType, Interval: interval, Run: run})
}

func (s *Service) Start(ctx context.Context) {
	go s.worker(ctx)
	for _, sc := range s.schedules {
		go s.tick(ctx, sc)
	}
}

func (s *Service) Enqueue(jobType string, run Func) bool {
	s.mu.Lock()
	if s.active[jobType] {
		s.mu.Unlock()
		return false
	}
	s.active[jobType] = true
	s.mu.Unlock()

	select {
	case s.queue <- job{Type: jobType, Run: run}:
		return true
	default:
		s.release(jobType)
		slog.Warn("job queue full", "jobType", jobType)
		return false
	}
}

func (s *Service) RunNow(ctx context.Context, jobType string, run Func) (int, error) {
	return s.runJob(ctx, job{Type: jobType, Run: run})
}

func (s *Service) release(jobType string) {
	s.mu.Lock()
	delete(s.active, jobType)
	s.mu.Unlock()
}

func (s *Service) tick(ctx context.Context, sc schedule) {
	ticker := time.NewTicker(sc.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Enqueue(sc.Type, sc.Run)
		}
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			if _, err := s.runJob(ctx, j); err != nil {
				slog.Warn("job run failed", "jobType", j.Type, "err", err)
			}
			s.release(j.Type)
		}
	}
}

func (s *Service) runJob(ctx context.Context, j job) (int, error) {
	runID := s.recordStart(ctx, j.Type)
	started := time.Now()

	processed, err := j.Run(ctx)
	if s.metrics != nil {
		s.metrics.JobRun(j.Type, err, time.Since(started))
	}
	if processed > 0 || err != nil {
		slog.Info("job run finished", "jobType", j.Type, "processed", processed, "durationMs", time.Since(started).Milliseconds(), "err", err)
	}
	s.recordFinish(ctx, runID, processed, err)
	return processed, err
}

func (s *Service) recordStart(ctx context.Context, jobType string) string {
	if s.DB == nil {
		return ""
	}
	runID := uuid.NewString()
	if _, err := s.DB.Exec(ctx, `
    INSERT INTO job_runs (id, job_type, status)
    VALUES ($1,$2,$3)
  `, runID, jobType, "running"); err != nil {
		slog.Warn("job run insert failed", "err", err)
		return ""
	}
	return runID
}

func (s *Service) recordFinish(ctx context.Context, runID string, processed int, runErr error) {
	if s.DB == nil || runID == "" {
		return
	}
	status := "completed"
	details := map[string]any{"processed": processed}
	if runErr != nil {
		status = "failed"
		details["error"] = runErr.Error()
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		slog.Warn("job details marshal failed", "err", err)
		detailsJSON = []byte("{}")
	}
	if _, err := s.DB.Exec(ctx, `
    UPDATE job_runs
    SET status = $1, details_json = $2, completed_at = now()
    WHERE id = $3
  `, status, detailsJSON, runID); err != nil {
		slog.Warn("job run update failed", "err", err)
	}
}
