package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wphive/backend/internal/config"
	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/core/provision"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
	"github.com/wphive/backend/internal/infrastructure/remote"
	"github.com/wphive/backend/pkg/utils/token"
)

// WorkerPool drains the durable job queue. Each worker claims one job at a
// time and drives the full retry-controlled run for its installation.
type WorkerPool struct {
	installations ports.InstallationService
	installRepo   ports.InstallationRepository
	jobs          ports.JobRepository
	scripts       ports.ScriptGenerator
	controller    *provision.Controller
	sink          provision.EventSink
	log           *logger.Logger

	provisionerCfg config.ProvisionerConfig
	queueCfg       config.QueueConfig

	// limiter throttles run starts across all workers of this process.
	limiter *rate.Limiter

	workerID string
	wg       sync.WaitGroup
}

func NewWorkerPool(
	installations ports.InstallationService,
	installRepo ports.InstallationRepository,
	jobs ports.JobRepository,
	scripts ports.ScriptGenerator,
	controller *provision.Controller,
	sink provision.EventSink,
	provisionerCfg config.ProvisionerConfig,
	queueCfg config.QueueConfig,
	log *logger.Logger,
) *WorkerPool {
	hostname, _ := os.Hostname()
	perMinute := queueCfg.StartsPerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	return &WorkerPool{
		installations:  installations,
		installRepo:    installRepo,
		jobs:           jobs,
		scripts:        scripts,
		controller:     controller,
		sink:           sink,
		log:            log,
		provisionerCfg: provisionerCfg,
		queueCfg:       queueCfg,
		limiter:        rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		workerID:       fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
	}
}

// Start launches the worker goroutines. It returns immediately; Wait blocks
// until every worker has drained after ctx cancellation.
func (p *WorkerPool) Start(ctx context.Context) {
	concurrency := p.queueCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	p.log.Infow("worker_pool_started", "worker_id", p.workerID, "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) workerLoop(ctx context.Context, idx int) {
	defer p.wg.Done()

	interval := p.queueCfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Infow("worker_stopped", "worker_id", p.workerID, "worker", idx)
			return
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

// drainOnce claims and processes jobs until the queue is empty or ctx ends.
func (p *WorkerPool) drainOnce(ctx context.Context) {
	for {
		job, err := p.jobs.ClaimNext(ctx, p.workerID, time.Now().UTC())
		if err != nil {
			p.log.Errorw("job_claim_failed", "worker_id", p.workerID, "error", err)
			return
		}
		if job == nil {
			return
		}
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutting down with a claimed job: put it back untouched. The
			// worker ctx is already cancelled, so the write gets its own.
			requeueCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if rqErr := p.jobs.Requeue(requeueCtx, job.ID, 0, ""); rqErr != nil {
				p.log.Errorw("job_giveback_failed", "job_id", job.ID, "error", rqErr)
			}
			cancel()
			return
		}
		p.process(ctx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *WorkerPool) process(ctx context.Context, job *domain.Job) {
	log := p.log.With("job_id", job.ID, "installation_id", job.InstallationID, "worker_id", p.workerID)
	log.Infow("job_started", "attempt", job.Attempts)

	installation, err := p.installRepo.GetByID(ctx, job.InstallationID)
	if err != nil {
		p.retryOrFail(ctx, job, nil, fmt.Errorf("load installation: %w", err))
		return
	}

	// Cancelled while the job sat in the queue.
	if installation.Status == domain.InstallationStatusCancelled {
		p.finishJob(ctx, job, domain.JobStatusCancelled, "")
		return
	}
	if installation.Status.Terminal() {
		p.finishJob(ctx, job, domain.JobStatusCompleted, "")
		return
	}

	creds, err := p.installations.Credentials(installation)
	if err != nil {
		// Undecryptable credentials never recover; fail outright.
		p.failRun(ctx, job, installation, fmt.Sprintf("credentials unavailable: %v", err))
		return
	}

	installation.GeneratedAdminPassword = token.RandomPassword(20)

	steps, err := provision.BuildSteps(installation, p.scripts)
	if err != nil {
		p.failRun(ctx, job, installation, fmt.Sprintf("build steps: %v", err))
		return
	}

	if err := p.installations.MarkRunning(ctx, installation.ID); err != nil {
		p.retryOrFail(ctx, job, installation, fmt.Errorf("mark running: %w", err))
		return
	}

	factory := func() ports.CommandChannel {
		return remote.NewSSHChannel(remote.SSHConfig{
			Host:       installation.Host,
			Port:       installation.SSHPort,
			User:       creds.User,
			Password:   creds.Password,
			PrivateKey: creds.PrivateKey,
			Timeout:    p.provisionerCfg.ConnectTimeout,
		})
	}

	cancelled := func(ctx context.Context) (bool, error) {
		return p.installations.IsCancelled(ctx, installation.ID)
	}

	runErr := p.controller.Run(ctx, installation, factory, steps, p.sink, cancelled)

	switch {
	case runErr == nil:
		p.sink.Emit(domain.NewDoneEvent(installation.ID, true, p.successResult(installation), ""))
		p.finishJob(ctx, job, domain.JobStatusCompleted, "")
		log.Infow("job_completed")

	case errors.Is(runErr, provision.ErrCancelled):
		p.finishJob(ctx, job, domain.JobStatusCancelled, runErr.Error())
		log.Infow("job_cancelled")

	default:
		p.sink.Emit(domain.NewDoneEvent(installation.ID, false, nil, runErr.Error()))
		p.finishJob(ctx, job, domain.JobStatusFailed, runErr.Error())
		log.Warnw("job_failed", "error", runErr)
	}
}

func (p *WorkerPool) successResult(installation *domain.Installation) domain.JSONB {
	scheme := "http"
	if enabled, ok := installation.Options["enable_ssl"].(bool); ok && enabled {
		scheme = "https"
	}
	return domain.JSONB{
		"site_url":       fmt.Sprintf("%s://%s", scheme, installation.Domain),
		"admin_url":      fmt.Sprintf("%s://%s/wp-admin", scheme, installation.Domain),
		"admin_user":     "admin",
		"admin_password": installation.GeneratedAdminPassword,
	}
}

// retryOrFail handles infrastructure errors that happen before the retry
// controller takes over. The job gets another queue-level attempt with
// backoff until its budget runs out.
func (p *WorkerPool) retryOrFail(ctx context.Context, job *domain.Job, installation *domain.Installation, err error) {
	if job.Attempts < job.MaxAttempts {
		delay := time.Duration(job.Attempts) * 30 * time.Second
		p.log.Warnw("job_requeued", "job_id", job.ID, "attempt", job.Attempts, "delay", delay, "error", err)
		if rqErr := p.jobs.Requeue(ctx, job.ID, delay, err.Error()); rqErr != nil {
			p.log.Errorw("job_requeue_failed", "job_id", job.ID, "error", rqErr)
		}
		return
	}
	if installation != nil {
		p.failRun(ctx, job, installation, err.Error())
		return
	}
	p.finishJob(ctx, job, domain.JobStatusFailed, err.Error())
	if mErr := p.installations.MarkFailed(ctx, job.InstallationID, err.Error()); mErr != nil {
		p.log.Errorw("installation_fail_mark_failed", "installation_id", job.InstallationID, "error", mErr)
	}
}

// failRun terminates both the installation and the job without another
// queue attempt.
func (p *WorkerPool) failRun(ctx context.Context, job *domain.Job, installation *domain.Installation, reason string) {
	p.sink.Emit(domain.NewDoneEvent(installation.ID, false, nil, reason))
	p.finishJob(ctx, job, domain.JobStatusFailed, reason)
	p.log.Warnw("job_failed", "job_id", job.ID, "installation_id", installation.ID, "reason", reason)
}

func (p *WorkerPool) finishJob(ctx context.Context, job *domain.Job, status domain.JobStatus, jobError string) {
	job.Status = status
	job.Error = jobError
	if err := p.jobs.Update(ctx, job); err != nil {
		p.log.Errorw("job_finish_failed", "job_id", job.ID, "status", status, "error", err)
	}
}
