package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mcpplane/internal/domain"
)

// Pipeline runs deployments: it starts the build job, follows its status
// and relays each phase to the Streamer, then verifies the result.
type Pipeline struct {
	Streamer        *Streamer
	Jobs            JobClient
	Verifier        *Verifier
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	Timeout         time.Duration
	Logger          *zap.Logger

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPipeline(s *Streamer, jobs JobClient, v *Verifier) *Pipeline {
	root, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		Streamer:        s,
		Jobs:            jobs,
		Verifier:        v,
		PollInterval:    2 * time.Second,
		MaxPollInterval: 30 * time.Second,
		Timeout:         30 * time.Minute,
		Logger:          zap.NewNop(),
		root:            root,
		cancel:          cancel,
	}
}

func (p *Pipeline) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Launch starts a deployment for customerID in the background. The run is
// detached from ctx so it survives the caller going away; Close stops it.
func (p *Pipeline) Launch(ctx context.Context, customerID string) error {
	if customerID == "" {
		return domain.BadInput("customer_id", "is required")
	}
	if p.Jobs == nil {
		return errors.New("deployment job service is not configured")
	}
	if err := p.Streamer.Begin(customerID); err != nil {
		return err
	}
	root := p.root
	if root == nil {
		root = context.WithoutCancel(ctx)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _ = p.run(root, customerID)
	}()
	return nil
}

// Run executes a deployment synchronously and returns its terminal event.
func (p *Pipeline) Run(ctx context.Context, customerID string) (Event, error) {
	if err := p.Streamer.Begin(customerID); err != nil {
		return Event{}, err
	}
	return p.run(ctx, customerID)
}

// Close cancels running deployments and waits for them to publish their
// terminal event.
func (p *Pipeline) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) run(ctx context.Context, customerID string) (Event, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	logger := p.log().With(zap.String("deployment_id", customerID))

	if _, err := p.Streamer.Publish(customerID, PhaseInitializing, "starting deployment", nil); err != nil {
		return Event{}, err
	}
	jobID, err := p.Jobs.Start(ctx, customerID)
	if err != nil {
		logger.Error("deployment job did not start", zap.Error(err))
		return p.Streamer.Fail(customerID, err, nil)
	}
	logger = logger.With(zap.String("job_id", jobID))
	logger.Info("deployment job started")

	status, err := p.follow(ctx, customerID, jobID, logger)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("deployment %s aborted: %w", customerID, ctx.Err())
		}
		logger.Error("deployment failed", zap.Error(err))
		return p.Streamer.Fail(customerID, err, map[string]any{"job_id": jobID})
	}

	if last, ok := p.Streamer.Snapshot(customerID); !ok || last.Last.Step != PhaseVerifying {
		if _, err := p.Streamer.Publish(customerID, PhaseVerifying, "verifying services", nil); err != nil {
			return Event{}, err
		}
	}
	if p.Verifier == nil || len(p.Verifier.Services) == 0 {
		return p.Streamer.Finish(customerID, true, completedMessage(status), map[string]any{"job_id": jobID})
	}
	v := p.Verifier.Verify(ctx, customerID)
	details := map[string]any{"job_id": jobID, "services": v.Services}
	if !v.Success {
		degraded := &domain.VerificationDegradedError{DeploymentID: customerID, Services: v.Unhealthy()}
		logger.Warn("deployment verification degraded", zap.Strings("services", degraded.Services))
		return p.Streamer.Finish(customerID, false, degraded.Error(), details)
	}
	return p.Streamer.Finish(customerID, true, completedMessage(status), details)
}

func completedMessage(s JobStatus) string {
	if s.Message != "" {
		return s.Message
	}
	return "deployment completed"
}

// follow polls the job until it completes or fails. The poll interval backs
// off while the job sits in one phase and resets when it moves.
func (p *Pipeline) follow(ctx context.Context, customerID, jobID string, logger *zap.Logger) (JobStatus, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.PollInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = 2 * time.Second
	}
	b.MaxInterval = p.MaxPollInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(b, ctx)

	var last Phase
	for {
		status, err := p.Jobs.Status(ctx, jobID)
		switch {
		case err != nil && !retryable(err):
			return JobStatus{}, err
		case err != nil:
			logger.Warn("job status poll failed", zap.Error(err))
		default:
			phase, perr := ParsePhase(status.Phase)
			if perr != nil {
				logger.Warn("job reported unknown phase", zap.String("phase", status.Phase))
				break
			}
			if phase == PhaseFailed {
				msg := status.Error
				if msg == "" {
					msg = status.Message
				}
				if msg == "" {
					msg = "deployment job failed"
				}
				return status, errors.New(msg)
			}
			if phase == PhaseCompleted {
				return status, nil
			}
			if phase != last {
				last = phase
				msg := status.Message
				if msg == "" {
					msg = string(phase)
				}
				if _, err := p.Streamer.Publish(customerID, phase, msg, status.Details); err != nil {
					return status, err
				}
				b.Reset()
			}
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return JobStatus{}, ctx.Err()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return JobStatus{}, ctx.Err()
		case <-timer.C:
		}
	}
}
