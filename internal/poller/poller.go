package poller

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/starforgehq/starforge-backend/internal/provider"
	"github.com/starforgehq/starforge-backend/pkg/config"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/logger"
	"github.com/starforgehq/starforge-backend/pkg/metrics"
)

// Settler finalizes a job exactly once. Implementations must tolerate
// duplicate calls from racing observers; a state conflict is the normal
// "somebody else already finished it" signal, not a fault.
type Settler interface {
	CompleteJob(ctx context.Context, jobID uuid.UUID) error
	FailJob(ctx context.Context, jobID uuid.UUID, reason string) error
}

// Poller drives one job from submission to terminal state by polling the
// provider. It never touches the ledger; all settlement goes through the
// Settler.
type Poller struct {
	provider provider.Client
	settler  Settler
	cache    *Cache
	cfg      config.ProviderConfig
	metrics  *metrics.JobMetrics
	logger   *logger.Logger
}

// New builds a poller with the given collaborators.
func New(client provider.Client, settler Settler, cache *Cache, cfg config.ProviderConfig, jm *metrics.JobMetrics, logg *logger.Logger) *Poller {
	return &Poller{
		provider: client,
		settler:  settler,
		cache:    cache,
		cfg:      cfg,
		metrics:  jm,
		logger:   logg,
	}
}

// Run polls the provider until the job reaches a terminal state, the
// wall-clock timeout expires, or the context is cancelled. It blocks; the
// supervisor runs it on its own goroutine.
func (p *Poller) Run(ctx context.Context, jobID uuid.UUID, externalRequestID string) {
	ctx = p.logger.WithJobID(ctx, jobID.String())
	deadline := time.Now().Add(p.cfg.PollTimeout)

	lastPercent := 0
	lastMessage := ""
	consecutiveErrors := 0

	for {
		if time.Now().After(deadline) {
			p.finalize(ctx, jobID, "timed out waiting for provider", lastPercent)
			return
		}

		p.metrics.IncPollAttempt()
		resp, err := p.provider.Poll(ctx, externalRequestID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.metrics.IncPollError()
			consecutiveErrors++
			// a poll call failing to reach the provider is not evidence
			// the job failed; retry with backoff up to the bound
			if consecutiveErrors > p.cfg.RetryAttempts {
				p.logger.Error(ctx, "provider unreachable, giving up on job", err)
				p.finalize(ctx, jobID, "provider unreachable", lastPercent)
				return
			}
			if !p.sleep(ctx, p.cfg.RetryBackoff*time.Duration(consecutiveErrors)) {
				return
			}
			continue
		}
		consecutiveErrors = 0

		switch resp.Status {
		case enums.ProviderStatusSubmitted, enums.ProviderStatusInProgress:
			lastPercent = ExtractPercent(resp.LogLines, lastPercent)
			lastMessage = LatestMessage(resp.LogLines, lastMessage)
			p.cache.Update(jobID, lastPercent, lastMessage)

		case enums.ProviderStatusCompleted:
			p.complete(ctx, jobID, externalRequestID, lastPercent)
			return

		case enums.ProviderStatusFailed:
			reason := resp.ErrorMessage
			if reason == "" {
				reason = "provider reported failure"
			}
			p.finalize(ctx, jobID, reason, lastPercent)
			return
		}

		if !p.sleep(ctx, p.cfg.PollInterval) {
			return
		}
	}
}

// complete fetches the job's results and settles success. A successful
// provider status whose results cannot be retrieved is still a failure for
// the caller, so extraction errors settle as failed.
func (p *Poller) complete(ctx context.Context, jobID uuid.UUID, externalRequestID string, lastPercent int) {
	if _, err := p.provider.FetchResult(ctx, externalRequestID); err != nil {
		p.logger.Error(ctx, "result extraction failed after provider success", err)
		p.finalize(ctx, jobID, "result extraction failed", lastPercent)
		return
	}

	if err := p.settler.CompleteJob(ctx, jobID); err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
			p.logger.Debug(ctx, "job already finalized elsewhere")
		} else {
			p.logger.Error(ctx, "completing job", err)
		}
	}

	p.cache.Update(jobID, 100, "completed")
	p.cache.Release(jobID)
}

func (p *Poller) finalize(ctx context.Context, jobID uuid.UUID, reason string, lastPercent int) {
	if err := p.settler.FailJob(ctx, jobID, reason); err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
			p.logger.Debug(ctx, "job already finalized elsewhere")
		} else {
			p.logger.Error(ctx, "failing job", err)
		}
	}

	p.cache.Update(jobID, lastPercent, reason)
	p.cache.Release(jobID)
}

// sleep waits the given duration, returning false if the context ended first.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
