package report

import (
	"context"
	"time"

	"go.uber.org/zap"

	"capium/capability"
	"capium/metrics"
	"capium/session"
)

// reportTimeout bounds a job update, retries included.
const reportTimeout = 30 * time.Second

// Reporter finishes target sessions.
type Reporter struct {
	// Enabled turns job status updates on.
	Enabled bool
	// NewClient picks the job client for a resolution. Defaults to ClientFor.
	NewClient func(res *capability.Resolution) JobClient
	Logger    *zap.Logger
	Metrics   *metrics.Recorder
}

// Finish closes the session, then reports the job on cloud providers. Both
// steps are best effort: failures are logged and never returned.
func (r *Reporter) Finish(ctx context.Context, s *session.Session, job Job) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("target", s.Target().String()),
		zap.String("session_id", s.ID),
	)

	if err := s.Close(); err != nil {
		logger.Warn("Failed to close session", zap.Error(err))
	}

	provider := s.Provider()
	if !r.Enabled || !provider.IsCloud() {
		return
	}
	if s.ID == "" {
		logger.Warn("No session id, skipping job status update")
		return
	}

	newClient := r.NewClient
	if newClient == nil {
		newClient = func(res *capability.Resolution) JobClient { return ClientFor(res) }
	}
	client := newClient(s.Resolution)
	if client == nil {
		return
	}

	// The target context may already be done; the update still goes out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	outcome := "ok"
	if err := client.UpdateJob(ctx, s.ID, job); err != nil {
		outcome = "failed"
		logger.Warn("Failed to update job status", zap.String("provider", string(provider)), zap.Error(err))
	} else {
		logger.Info("Job status updated", zap.String("name", job.Name), zap.Bool("passed", job.Passed))
	}
	if r.Metrics != nil {
		r.Metrics.ObserveJobReport(string(provider), outcome)
	}
}
