package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webgrove/api/internal/repo"
	"github.com/webgrove/api/internal/status"
)

// Sweeper periodically re-lists sites stuck in GENERATED, BUILD_FAILED or
// DEPLOY_FAILED and enqueues one deployment for each. Admission control does
// the filtering: a site that raced into an in-progress status between the
// list and the submit is skipped, not failed.
type Sweeper struct {
	sites    *repo.Sites
	deployer *Deployer
	interval time.Duration
	logger   zerolog.Logger
}

// NewSweeper creates a deployment sweeper.
func NewSweeper(sites *repo.Sites, deployer *Deployer, interval time.Duration) *Sweeper {
	return &Sweeper{
		sites:    sites,
		deployer: deployer,
		interval: interval,
		logger:   log.With().Str("component", "deploy-sweep").Logger(),
	}
}

// Run loops until the context is cancelled. The first sweep happens after
// one full interval, so a restarting process does not stampede.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Deployment sweep started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Deployment sweep stopped")
			return
		case <-time.After(s.interval):
		}
		s.Sweep(ctx)
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	sites, err := s.sites.ListByStatus(ctx,
		status.SiteGenerated, status.SiteBuildFailed, status.SiteDeployFailed)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sweep: list sites failed")
		return
	}
	if len(sites) == 0 {
		return
	}

	enqueued := 0
	for _, site := range sites {
		if !status.SweepableSite(site.Status) {
			continue
		}
		_, err := s.deployer.StartDeployment(ctx, site.ID)
		switch {
		case err == nil:
			enqueued++
		case status.IsAlreadyInProgress(err), status.IsStateConflict(err), errors.Is(err, repo.ErrNotFound):
			// Lost the race to a manual trigger; the next pass re-lists.
		default:
			s.logger.Error().Err(err).Str("site_id", site.ID).Msg("Sweep: enqueue failed")
		}
	}

	if enqueued > 0 {
		s.logger.Info().Int("candidates", len(sites)).Int("enqueued", enqueued).Msg("Sweep pass finished")
	}
}
