// Package generation coordinates content-generation runs for clusters and
// sites: admission at trigger time, execution inside workflow activities,
// and settlement through terminal-state continuations.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webgrove/api/internal/content"
	"github.com/webgrove/api/internal/flowengine"
	"github.com/webgrove/api/internal/ledger"
	"github.com/webgrove/api/internal/notify"
	"github.com/webgrove/api/internal/repo"
	"github.com/webgrove/api/internal/status"
)

// Workflow types owned by this package.
const (
	WorkflowClusterGeneration = "cluster_generation"
	WorkflowClusterRefresh    = "cluster_refresh"
	WorkflowExtraPage         = "extra_page_generation"
)

// Activity names owned by this package.
const (
	ActivityGeneratePages = "generation.generate_pages"
	ActivityBuildCluster  = "generation.build_cluster"
	ActivityExtraPage     = "generation.generate_extra_page"
)

// finalizeTimeout bounds one continuation run. Continuations fire without a
// caller context.
const finalizeTimeout = 30 * time.Second

// Submitter is the engine surface this service needs.
type Submitter interface {
	Submit(ctx context.Context, params flowengine.SubmitParams) (*flowengine.WorkflowRun, error)
}

// ClusterJob is the workflow-level input for cluster generation and refresh.
// PriorStatus is the stable status to return to when the run fails before
// any pages were replaced.
type ClusterJob struct {
	ClusterID   string `json:"cluster_id"`
	UserID      string `json:"user_id"`
	EntryID     string `json:"entry_id"`
	Keyword     string `json:"keyword"`
	PagesNumber int    `json:"pages_number"`
	PriorStatus string `json:"prior_status"`
	Refresh     bool   `json:"refresh,omitempty"`
	RequestKey  string `json:"request_key,omitempty"`
}

// ClusterJobState is the payload piped between the generate and build steps
// and surfaced as the run output.
type ClusterJobState struct {
	ClusterJob
	PagesGenerated int    `json:"pages_generated"`
	PagesFailed    int    `json:"pages_failed"`
	Link           string `json:"link,omitempty"`
}

// ExtraPageJob is the workflow-level input for single extra-page generation
// on a deployed site. ClusterID is the site's first cluster when one exists;
// the page record lands there.
type ExtraPageJob struct {
	SiteID    string `json:"site_id"`
	UserID    string `json:"user_id"`
	EntryID   string `json:"entry_id"`
	Domain    string `json:"domain"`
	ClusterID string `json:"cluster_id,omitempty"`
}

// ExtraPageOutput is the extra-page run output.
type ExtraPageOutput struct {
	ExtraPageJob
	Title string `json:"title,omitempty"`
}

// Deps bundles the collaborators a Service needs.
type Deps struct {
	Clusters    *repo.Clusters
	Sites       *repo.Sites
	Pages       *repo.Pages
	Ledger      *ledger.Service
	Content     *content.Client
	RequestKeys *repo.RequestKeys
	Engine      Submitter
	Notifier    notify.Notifier
}

// Service owns the generation lifecycle. Triggers reserve funds and flip
// status synchronously, so a rejected request never enqueues work; the
// expensive calls run inside workflow activities.
type Service struct {
	clusters    *repo.Clusters
	sites       *repo.Sites
	pages       *repo.Pages
	ledger      *ledger.Service
	content     *content.Client
	requestKeys *repo.RequestKeys
	engine      Submitter
	notifier    notify.Notifier

	pricePerPage int64
	keyTTL       time.Duration
	logger       zerolog.Logger
}

// NewService creates a generation service.
func NewService(deps Deps, pricePerPage int64, keyTTL time.Duration) *Service {
	return &Service{
		clusters:     deps.Clusters,
		sites:        deps.Sites,
		pages:        deps.Pages,
		ledger:       deps.Ledger,
		content:      deps.Content,
		requestKeys:  deps.RequestKeys,
		engine:       deps.Engine,
		notifier:     deps.Notifier,
		pricePerPage: pricePerPage,
		keyTTL:       keyTTL,
		logger:       log.With().Str("component", "generation").Logger(),
	}
}

// StartClusterGeneration admits a cluster into the generation workflow:
// eligibility check, funds reservation, status flip, submit. Any failure
// after the reservation rolls the reservation back before returning.
func (s *Service) StartClusterGeneration(ctx context.Context, clusterID string) (*flowengine.WorkflowRun, error) {
	c, err := s.clusters.Get(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if status.InProgressCluster(c.Status) {
		return nil, &status.AlreadyInProgressError{EntityID: c.ID, Current: string(c.Status)}
	}
	if !status.AbleToGenerateCluster(c.Status) {
		return nil, &NotAllowedToGenerateError{EntityID: c.ID, Current: string(c.Status)}
	}

	entry, err := s.ledger.Reserve(ctx, c.UserID, int64(c.TopicsNumber)*s.pricePerPage,
		ledger.ObjectRef{ID: c.ID, Type: "cluster"})
	if err != nil {
		return nil, err
	}

	job := ClusterJob{
		ClusterID:   c.ID,
		UserID:      c.UserID,
		EntryID:     entry.ID,
		Keyword:     c.Keyword,
		PagesNumber: c.TopicsNumber,
		PriorStatus: string(c.Status),
	}

	if err := s.clusters.TransitionStatus(ctx, c.ID, c.Status, status.ClusterGenerating); err != nil {
		s.cancelReservation(ctx, entry.ID, "admission failed")
		return nil, err
	}

	run, err := s.submitClusterRun(ctx, WorkflowClusterGeneration, job)
	if err != nil {
		s.rollbackClusterAdmission(ctx, job)
		if errors.Is(err, flowengine.ErrDuplicateWorkflow) {
			return nil, &status.AlreadyInProgressError{EntityID: c.ID, Current: string(status.ClusterGenerating)}
		}
		return nil, err
	}

	s.notifyStatusChanged(ctx, c.UserID, c.ID, "cluster", string(status.ClusterGenerating))
	return run, nil
}

// StartClusterRefresh admits a built cluster into the refresh workflow. A
// per-owner request key suppresses duplicate submissions across the owner's
// clusters while one refresh batch is in flight.
func (s *Service) StartClusterRefresh(ctx context.Context, clusterID string) (*flowengine.WorkflowRun, error) {
	c, err := s.clusters.Get(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if status.InProgressCluster(c.Status) {
		return nil, &status.AlreadyInProgressError{EntityID: c.ID, Current: string(c.Status)}
	}
	if !status.AbleToRefreshCluster(c.Status) {
		return nil, &NotAllowedToGenerateError{EntityID: c.ID, Current: string(c.Status)}
	}

	key := refreshRequestKey(c.UserID)
	acquired, err := s.requestKeys.Acquire(ctx, key, s.keyTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrRefreshPending
	}

	entry, err := s.ledger.Reserve(ctx, c.UserID, int64(c.TopicsNumber)*s.pricePerPage,
		ledger.ObjectRef{ID: c.ID, Type: "cluster"})
	if err != nil {
		s.releaseKey(ctx, key)
		return nil, err
	}

	job := ClusterJob{
		ClusterID:   c.ID,
		UserID:      c.UserID,
		EntryID:     entry.ID,
		Keyword:     c.Keyword,
		PagesNumber: c.TopicsNumber,
		PriorStatus: string(c.Status),
		Refresh:     true,
		RequestKey:  key,
	}

	if err := s.clusters.TransitionStatus(ctx, c.ID, c.Status, status.ClusterGenerating); err != nil {
		s.cancelReservation(ctx, entry.ID, "admission failed")
		s.releaseKey(ctx, key)
		return nil, err
	}

	run, err := s.submitClusterRun(ctx, WorkflowClusterRefresh, job)
	if err != nil {
		s.rollbackClusterAdmission(ctx, job)
		if errors.Is(err, flowengine.ErrDuplicateWorkflow) {
			return nil, &status.AlreadyInProgressError{EntityID: c.ID, Current: string(status.ClusterGenerating)}
		}
		return nil, err
	}

	s.notifyStatusChanged(ctx, c.UserID, c.ID, "cluster", string(status.ClusterGenerating))
	return run, nil
}

// StartExtraPage admits a deployed site into single extra-page generation.
func (s *Service) StartExtraPage(ctx context.Context, siteID string) (*flowengine.WorkflowRun, error) {
	site, err := s.sites.Get(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if status.InProgressSite(site.Status) {
		return nil, &status.AlreadyInProgressError{EntityID: site.ID, Current: string(site.Status)}
	}
	if site.Status != status.SiteDeployed {
		return nil, &NotAllowedToGenerateError{EntityID: site.ID, Current: string(site.Status)}
	}

	entry, err := s.ledger.Reserve(ctx, site.UserID, s.pricePerPage,
		ledger.ObjectRef{ID: site.ID, Type: "site"})
	if err != nil {
		return nil, err
	}

	job := ExtraPageJob{
		SiteID:  site.ID,
		UserID:  site.UserID,
		EntryID: entry.ID,
		Domain:  site.Domain,
	}
	if clusters, listErr := s.clusters.ListBySite(ctx, site.ID); listErr == nil && len(clusters) > 0 {
		job.ClusterID = clusters[0].ID
	}

	if err := s.sites.TransitionStatus(ctx, site.ID, site.Status, status.SiteExtraPageGenerating); err != nil {
		s.cancelReservation(ctx, entry.ID, "admission failed")
		return nil, err
	}

	input, err := json.Marshal(job)
	if err != nil {
		s.rollbackExtraPageAdmission(ctx, job)
		return nil, fmt.Errorf("encode extra page job: %w", err)
	}
	run, err := s.engine.Submit(ctx, flowengine.SubmitParams{
		WorkflowType: WorkflowExtraPage,
		ExternalID:   site.ID,
		Input:        input,
	})
	if err != nil {
		s.rollbackExtraPageAdmission(ctx, job)
		if errors.Is(err, flowengine.ErrDuplicateWorkflow) {
			return nil, &status.AlreadyInProgressError{EntityID: site.ID, Current: string(status.SiteExtraPageGenerating)}
		}
		return nil, err
	}

	s.notifyStatusChanged(ctx, site.UserID, site.ID, "site", string(status.SiteExtraPageGenerating))
	return run, nil
}

// GeneratePages is the generate-step body. It runs one content batch,
// replaces the cluster's page set, and moves the cluster to GENERATED.
// Per-page failures are carried in the state; a fully empty batch is a
// permanent failure.
func (s *Service) GeneratePages(ctx context.Context, job ClusterJob) (*ClusterJobState, error) {
	kind := content.KindPages
	switch {
	case job.Refresh:
		kind = content.KindRefresh
	case job.PriorStatus == string(status.ClusterDraft):
		kind = content.KindStructure
	}

	artifacts, err := s.content.Generate(ctx, content.Params{
		Kind:        kind,
		Keyword:     job.Keyword,
		PagesNumber: job.PagesNumber,
	})
	if err != nil {
		return nil, err
	}

	result := resultFromArtifacts(artifacts, "article")
	if result.FatallyEmpty() {
		return nil, flowengine.NewPermanentError(fmt.Errorf("%w: cluster %s", ErrEmptyResult, job.ClusterID))
	}

	if err := s.pages.ReplaceForCluster(ctx, job.ClusterID, result.Pages); err != nil {
		return nil, err
	}
	if err := s.clusters.TransitionStatus(ctx, job.ClusterID, status.ClusterGenerating, status.ClusterGenerated); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("cluster_id", job.ClusterID).
		Int("pages", len(result.Pages)).
		Int("failures", len(result.Failures)).
		Msg("Cluster pages generated")

	return &ClusterJobState{
		ClusterJob:     job,
		PagesGenerated: len(result.Pages),
		PagesFailed:    len(result.Failures),
	}, nil
}

// BuildCluster is the build-step body: it assembles the generated pages into
// a published structure and records the resulting link in the run state. A
// retried step finding the cluster already BUILDING continues.
func (s *Service) BuildCluster(ctx context.Context, state ClusterJobState) (*ClusterJobState, error) {
	err := s.clusters.TransitionStatus(ctx, state.ClusterID, status.ClusterGenerated, status.ClusterBuilding)
	if err != nil {
		current, getErr := s.clusters.Get(ctx, state.ClusterID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status != status.ClusterBuilding {
			return nil, err
		}
	}

	artifacts, err := s.content.Generate(ctx, content.Params{
		Kind:        content.KindBuild,
		Keyword:     state.Keyword,
		PagesNumber: state.PagesNumber,
	})
	if err != nil {
		return nil, err
	}
	if artifacts.Link == "" {
		return nil, flowengine.NewPermanentError(fmt.Errorf("build produced no link for cluster %s", state.ClusterID))
	}

	state.Link = artifacts.Link
	return &state, nil
}

// GenerateExtraPage is the extra-page step body: one page against the
// deployed site's domain, appended to the site's cluster record when one
// exists.
func (s *Service) GenerateExtraPage(ctx context.Context, job ExtraPageJob) (*ExtraPageOutput, error) {
	artifacts, err := s.content.Generate(ctx, content.Params{
		Kind:        content.KindExtraPage,
		Domain:      job.Domain,
		PagesNumber: 1,
	})
	if err != nil {
		return nil, err
	}

	result := resultFromArtifacts(artifacts, "extra")
	if result.FatallyEmpty() {
		return nil, flowengine.NewPermanentError(fmt.Errorf("%w: site %s", ErrEmptyResult, job.SiteID))
	}

	if job.ClusterID != "" {
		if err := s.pages.Append(ctx, job.ClusterID, result.Pages); err != nil {
			return nil, err
		}
	}

	out := &ExtraPageOutput{ExtraPageJob: job, Title: result.Pages[0].Title}
	s.logger.Info().Str("site_id", job.SiteID).Str("title", out.Title).Msg("Extra page generated")
	return out, nil
}

// FinalizeClusterRun settles a terminal cluster generation or refresh run:
// ledger, status, link, notification, request key. Safe to replay.
func (s *Service) FinalizeClusterRun(run *flowengine.WorkflowRun) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	var job ClusterJob
	if err := json.Unmarshal(run.Input, &job); err != nil {
		s.logger.Error().Err(err).Str("workflow_id", run.ID).Msg("Finalize: bad cluster job input")
		return
	}
	defer func() {
		if job.RequestKey != "" {
			s.releaseKey(ctx, job.RequestKey)
		}
	}()

	if run.CurrentState == flowengine.StateCompleted {
		var state ClusterJobState
		if err := json.Unmarshal(run.Output, &state); err != nil {
			s.logger.Error().Err(err).Str("workflow_id", run.ID).Msg("Finalize: bad cluster run output")
		}

		if err := s.ledger.Complete(ctx, job.EntryID); err != nil {
			s.logger.Error().Err(err).Str("entry_id", job.EntryID).Msg("Finalize: ledger complete failed")
		}
		if state.Link != "" {
			if err := s.clusters.SetLink(ctx, job.ClusterID, state.Link); err != nil {
				s.logger.Error().Err(err).Str("cluster_id", job.ClusterID).Msg("Finalize: set link failed")
			}
		}
		if err := s.clusters.TransitionStatus(ctx, job.ClusterID, status.ClusterBuilding, status.ClusterBuilt); err != nil && !alreadyAt(ctx, s.clusters, job.ClusterID, status.ClusterBuilt) {
			s.logger.Error().Err(err).Str("cluster_id", job.ClusterID).Msg("Finalize: transition to BUILT failed")
		}

		s.notifier.Publish(ctx, notify.Event{
			Type:       notify.TypeSuccess,
			UserID:     job.UserID,
			EntityID:   job.ClusterID,
			EntityType: "cluster",
			Payload: map[string]interface{}{
				"keyword":         job.Keyword,
				"link":            state.Link,
				"pages_generated": state.PagesGenerated,
				"pages_failed":    state.PagesFailed,
			},
		})
		return
	}

	// Compensated or failed: refund and settle the status.
	s.cancelReservation(ctx, job.EntryID, run.Error)
	alias := s.revertClusterStatus(ctx, job)
	s.notifier.Publish(ctx, notify.Event{
		Type:       notify.TypeError,
		UserID:     job.UserID,
		EntityID:   job.ClusterID,
		EntityType: "cluster",
		Alias:      alias,
		Payload:    map[string]interface{}{"keyword": job.Keyword},
	})
}

// FinalizeExtraPageRun settles a terminal extra-page run. Safe to replay.
func (s *Service) FinalizeExtraPageRun(run *flowengine.WorkflowRun) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	var job ExtraPageJob
	if err := json.Unmarshal(run.Input, &job); err != nil {
		s.logger.Error().Err(err).Str("workflow_id", run.ID).Msg("Finalize: bad extra page job input")
		return
	}

	if run.CurrentState == flowengine.StateCompleted {
		if err := s.ledger.Complete(ctx, job.EntryID); err != nil {
			s.logger.Error().Err(err).Str("entry_id", job.EntryID).Msg("Finalize: ledger complete failed")
		}
		if err := s.sites.TransitionStatus(ctx, job.SiteID, status.SiteExtraPageGenerating, status.SiteDeployed); err != nil {
			s.logger.Error().Err(err).Str("site_id", job.SiteID).Msg("Finalize: transition to DEPLOYED failed")
		}

		var out ExtraPageOutput
		_ = json.Unmarshal(run.Output, &out)
		s.notifier.Publish(ctx, notify.Event{
			Type:       notify.TypeSuccess,
			UserID:     job.UserID,
			EntityID:   job.SiteID,
			EntityType: "site",
			Payload:    map[string]interface{}{"domain": job.Domain, "title": out.Title},
		})
		return
	}

	s.cancelReservation(ctx, job.EntryID, run.Error)
	if err := s.sites.TransitionStatus(ctx, job.SiteID, status.SiteExtraPageGenerating, status.SiteError); err != nil {
		s.logger.Error().Err(err).Str("site_id", job.SiteID).Msg("Finalize: transition to ERROR failed")
	}
	s.notifier.Publish(ctx, notify.Event{
		Type:       notify.TypeError,
		UserID:     job.UserID,
		EntityID:   job.SiteID,
		EntityType: "site",
		Alias:      notify.AliasGenerationError,
		Payload:    map[string]interface{}{"domain": job.Domain},
	})
}

// revertClusterStatus settles a failed run's status. A failure before any
// pages were replaced returns to the prior stable status; a failure after
// the cluster left GENERATING lands on BUILD_FAILED. Returns the alias code
// for the error notification.
func (s *Service) revertClusterStatus(ctx context.Context, job ClusterJob) notify.AliasCode {
	current, err := s.clusters.Get(ctx, job.ClusterID)
	if err != nil {
		s.logger.Error().Err(err).Str("cluster_id", job.ClusterID).Msg("Finalize: read cluster failed")
		return notify.AliasGenerationError
	}

	switch current.Status {
	case status.ClusterGenerating:
		target := status.ClusterStatus(job.PriorStatus)
		if !status.CanTransitionCluster(status.ClusterGenerating, target) {
			target = status.ClusterBuildFailed
		}
		if err := s.clusters.TransitionStatus(ctx, job.ClusterID, status.ClusterGenerating, target); err != nil {
			s.logger.Error().Err(err).Str("cluster_id", job.ClusterID).Msg("Finalize: revert status failed")
		}
		return notify.AliasGenerationError
	case status.ClusterGenerated, status.ClusterBuilding:
		if err := s.clusters.TransitionStatus(ctx, job.ClusterID, current.Status, status.ClusterBuildFailed); err != nil {
			s.logger.Error().Err(err).Str("cluster_id", job.ClusterID).Msg("Finalize: mark BUILD_FAILED failed")
		}
		return notify.AliasBuildError
	default:
		// Already settled by an earlier delivery.
		return notify.AliasGenerationError
	}
}

func (s *Service) submitClusterRun(ctx context.Context, workflowType string, job ClusterJob) (*flowengine.WorkflowRun, error) {
	input, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode cluster job: %w", err)
	}
	return s.engine.Submit(ctx, flowengine.SubmitParams{
		WorkflowType: workflowType,
		ExternalID:   job.ClusterID,
		Input:        input,
	})
}

// rollbackClusterAdmission undoes the reservation and status flip after a
// failed submit.
func (s *Service) rollbackClusterAdmission(ctx context.Context, job ClusterJob) {
	s.cancelReservation(ctx, job.EntryID, "submit failed")
	if job.RequestKey != "" {
		s.releaseKey(ctx, job.RequestKey)
	}
	prior := status.ClusterStatus(job.PriorStatus)
	if err := s.clusters.TransitionStatus(ctx, job.ClusterID, status.ClusterGenerating, prior); err != nil {
		s.logger.Error().Err(err).Str("cluster_id", job.ClusterID).Msg("Rollback: revert status failed")
	}
}

func (s *Service) rollbackExtraPageAdmission(ctx context.Context, job ExtraPageJob) {
	s.cancelReservation(ctx, job.EntryID, "submit failed")
	if err := s.sites.TransitionStatus(ctx, job.SiteID, status.SiteExtraPageGenerating, status.SiteDeployed); err != nil {
		s.logger.Error().Err(err).Str("site_id", job.SiteID).Msg("Rollback: revert site status failed")
	}
}

// cancelReservation refunds a pending entry. A replayed continuation finds
// the entry settled; that is not an error here.
func (s *Service) cancelReservation(ctx context.Context, entryID, reason string) {
	if entryID == "" {
		return
	}
	if _, err := s.ledger.Cancel(ctx, entryID, reason); err != nil && !errors.Is(err, ledger.ErrEntrySettled) {
		s.logger.Error().Err(err).Str("entry_id", entryID).Msg("Cancel reservation failed")
	}
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if err := s.requestKeys.Release(ctx, key); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Release request key failed")
	}
}

func (s *Service) notifyStatusChanged(ctx context.Context, userID, entityID, entityType, newStatus string) {
	s.notifier.Publish(ctx, notify.Event{
		Type:       notify.TypeStatusChanged,
		UserID:     userID,
		EntityID:   entityID,
		EntityType: entityType,
		Payload:    map[string]interface{}{"status": newStatus},
	})
}

func alreadyAt(ctx context.Context, clusters *repo.Clusters, id string, want status.ClusterStatus) bool {
	c, err := clusters.Get(ctx, id)
	return err == nil && c.Status == want
}

func refreshRequestKey(userID string) string {
	return "refresh_request_" + userID
}
