// Package deploy drives site deployments through the provisioning saga:
// server check-or-create, environment setup, DNS registration, software
// install, artifact upload. A typed state struct flows step to step; each
// step reads what the previous one established and adds its own result.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webgrove/api/internal/content"
	"github.com/webgrove/api/internal/flowengine"
	"github.com/webgrove/api/internal/models"
	"github.com/webgrove/api/internal/notify"
	"github.com/webgrove/api/internal/provider"
	"github.com/webgrove/api/internal/repo"
	"github.com/webgrove/api/internal/status"
)

// Workflow types owned by this package. Redeployment reuses the site's
// server and starts at DNS registration.
const (
	WorkflowSiteDeployment   = "site_deployment"
	WorkflowSiteRedeployment = "site_redeployment"
)

// Activity names owned by this package.
const (
	ActivityCheckServer      = "deploy.check_server"
	ActivityDeleteServer     = "deploy.delete_server"
	ActivitySetupEnvironment = "deploy.setup_environment"
	ActivityRegisterDNS      = "deploy.register_dns"
	ActivityRemoveDNS        = "deploy.remove_dns"
	ActivityInstallSoftware  = "deploy.install_software"
	ActivityUploadArtifacts  = "deploy.upload_artifacts"
)

// Step names, also used by the failure classifier.
const (
	StepCheckServer      = "check_server"
	StepSetupEnvironment = "setup_environment"
	StepRegisterDNS      = "register_dns"
	StepInstallSoftware  = "install_software"
	StepUploadArtifacts  = "upload_artifacts"
)

// serverPollInterval paces provider status checks inside the check step.
const serverPollInterval = 10 * time.Second

const finalizeTimeout = 30 * time.Second

// State is the payload piped through the deployment steps. Secrets stay in
// the server row; steps load them by ServerID.
type State struct {
	SiteID        string `json:"site_id"`
	UserID        string `json:"user_id"`
	UserEmail     string `json:"user_email,omitempty"`
	Domain        string `json:"domain"`
	PagesNumber   int    `json:"pages_number"`
	Provider      string `json:"provider"`
	ServerID      string `json:"server_id,omitempty"`
	CreatedServer bool   `json:"created_server,omitempty"`
}

// Submitter is the engine surface the deployer needs.
type Submitter interface {
	Submit(ctx context.Context, params flowengine.SubmitParams) (*flowengine.WorkflowRun, error)
}

// Deps bundles the collaborators a Deployer needs.
type Deps struct {
	Sites     *repo.Sites
	Servers   *repo.Servers
	Providers *provider.Registry
	Content   *content.Client
	Engine    Submitter
	Notifier  notify.Notifier
}

// Deployer owns the deployment lifecycle: admission and submission at
// trigger time, the step bodies executed by the saga, and the terminal
// continuation.
type Deployer struct {
	sites     *repo.Sites
	servers   *repo.Servers
	providers *provider.Registry
	content   *content.Client
	engine    Submitter
	notifier  notify.Notifier

	defaultProvider string
	logger          zerolog.Logger
}

// NewDeployer creates a deployer. New servers are provisioned on
// defaultProvider; redeployments stay on the server's recorded provider.
func NewDeployer(deps Deps, defaultProvider string) *Deployer {
	return &Deployer{
		sites:           deps.Sites,
		servers:         deps.Servers,
		providers:       deps.Providers,
		content:         deps.Content,
		engine:          deps.Engine,
		notifier:        deps.Notifier,
		defaultProvider: defaultProvider,
		logger:          log.With().Str("component", "deploy").Logger(),
	}
}

// StartDeployment admits a site into the deployment saga. Sites that already
// own a server get the shortened redeployment saga; the server and its
// environment are reused.
func (d *Deployer) StartDeployment(ctx context.Context, siteID string) (*flowengine.WorkflowRun, error) {
	site, err := d.sites.Get(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if status.InProgressSite(site.Status) {
		return nil, &status.AlreadyInProgressError{EntityID: site.ID, Current: string(site.Status)}
	}
	if !status.AbleToDeploySite(site.Status) {
		return nil, &status.StateConflictError{EntityID: site.ID, Current: string(site.Status), Requested: string(status.SiteDeploying)}
	}

	st := State{
		SiteID:      site.ID,
		UserID:      site.UserID,
		UserEmail:   site.UserEmail,
		Domain:      site.Domain,
		PagesNumber: site.PagesNumber,
		Provider:    d.defaultProvider,
		ServerID:    site.ServerID,
	}
	workflowType := WorkflowSiteDeployment
	if site.ServerID != "" {
		workflowType = WorkflowSiteRedeployment
		if srv, srvErr := d.servers.Get(ctx, site.ServerID); srvErr == nil {
			st.Provider = srv.ProviderType
		}
	}

	prior := site.Status
	if err := d.sites.TransitionStatus(ctx, site.ID, prior, status.SiteDeploying); err != nil {
		return nil, err
	}

	input, err := json.Marshal(st)
	if err != nil {
		d.revertAdmission(ctx, site.ID, prior)
		return nil, fmt.Errorf("encode deploy state: %w", err)
	}
	run, err := d.engine.Submit(ctx, flowengine.SubmitParams{
		WorkflowType: workflowType,
		ExternalID:   site.ID,
		Input:        input,
	})
	if err != nil {
		d.revertAdmission(ctx, site.ID, prior)
		if errors.Is(err, flowengine.ErrDuplicateWorkflow) {
			return nil, &status.AlreadyInProgressError{EntityID: site.ID, Current: string(status.SiteDeploying)}
		}
		return nil, err
	}

	d.notifier.Publish(ctx, notify.Event{
		Type:       notify.TypeStatusChanged,
		UserID:     site.UserID,
		EntityID:   site.ID,
		EntityType: "site",
		Payload:    map[string]interface{}{"status": string(status.SiteDeploying), "workflow": workflowType},
	})
	return run, nil
}

// CheckServer is the first step: create the server when the site has none,
// then wait until the provider reports it running. The poll runs inside one
// attempt; the step timeout bounds the wait.
func (d *Deployer) CheckServer(ctx context.Context, st State) (*State, error) {
	gw, err := d.providers.Get(st.Provider)
	if err != nil {
		return nil, flowengine.NewPermanentError(err)
	}

	if st.ServerID == "" {
		// A prior attempt of this step may have provisioned and attached a
		// server before failing the poll. Adopt it instead of creating a
		// second machine.
		site, err := d.sites.Get(ctx, st.SiteID)
		if err != nil {
			return nil, err
		}
		if site.ServerID != "" {
			st.ServerID = site.ServerID
			st.CreatedServer = true
		}
	}

	if st.ServerID == "" {
		handle, err := gw.Create(ctx, provider.ServerSpec{Name: serverName(st.Domain)})
		if err != nil {
			return nil, err
		}
		srv, err := d.servers.Create(ctx, &models.Server{
			ProviderType:  st.Provider,
			ExternalID:    handle.ExternalID,
			Location:      handle.Location,
			Status:        models.ServerStarting,
			PublicIPv4:    handle.PublicIPv4,
			SSHPrivateKey: handle.SSHPrivateKey,
		})
		if err != nil {
			return nil, err
		}
		if err := d.sites.AttachServer(ctx, st.SiteID, srv.ID); err != nil {
			return nil, err
		}
		st.ServerID = srv.ID
		st.CreatedServer = true
		d.logger.Info().Str("site_id", st.SiteID).Str("server_id", srv.ID).Str("provider", st.Provider).Msg("Server provisioned")
	}

	for {
		srv, err := d.servers.Get(ctx, st.ServerID)
		if err != nil {
			return nil, err
		}
		report, err := gw.CheckStatus(ctx, handleOf(srv))
		if err != nil {
			return nil, err
		}
		if report.State != srv.Status {
			_ = d.servers.UpdateStatus(ctx, srv.ID, report.State)
		}
		if report.PublicIPv4 != "" && report.PublicIPv4 != srv.PublicIPv4 {
			_ = d.servers.UpdateNetwork(ctx, srv.ID, report.PublicIPv4)
		}
		if report.State == models.ServerRunning {
			return &st, nil
		}
		if report.State == models.ServerStopped {
			return nil, flowengine.NewPermanentError(fmt.Errorf("server %s stopped while waiting for it to start", srv.ID))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(serverPollInterval):
		}
	}
}

// DeleteServer compensates CheckServer. Only a server created by this run is
// torn down; a reused server survives the rollback. When the state carries no
// server (the step failed before reporting back), the site's attachment is
// consulted: this step only runs in the first-deploy workflow, where any
// attached server was provisioned by an attempt of this run.
func (d *Deployer) DeleteServer(ctx context.Context, st State) error {
	if st.ServerID == "" {
		site, err := d.sites.Get(ctx, st.SiteID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if site.ServerID == "" {
			return nil
		}
		st.ServerID = site.ServerID
		st.CreatedServer = true
	}
	if !st.CreatedServer {
		return nil
	}
	srv, err := d.servers.Get(ctx, st.ServerID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	gw, err := d.providers.Get(srv.ProviderType)
	if err != nil {
		return flowengine.NewPermanentError(err)
	}
	if err := gw.Delete(ctx, handleOf(srv)); err != nil {
		return err
	}
	if err := d.sites.AttachServer(ctx, st.SiteID, ""); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := d.servers.Delete(ctx, srv.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	d.logger.Info().Str("site_id", st.SiteID).Str("server_id", srv.ID).Msg("Server torn down")
	return nil
}

// SetupEnvironment runs the environment script on the machine.
func (d *Deployer) SetupEnvironment(ctx context.Context, st State) (*State, error) {
	gw, srv, err := d.resolve(ctx, st)
	if err != nil {
		return nil, err
	}
	if err := gw.RunSetupScript(ctx, handleOf(srv), provider.SetupPayload{
		Domain:     st.Domain,
		AdminEmail: st.UserEmail,
	}); err != nil {
		return nil, err
	}
	return &st, nil
}

// RegisterDNS points the site's A record at the server.
func (d *Deployer) RegisterDNS(ctx context.Context, st State) (*State, error) {
	gw, srv, err := d.resolve(ctx, st)
	if err != nil {
		return nil, err
	}
	if srv.PublicIPv4 == "" {
		return nil, flowengine.NewPermanentError(fmt.Errorf("server %s has no public address", srv.ID))
	}

	if err := gw.RegisterDNS(ctx, st.Domain, srv.PublicIPv4); err != nil {
		var zoneErr *provider.DNSZoneNotFoundError
		if errors.As(err, &zoneErr) {
			return nil, flowengine.NewPermanentError(err)
		}
		return nil, err
	}
	return &st, nil
}

// RemoveDNS compensates RegisterDNS by deleting the record it created.
func (d *Deployer) RemoveDNS(ctx context.Context, st State) error {
	gw, err := d.providers.Get(st.Provider)
	if err != nil {
		return flowengine.NewPermanentError(err)
	}
	return gw.RemoveDNS(ctx, st.Domain)
}

// InstallSoftware installs the site software and stores the credentials it
// reports. The remote installer is idempotent across retries.
func (d *Deployer) InstallSoftware(ctx context.Context, st State) (*State, error) {
	gw, srv, err := d.resolve(ctx, st)
	if err != nil {
		return nil, err
	}
	creds, err := gw.InstallSoftware(ctx, handleOf(srv), provider.SoftwarePayload{
		Domain:      st.Domain,
		PagesNumber: st.PagesNumber,
	})
	if err != nil {
		return nil, err
	}
	if err := d.sites.SetCredentials(ctx, st.SiteID, creds.WPToken, creds.WPPort); err != nil {
		return nil, err
	}
	return &st, nil
}

// UploadArtifacts builds the site content and places the files on the
// machine. An empty build is a permanent failure.
func (d *Deployer) UploadArtifacts(ctx context.Context, st State) (*State, error) {
	gw, srv, err := d.resolve(ctx, st)
	if err != nil {
		return nil, err
	}

	built, err := d.content.Generate(ctx, content.Params{
		Kind:        content.KindBuild,
		Domain:      st.Domain,
		PagesNumber: st.PagesNumber,
	})
	if err != nil {
		return nil, err
	}
	if len(built.Pages) == 0 {
		return nil, flowengine.NewPermanentError(fmt.Errorf("build produced no artifacts for %s", st.Domain))
	}

	artifacts := make([]provider.Artifact, 0, len(built.Pages))
	for _, p := range built.Pages {
		artifacts = append(artifacts, provider.Artifact{Name: p.Slug + ".html", Content: p.Content})
	}
	if err := gw.UploadArtifacts(ctx, handleOf(srv), artifacts); err != nil {
		return nil, err
	}

	d.logger.Info().Str("site_id", st.SiteID).Int("artifacts", len(artifacts)).Msg("Artifacts uploaded")
	return &st, nil
}

// Finalize settles a terminal deployment run: status, deployed counter,
// notification. Safe to replay.
func (d *Deployer) Finalize(run *flowengine.WorkflowRun) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	var st State
	if err := json.Unmarshal(run.Input, &st); err != nil {
		d.logger.Error().Err(err).Str("workflow_id", run.ID).Msg("Finalize: bad deploy state input")
		return
	}

	if run.CurrentState == flowengine.StateCompleted {
		if err := d.sites.TransitionStatus(ctx, st.SiteID, status.SiteDeploying, status.SiteDeployed); err != nil {
			d.logger.Error().Err(err).Str("site_id", st.SiteID).Msg("Finalize: transition to DEPLOYED failed")
			return
		}
		if err := d.sites.IncrementLive(ctx, st.SiteID); err != nil {
			d.logger.Error().Err(err).Str("site_id", st.SiteID).Msg("Finalize: increment live failed")
		}
		d.notifier.Publish(ctx, notify.Event{
			Type:       notify.TypeSuccess,
			UserID:     st.UserID,
			EntityID:   st.SiteID,
			EntityType: "site",
			Payload:    map[string]interface{}{"domain": st.Domain},
		})
		return
	}

	target, alias := classifyFailure(run.Error)
	if err := d.sites.TransitionStatus(ctx, st.SiteID, status.SiteDeploying, target); err != nil {
		d.logger.Error().Err(err).
			Str("site_id", st.SiteID).
			Str("target", string(target)).
			Msg("Finalize: failure transition failed")
	}
	d.notifier.Publish(ctx, notify.Event{
		Type:       notify.TypeError,
		UserID:     st.UserID,
		EntityID:   st.SiteID,
		EntityType: "site",
		Alias:      alias,
		Payload:    map[string]interface{}{"domain": st.Domain},
	})
}

// classifyFailure maps a failed run to the settled site status: the build
// stage lands on BUILD_FAILED, provisioning and networking on DEPLOY_FAILED,
// anything unattributable on ERROR. The orchestrator records the failed step
// name in the run error.
func classifyFailure(runError string) (status.SiteStatus, notify.AliasCode) {
	switch {
	case strings.Contains(runError, StepUploadArtifacts):
		return status.SiteBuildFailed, notify.AliasBuildError
	case strings.Contains(runError, StepCheckServer),
		strings.Contains(runError, StepSetupEnvironment),
		strings.Contains(runError, StepRegisterDNS),
		strings.Contains(runError, StepInstallSoftware):
		return status.SiteDeployFailed, notify.AliasDeployError
	default:
		return status.SiteError, notify.AliasInternalError
	}
}

func (d *Deployer) resolve(ctx context.Context, st State) (provider.Gateway, *models.Server, error) {
	gw, err := d.providers.Get(st.Provider)
	if err != nil {
		return nil, nil, flowengine.NewPermanentError(err)
	}
	srv, err := d.servers.Get(ctx, st.ServerID)
	if err != nil {
		return nil, nil, err
	}
	return gw, srv, nil
}

func (d *Deployer) revertAdmission(ctx context.Context, siteID string, prior status.SiteStatus) {
	if err := d.sites.TransitionStatus(ctx, siteID, status.SiteDeploying, prior); err != nil {
		d.logger.Error().Err(err).Str("site_id", siteID).Msg("Rollback: revert site status failed")
	}
}

func handleOf(srv *models.Server) *provider.ResourceHandle {
	return &provider.ResourceHandle{
		ExternalID:    srv.ExternalID,
		Location:      srv.Location,
		PublicIPv4:    srv.PublicIPv4,
		SSHPrivateKey: srv.SSHPrivateKey,
	}
}

func serverName(domain string) string {
	return "webgrove-" + strings.ReplaceAll(domain, ".", "-")
}
