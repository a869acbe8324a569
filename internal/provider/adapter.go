package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webgrove/api/internal/models"
)

// adapter implements Gateway on top of the provider-manager API plus the SSH
// script runner. Per-provider differences live in the catalog and the status
// mapping; everything else is shared.
type adapter struct {
	name      string
	catalog   *Catalog
	manager   *managerClient
	scripts   *ScriptRunner
	mapStatus func(string) models.ServerStatus
	logger    zerolog.Logger
}

func newAdapter(name string, catalog *Catalog, manager *managerClient, scripts *ScriptRunner, mapStatus func(string) models.ServerStatus) *adapter {
	return &adapter{
		name:      name,
		catalog:   catalog,
		manager:   manager,
		scripts:   scripts,
		mapStatus: mapStatus,
		logger:    log.With().Str("component", "provider").Str("provider", name).Logger(),
	}
}

func (a *adapter) Name() string      { return a.name }
func (a *adapter) Catalog() *Catalog { return a.catalog }

// Create provisions a machine. The requested spec is validated against
// the catalog before anything goes upstream.
func (a *adapter) Create(ctx context.Context, spec ServerSpec) (*ResourceHandle, error) {
	if err := a.catalog.Validate(&spec); err != nil {
		return nil, err
	}

	var resp serverResponse
	err := a.manager.do(ctx, a.name, "create server", http.MethodPost,
		fmt.Sprintf("/v1/%s/servers", a.name),
		createServerRequest{
			Name:       spec.Name,
			Location:   spec.Location,
			ServerType: spec.ServerType,
			Image:      spec.Image,
		}, &resp)
	if err != nil {
		return nil, err
	}

	a.logger.Info().
		Str("external_id", resp.ID).
		Str("location", resp.Location).
		Msg("Server created")

	return &ResourceHandle{
		ExternalID:    resp.ID,
		Location:      resp.Location,
		PublicIPv4:    resp.PublicIPv4,
		SSHPrivateKey: resp.SSHPrivateKey,
	}, nil
}

// CheckStatus reads the provider's view of the machine.
func (a *adapter) CheckStatus(ctx context.Context, handle *ResourceHandle) (*Status, error) {
	var resp serverResponse
	err := a.manager.do(ctx, a.name, "get server", http.MethodGet,
		fmt.Sprintf("/v1/%s/servers/%s", a.name, handle.ExternalID), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &Status{
		State:      a.mapStatus(resp.Status),
		PublicIPv4: resp.PublicIPv4,
	}, nil
}

// Delete decommissions the machine. An already-gone machine is not an error.
func (a *adapter) Delete(ctx context.Context, handle *ResourceHandle) error {
	err := a.manager.do(ctx, a.name, "delete server", http.MethodDelete,
		fmt.Sprintf("/v1/%s/servers/%s", a.name, handle.ExternalID), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// RunSetupScript prepares the machine environment over SSH.
func (a *adapter) RunSetupScript(ctx context.Context, handle *ResourceHandle, payload SetupPayload) error {
	return a.scripts.RunSetup(ctx, handle, payload)
}

// InstallSoftware installs the site software over SSH. The remote installer
// is idempotent: re-running against an installed machine re-emits the
// existing credentials.
func (a *adapter) InstallSoftware(ctx context.Context, handle *ResourceHandle, payload SoftwarePayload) (*Credentials, error) {
	return a.scripts.Install(ctx, handle, payload)
}

// UploadArtifacts places generated files on the machine over SFTP.
func (a *adapter) UploadArtifacts(ctx context.Context, handle *ResourceHandle, artifacts []Artifact) error {
	return a.scripts.UploadArtifacts(ctx, handle, artifacts)
}

// RegisterDNS creates the site's A record. A missing zone is surfaced as
// DNSZoneNotFoundError so the saga fails permanently instead of retrying.
func (a *adapter) RegisterDNS(ctx context.Context, domain, ip string) error {
	err := a.manager.do(ctx, a.name, "register dns", http.MethodPost,
		fmt.Sprintf("/v1/%s/dns/records", a.name),
		dnsRecordRequest{Domain: domain, Type: "A", Value: ip}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return &DNSZoneNotFoundError{Domain: domain}
	}
	return err
}

// RemoveDNS deletes the site's A record. Used by the DNS step's compensation;
// a record that was never created is not an error.
func (a *adapter) RemoveDNS(ctx context.Context, domain string) error {
	err := a.manager.do(ctx, a.name, "remove dns", http.MethodDelete,
		fmt.Sprintf("/v1/%s/dns/records/%s", a.name, domain), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}
