// Package provider abstracts the infrastructure providers behind a single
// Gateway interface. Control-plane operations (create, status, delete, DNS)
// go through the provider-manager HTTP service; host-level operations (setup
// script, artifact upload) go straight to the machine over SSH.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/webgrove/api/internal/models"
)

// ServerSpec describes the machine to provision. All fields must come from
// the adapter's own catalog.
type ServerSpec struct {
	Name       string
	Location   string
	ServerType string
	Image      string
}

// ResourceHandle identifies a provisioned machine to its provider.
type ResourceHandle struct {
	ExternalID    string
	Location      string
	PublicIPv4    string
	SSHPrivateKey string
}

// Status is a provider status report for a machine.
type Status struct {
	State      models.ServerStatus
	PublicIPv4 string
}

// SetupPayload parameterizes the environment setup script.
type SetupPayload struct {
	Domain     string
	AdminEmail string
}

// SoftwarePayload parameterizes the software install step.
type SoftwarePayload struct {
	Domain      string
	PagesNumber int
}

// Credentials are produced by a successful software install.
type Credentials struct {
	WPToken string
	WPPort  string
}

// Artifact is one generated file to place on the machine.
type Artifact struct {
	Name    string
	Content []byte
}

// Gateway is the per-provider adapter contract. InstallSoftware must be
// idempotent: re-running against an already-installed machine returns the
// existing credentials.
type Gateway interface {
	Name() string
	Catalog() *Catalog
	Create(ctx context.Context, spec ServerSpec) (*ResourceHandle, error)
	CheckStatus(ctx context.Context, handle *ResourceHandle) (*Status, error)
	Delete(ctx context.Context, handle *ResourceHandle) error
	RunSetupScript(ctx context.Context, handle *ResourceHandle, payload SetupPayload) error
	InstallSoftware(ctx context.Context, handle *ResourceHandle, payload SoftwarePayload) (*Credentials, error)
	UploadArtifacts(ctx context.Context, handle *ResourceHandle, artifacts []Artifact) error
	RegisterDNS(ctx context.Context, domain, ip string) error
	RemoveDNS(ctx context.Context, domain string) error
}

// Registry dispatches to a Gateway by provider tag.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry creates an empty gateway registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

// Register adds a gateway under its own name. Replacing a registered gateway
// is a programming error.
func (r *Registry) Register(gw Gateway) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.gateways[gw.Name()]; exists {
		return fmt.Errorf("provider %q already registered", gw.Name())
	}
	r.gateways[gw.Name()] = gw
	return nil
}

// Get resolves a gateway by provider tag.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[name]
	if !ok {
		return nil, &UnknownProviderError{Name: name, Known: r.namesLocked()}
	}
	return gw, nil
}

// Names lists the registered provider tags, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
