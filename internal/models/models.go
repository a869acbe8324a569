// Package models defines the persisted domain entities.
package models

import (
	"time"

	"github.com/webgrove/api/internal/status"
)

// Cluster is a content cluster: a keyword-rooted group of generated pages.
// A cluster may nest under a site (SiteID set) or stand alone.
type Cluster struct {
	ID           string               `json:"id"`
	UserID       string               `json:"user_id"`
	SiteID       string               `json:"site_id,omitempty"`
	Keyword      string               `json:"keyword"`
	TopicsNumber int                  `json:"topics_number"`
	Link         string               `json:"link,omitempty"` // set only on successful build
	Status       status.ClusterStatus `json:"status"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Site is a deployable website backed by a provisioned server.
type Site struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	UserEmail   string            `json:"user_email,omitempty"`
	Domain      string            `json:"domain"`
	PagesNumber int               `json:"pages_number"`
	Status      status.SiteStatus `json:"status"`
	ServerID    string            `json:"server_id,omitempty"`
	WPToken     string            `json:"-"`
	WPPort      string            `json:"-"`
	SitesLive   int               `json:"sites_live"` // deployed counter on the parent entity
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ServerStatus is the infrastructure resource status as reported by providers.
type ServerStatus string

const (
	ServerRunning    ServerStatus = "running"
	ServerStarting   ServerStatus = "starting"
	ServerStopping   ServerStatus = "stopping"
	ServerStopped    ServerStatus = "stopped"
	ServerProcessing ServerStatus = "processing"
	ServerUnknown    ServerStatus = "unknown"
)

// Server is a provisioned infrastructure resource. Created lazily on the
// first deployment attempt and reused across redeploys; owned by one site's
// deployment at a time.
type Server struct {
	ID            string       `json:"id"`
	ProviderType  string       `json:"provider_type"`
	ExternalID    string       `json:"external_id"`
	Location      string       `json:"location"`
	Status        ServerStatus `json:"status"`
	PublicIPv4    string       `json:"public_ipv4"`
	SSHPrivateKey string       `json:"-"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// LedgerState is the lifecycle state of a ledger entry.
type LedgerState string

const (
	LedgerPending   LedgerState = "PENDING"
	LedgerCompleted LedgerState = "COMPLETED"
	LedgerCancelled LedgerState = "CANCELLED"
)

// LedgerKind distinguishes spends from refunds.
type LedgerKind string

const (
	LedgerSpend  LedgerKind = "SPEND"
	LedgerRefund LedgerKind = "REFUND"
)

// LedgerEntry is a monetary reservation (spend) or its compensating refund.
type LedgerEntry struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Kind       LedgerKind  `json:"kind"`
	State      LedgerState `json:"state"`
	Amount     int64       `json:"amount"`
	ObjectID   string      `json:"object_id"`
	ObjectType string      `json:"object_type"` // "cluster" | "site"
	Reason     string      `json:"reason,omitempty"`
	RefundOf   string      `json:"refund_of,omitempty"` // spend entry this refund settles
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Page is one generated page of a cluster.
type Page struct {
	ID        string    `json:"id"`
	ClusterID string    `json:"cluster_id"`
	Title     string    `json:"title"`
	Path      string    `json:"path"`
	PageType  string    `json:"page_type"`
	CreatedAt time.Time `json:"created_at"`
}
