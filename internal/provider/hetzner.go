package provider

import (
	"time"

	"github.com/webgrove/api/internal/circuitbreaker"
	"github.com/webgrove/api/internal/models"
)

// NewHetzner builds the Hetzner Cloud gateway.
func NewHetzner(managerURL string, timeout time.Duration, breaker *circuitbreaker.Breaker, scripts *ScriptRunner) Gateway {
	return newAdapter("hetzner", hetznerCatalog(),
		newManagerClient(managerURL, timeout, breaker), scripts, hetznerStatus)
}

// hetznerStatus maps Hetzner server states onto the shared vocabulary.
func hetznerStatus(s string) models.ServerStatus {
	switch s {
	case "running":
		return models.ServerRunning
	case "initializing", "starting":
		return models.ServerStarting
	case "stopping", "deleting":
		return models.ServerStopping
	case "off":
		return models.ServerStopped
	case "migrating", "rebuilding":
		return models.ServerProcessing
	default:
		return models.ServerUnknown
	}
}
