package provider

import (
	"time"

	"github.com/webgrove/api/internal/circuitbreaker"
	"github.com/webgrove/api/internal/models"
)

// NewScaleway builds the Scaleway gateway.
func NewScaleway(managerURL string, timeout time.Duration, breaker *circuitbreaker.Breaker, scripts *ScriptRunner) Gateway {
	return newAdapter("scaleway", scalewayCatalog(),
		newManagerClient(managerURL, timeout, breaker), scripts, scalewayStatus)
}

// scalewayStatus maps Scaleway instance states onto the shared vocabulary.
func scalewayStatus(s string) models.ServerStatus {
	switch s {
	case "running":
		return models.ServerRunning
	case "starting":
		return models.ServerStarting
	case "stopping":
		return models.ServerStopping
	case "stopped", "stopped in place":
		return models.ServerStopped
	case "locked":
		return models.ServerProcessing
	default:
		return models.ServerUnknown
	}
}
