// Package config provides application configuration from environment variables.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all application configuration.
type Settings struct {
	// Application metadata
	Version  string `envconfig:"VERSION" default:"0.1.0"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// API server settings
	APIHost string `envconfig:"API_HOST" default:"0.0.0.0"`
	APIPort int    `envconfig:"API_PORT" default:"9010"`

	// Database settings
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/var/lib/webgrove/webgrove.db"`

	// Auth settings
	JWTSecret         string        `envconfig:"JWT_SECRET" default:""` // Must be set in production!
	AccessTokenExpiry time.Duration `envconfig:"ACCESS_TOKEN_EXPIRY" default:"15m"`

	// Provider manager (server create/get/delete/status/dns endpoints)
	ProviderManagerURL     string        `envconfig:"PROVIDER_MANAGER_URL" default:"http://provider-manager:8700"`
	ProviderManagerTimeout time.Duration `envconfig:"PROVIDER_MANAGER_TIMEOUT" default:"60s"`

	// Content generation microservice
	ContentServiceURL     string        `envconfig:"CONTENT_SERVICE_URL" default:"http://content-service:8600"`
	ContentServiceTimeout time.Duration `envconfig:"CONTENT_SERVICE_TIMEOUT" default:"180s"`

	// SSH script execution on provisioned servers
	SSHUser           string        `envconfig:"SSH_USER" default:"root"`
	SSHConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"30s"`
	SetupScriptPath   string        `envconfig:"SETUP_SCRIPT_PATH" default:"/var/lib/webgrove/scripts/setup.sh"`
	UploadRemoteDir   string        `envconfig:"UPLOAD_REMOTE_DIR" default:"/var/www/webgrove"`

	// Generation pricing: funds reserved per planned page
	PricePerPage int64 `envconfig:"PRICE_PER_PAGE" default:"5"`

	// Deployment sweep
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	SweepEnabled  bool          `envconfig:"SWEEP_ENABLED" default:"true"`

	// Duplicate-submission suppression keys
	RequestKeyTTL time.Duration `envconfig:"REQUEST_KEY_TTL" default:"30m"`
}

// ListenAddr returns the address string for the HTTP server to bind to.
func (s *Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.APIHost, s.APIPort)
}

var (
	cfg  *Settings
	once sync.Once
)

// Get returns the singleton Settings instance.
func Get() *Settings {
	once.Do(func() {
		cfg = &Settings{}
		if err := envconfig.Process("WEBGROVE", cfg); err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
	})
	return cfg
}

// Load processes configuration from the environment without the singleton.
// Used by tests that need isolated settings.
func Load() (*Settings, error) {
	s := &Settings{}
	if err := envconfig.Process("WEBGROVE", s); err != nil {
		return nil, err
	}
	return s, nil
}
