package dispatch

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Config carries the engine's tunables. Zero values fall back to the
// defaults below.
type Config struct {
	// ReadOnly refuses mutating operations, for maintenance windows.
	ReadOnly bool `env:"DISPATCH_READ_ONLY,default=false"`
	// AllowListPath optionally restricts enabled operations; the file is
	// hot-reloaded on change.
	AllowListPath string `env:"DISPATCH_ALLOWLIST_PATH"`
	// UserServicesDisabled refuses everything except administrative
	// operations, for drain-before-upgrade windows.
	UserServicesDisabled bool `env:"DISPATCH_USER_SERVICES_DISABLED,default=false"`
	// SlowWarn logs a warning for requests slower than this. Zero disables
	// the check.
	SlowWarn time.Duration `env:"DISPATCH_SLOW_WARN,default=2s"`

	// Blocking wait bounds. Client-requested timeouts are clamped into
	// [MinWait, MaxWait].
	DefaultWait time.Duration `env:"DISPATCH_WAIT_DEFAULT,default=5m"`
	MinWait     time.Duration `env:"DISPATCH_WAIT_MIN,default=30s"`
	MaxWait     time.Duration `env:"DISPATCH_WAIT_MAX,default=15m"`

	// RefreshStaleness forces a client refresh when a session's last full
	// refresh is older than this. Zero disables the age check.
	RefreshStaleness time.Duration `env:"SESSION_REFRESH_STALENESS,default=0s"`
}

// ConfigFromEnv loads Config from the environment. Defaults are provided
// via struct tags.
func ConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DefaultWait <= 0 {
		c.DefaultWait = 5 * time.Minute
	}
	if c.MinWait <= 0 {
		c.MinWait = 30 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 15 * time.Minute
	}
	if c.MaxWait < c.MinWait {
		c.MaxWait = c.MinWait
	}
}
