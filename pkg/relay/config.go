package relay

import (
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerCfg holds the relationship service settings.
type ServerCfg struct {
	ListenAddr               string        `env:"TCRELAY_LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	DatabaseURL              string        `env:"TCRELAY_DATABASE_URL"`
	DatabaseSchema           string        `env:"TCRELAY_DATABASE_SCHEMA" envDefault:"tcrelay"`
	InvitationTTL            time.Duration `env:"TCRELAY_INVITATION_TTL" envDefault:"168h"`
	TraceIdHeader            string        `env:"TCRELAY_TRACE_ID_HEADER" envDefault:"X-Trace-Id"`
	DrainDuration            time.Duration `env:"TCRELAY_DRAIN_DURATION" envDefault:"30s"`
	GracefulShutdownDuration time.Duration `env:"TCRELAY_SHUTDOWN_DURATION" envDefault:"10s"`
	ReadTimeout              time.Duration `env:"TCRELAY_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout             time.Duration `env:"TCRELAY_WRITE_TIMEOUT" envDefault:"10s"`
}

// LoadServerCfg returns a ServerCfg initialized from the environment.
func LoadServerCfg() (ServerCfg, error) {
	var cfg ServerCfg
	err := env.Parse(&cfg)
	if nil != err {
		return cfg, wrapError(err, "failed parsing environment")
	}
	return cfg, cfg.Check()
}

// Check returns an error if self is invalid.
func (self ServerCfg) Check() error {
	if "" == self.ListenAddr {
		return newError("empty ListenAddr")
	}
	if "" != self.DatabaseURL && "" == self.DatabaseSchema {
		return newError("empty DatabaseSchema")
	}
	if self.InvitationTTL <= 0 {
		return newError("InvitationTTL must be positive")
	}
	return nil
}

// ClientCfg holds the relationship service client settings.
type ClientCfg struct {
	BaseURL string        `env:"TCRELAY_URL" envDefault:"http://127.0.0.1:8080"`
	Timeout time.Duration `env:"TCRELAY_CLIENT_TIMEOUT" envDefault:"10s"`
}

// LoadClientCfg returns a ClientCfg initialized from the environment.
func LoadClientCfg() (ClientCfg, error) {
	var cfg ClientCfg
	err := env.Parse(&cfg)
	if nil != err {
		return cfg, wrapError(err, "failed parsing environment")
	}
	return cfg, cfg.Check()
}

// Check returns an error if self is invalid.
func (self ClientCfg) Check() error {
	u, err := url.Parse(self.BaseURL)
	if nil != err {
		return wrapError(err, "invalid BaseURL")
	}
	if "http" != u.Scheme && "https" != u.Scheme {
		return newError("invalid BaseURL scheme %q", u.Scheme)
	}
	if self.Timeout <= 0 {
		return newError("Timeout must be positive")
	}
	return nil
}
