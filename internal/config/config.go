// Package config holds the process-wide settings handed to flows and the
// deletion saga at construction time.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// TrustMode says which credential authorizes a downstream delete.
type TrustMode string

const (
	// TrustUser forwards the caller's bearer credential.
	TrustUser TrustMode = "user"
	// TrustInternal sends the internal service secret instead.
	TrustInternal TrustMode = "internal"
)

// Downstream describes one delete-by-subject endpoint. Endpoint may contain
// the placeholder {id}, which is replaced with the subject id.
type Downstream struct {
	Name     string
	Endpoint string
	Trust    TrustMode
}

type Config struct {
	HTTPAddr      string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8431"`
	JWTSecret     string        `env:"JWT_SECRET"`
	JWTTTL        time.Duration `env:"JWT_TTL" envDefault:"168h"`
	JWTIssuer     string        `env:"JWT_ISSUER" envDefault:"pitchfork-identity"`
	AppURL        string        `env:"APP_URL" envDefault:"http://localhost:3000"`
	SnowflakeNode int64         `env:"SNOWFLAKE_NODE" envDefault:"1"`

	InternalServiceSecret  string        `env:"INTERNAL_SERVICE_SECRET"`
	DownstreamTimeout      time.Duration `env:"DOWNSTREAM_TIMEOUT" envDefault:"10s"`
	ProfileServiceURL      string        `env:"PROFILE_SERVICE_URL" envDefault:"http://localhost:8001/api/profile/user/{id}"`
	ProfileServiceTrust    TrustMode     `env:"PROFILE_SERVICE_TRUST" envDefault:"user"`
	RelationServiceURL     string        `env:"RELATION_SERVICE_URL" envDefault:"http://localhost:8002/api/relationships/user/{id}"`
	RelationServiceTrust   TrustMode     `env:"RELATION_SERVICE_TRUST" envDefault:"user"`
	EngagementServiceURL   string        `env:"ENGAGEMENT_SERVICE_URL" envDefault:"http://localhost:8003/api/engagement/user/{id}"`
	EngagementServiceTrust TrustMode     `env:"ENGAGEMENT_SERVICE_TRUST" envDefault:"user"`
	ContentServiceURL      string        `env:"CONTENT_SERVICE_URL" envDefault:"http://localhost:8004/api/posts/user/{id}"`
	ContentServiceTrust    TrustMode     `env:"CONTENT_SERVICE_TRUST" envDefault:"user"`
	AIHistoryServiceURL    string        `env:"AI_HISTORY_SERVICE_URL" envDefault:"http://localhost:8005/api/chat/history/user/{id}"`
	AIHistoryServiceTrust  TrustMode     `env:"AI_HISTORY_SERVICE_TRUST" envDefault:"internal"`

	NotificationTimeout time.Duration `env:"NOTIFICATION_TIMEOUT" envDefault:"15s"`
	SMTPHost            string        `env:"SMTP_HOST"`
	SMTPPort            int           `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername        string        `env:"SMTP_USERNAME"`
	SMTPPassword        string        `env:"SMTP_PASSWORD"`
	SMTPFrom            string        `env:"SMTP_FROM" envDefault:"no-reply@localhost"`

	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// ConfigFromEnv parses and validates the service config.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that have no safe default.
func (c Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 bytes"))
	}
	if c.JWTTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL must be positive"))
	}
	if c.DownstreamTimeout <= 0 {
		errs = append(errs, errors.New("DOWNSTREAM_TIMEOUT must be positive"))
	}
	for _, d := range c.Downstreams() {
		if strings.TrimSpace(d.Endpoint) == "" {
			errs = append(errs, fmt.Errorf("%s endpoint is required", d.Name))
		}
		switch d.Trust {
		case TrustUser:
		case TrustInternal:
			if c.InternalServiceSecret == "" {
				errs = append(errs, fmt.Errorf("%s uses internal trust but INTERNAL_SERVICE_SECRET is empty", d.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("%s has unknown trust mode %q", d.Name, d.Trust))
		}
	}
	return errors.Join(errs...)
}

// Downstreams lists the services the deletion saga fans out to.
func (c Config) Downstreams() []Downstream {
	return []Downstream{
		{Name: "profile", Endpoint: c.ProfileServiceURL, Trust: c.ProfileServiceTrust},
		{Name: "relationships", Endpoint: c.RelationServiceURL, Trust: c.RelationServiceTrust},
		{Name: "engagement", Endpoint: c.EngagementServiceURL, Trust: c.EngagementServiceTrust},
		{Name: "content", Endpoint: c.ContentServiceURL, Trust: c.ContentServiceTrust},
		{Name: "ai-history", Endpoint: c.AIHistoryServiceURL, Trust: c.AIHistoryServiceTrust},
	}
}
