package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("INTERNAL_SERVICE_SECRET", "internal")
	t.Setenv("JWT_TTL", "")
	require.NoError(t, os.Unsetenv("JWT_TTL"))

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, cfg.JWTTTL)
	assert.Equal(t, 10*time.Second, cfg.DownstreamTimeout)

	ds := cfg.Downstreams()
	require.Len(t, ds, 5)
	assert.Equal(t, "profile", ds[0].Name)
	assert.Equal(t, TrustUser, ds[0].Trust)
	assert.Equal(t, "ai-history", ds[4].Name)
	assert.Equal(t, TrustInternal, ds[4].Trust)
}

func TestValidate(t *testing.T) {
	base := Config{
		JWTSecret:              "0123456789abcdef",
		JWTTTL:                 time.Hour,
		DownstreamTimeout:      time.Second,
		InternalServiceSecret:  "s",
		ProfileServiceURL:      "http://p/{id}",
		ProfileServiceTrust:    TrustUser,
		RelationServiceURL:     "http://r/{id}",
		RelationServiceTrust:   TrustUser,
		EngagementServiceURL:   "http://e/{id}",
		EngagementServiceTrust: TrustUser,
		ContentServiceURL:      "http://c/{id}",
		ContentServiceTrust:    TrustUser,
		AIHistoryServiceURL:    "http://a/{id}",
		AIHistoryServiceTrust:  TrustInternal,
	}
	require.NoError(t, base.Validate())

	short := base
	short.JWTSecret = "short"
	assert.ErrorContains(t, short.Validate(), "JWT_SECRET")

	noSecret := base
	noSecret.InternalServiceSecret = ""
	assert.ErrorContains(t, noSecret.Validate(), "ai-history uses internal trust")

	badTrust := base
	badTrust.ContentServiceTrust = "root"
	assert.ErrorContains(t, badTrust.Validate(), `unknown trust mode "root"`)

	noURL := base
	noURL.ProfileServiceURL = " "
	assert.ErrorContains(t, noURL.Validate(), "profile endpoint is required")
}
