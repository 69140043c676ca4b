package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_DefaultValues(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.LogLevel)
	assert.Equal(t, "localhost:8080", cfg.Domain)
	assert.Equal(t, "server-identity.json", cfg.IdentityFile)
	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.False(t, cfg.HTTP.EnableHTTPS)
	assert.Equal(t, "50051", cfg.GRPC.Port)
	assert.Equal(t, "cert.pem", cfg.GRPC.CertFileName)
	assert.Equal(t, "key.pem", cfg.GRPC.PrivateKeyFileName)
	assert.Empty(t, cfg.Database.DSN)
	assert.Equal(t, "devsecret", cfg.JWT.Secret)
	assert.Equal(t, 15*time.Minute, cfg.JWT.TTL)
	assert.False(t, cfg.Storage.Enabled)
	assert.Equal(t, "localhost:9000", cfg.Storage.Endpoint)
	assert.Equal(t, "notesfed-snapshots", cfg.Storage.Bucket)
	assert.Equal(t, 5*time.Minute, cfg.Federation.ReplayWindow)
	assert.Equal(t, 30*time.Second, cfg.Federation.KeepAlive)
	assert.Equal(t, 3*time.Second, cfg.Federation.ReconnectDelay)
	assert.Equal(t, 5*time.Minute, cfg.Federation.PeerKeyTTL)
	assert.Equal(t, time.Second, cfg.Federation.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Federation.HTTPTimeout)
	assert.Equal(t, []string{"localhost", "127.0.0.1"}, cfg.Federation.InsecureDomains)
	assert.False(t, cfg.Federation.Polling)
}

func TestNewConfig_EnvironmentOverrides(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected func(*Config)
	}{
		{
			name:    "log level override",
			envVars: map[string]string{"LOG_LEVEL": "-4"},
			expected: func(cfg *Config) {
				assert.Equal(t, -4, cfg.LogLevel)
			},
		},
		{
			name: "server identity",
			envVars: map[string]string{
				"SERVER_DOMAIN":        " notes.example.org ",
				"SERVER_IDENTITY_FILE": "/var/lib/notesfed/identity.json",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, "notes.example.org", cfg.Domain)
				assert.Equal(t, "/var/lib/notesfed/identity.json", cfg.IdentityFile)
			},
		},
		{
			name: "http config override",
			envVars: map[string]string{
				"HTTP_PORT":                  "443",
				"HTTP_ENABLE_HTTPS":          "true",
				"HTTP_CERT_FILE_NAME":        "custom.pem",
				"HTTP_PRIVATE_KEY_FILE_NAME": "custom-key.pem",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, "443", cfg.HTTP.Port)
				assert.True(t, cfg.HTTP.EnableHTTPS)
				assert.Equal(t, "custom.pem", cfg.HTTP.CertFileName)
				assert.Equal(t, "custom-key.pem", cfg.HTTP.PrivateKeyFileName)
			},
		},
		{
			name: "database and storage",
			envVars: map[string]string{
				"DATABASE_DSN":      "postgres://u:p@db:5432/notes",
				"MINIO_ENABLED":     "true",
				"MINIO_BUCKET_NAME": "snaps",
				"MINIO_USE_SSL":     "true",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, "postgres://u:p@db:5432/notes", cfg.Database.DSN)
				assert.True(t, cfg.Storage.Enabled)
				assert.Equal(t, "snaps", cfg.Storage.Bucket)
				assert.True(t, cfg.Storage.UseSSL)
			},
		},
		{
			name: "federation",
			envVars: map[string]string{
				"FEDERATION_REPLAY_WINDOW":    "1m",
				"FEDERATION_RECONNECT_DELAY":  "500ms",
				"FEDERATION_INSECURE_DOMAINS": "localhost,dev.internal",
				"FEDERATION_POLLING":          "true",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, time.Minute, cfg.Federation.ReplayWindow)
				assert.Equal(t, 500*time.Millisecond, cfg.Federation.ReconnectDelay)
				assert.Equal(t, []string{"localhost", "dev.internal"}, cfg.Federation.InsecureDomains)
				assert.True(t, cfg.Federation.Polling)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := NewConfig()
			require.NoError(t, err)
			tt.expected(cfg)
		})
	}
}

func TestNewConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr string
	}{
		{
			name:    "bad duration",
			envVars: map[string]string{"FEDERATION_KEEP_ALIVE": "soon"},
			wantErr: "failed to parse config",
		},
		{
			name:    "domain with path",
			envVars: map[string]string{"SERVER_DOMAIN": "example.org/notes"},
			wantErr: "SERVER_DOMAIN",
		},
		{
			name:    "zero replay window",
			envVars: map[string]string{"FEDERATION_REPLAY_WINDOW": "0s"},
			wantErr: "FEDERATION_REPLAY_WINDOW",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			_, err := NewConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
