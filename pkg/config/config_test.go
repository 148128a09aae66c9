package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCredential(t *testing.T) {
	t.Setenv(EnvToken, "")
	t.Setenv(EnvLegacyToken, "")

	assert.Equal(t, "", ResolveCredential(""))
	assert.Equal(t, "explicit", ResolveCredential("explicit"))

	t.Setenv(EnvLegacyToken, "legacy")
	assert.Equal(t, "legacy", ResolveCredential(""))

	t.Setenv(EnvToken, "primary")
	assert.Equal(t, "primary", ResolveCredential(""))
	assert.Equal(t, "explicit", ResolveCredential("explicit"))
}

func TestDefaultCacheDir(t *testing.T) {
	t.Setenv(EnvHubCache, "/tmp/hub-cache")
	assert.Equal(t, "/tmp/hub-cache", DefaultCacheDir())

	t.Setenv(EnvHubCache, "")
	t.Setenv(EnvHome, "/tmp/hf-home")
	assert.Equal(t, filepath.Join("/tmp/hf-home", "hub"), DefaultCacheDir())
}

func TestDefaultEndpointURL(t *testing.T) {
	t.Setenv(EnvEndpoint, "")
	assert.Equal(t, DefaultEndpoint, DefaultEndpointURL())

	t.Setenv(EnvEndpoint, "http://mirror.local")
	assert.Equal(t, "http://mirror.local", NewConfig().Hub.Endpoint)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Hub.Backend = "ftp" }, wantErr: "unknown hub.backend"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Hub.Backend = BackendS3 }, wantErr: "hub.bucket is required"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Hub.Concurrency = 0 }, wantErr: "hub.concurrency"},
		{name: "line size below buffer", mutate: func(c *Config) { c.Reader.MaxLineSize = 1 }, wantErr: "reader.max_line_size"},
		{name: "zero batch", mutate: func(c *Config) { c.Reader.BatchSize = 0 }, wantErr: "reader.batch_size"},
		{name: "sample rate", mutate: func(c *Config) { c.Observability.TracingSampleRate = 2 }, wantErr: "tracing_sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	t.Setenv("HFD_TEST_ROOT", "/srv/datasets")
	require.NoError(t, afero.WriteFile(fs, "/etc/hfdataset.yaml", []byte(`
dataset:
  name: org/data
  revision: v1
hub:
  backend: local
  local_root: ${HFD_TEST_ROOT}
reader:
  batch_size: ${HFD_TEST_BATCH:-256}
`), 0o644))

	loaded, err := LoadFile(fs, "/etc/hfdataset.yaml")
	require.NoError(t, err)
	assert.Equal(t, "org/data", loaded.Dataset.Name)
	assert.Equal(t, "v1", loaded.Dataset.Revision)
	assert.Equal(t, "/srv/datasets", loaded.Hub.LocalRoot)
	assert.Equal(t, int64(256), loaded.Reader.BatchSize)
	assert.Equal(t, NewConfig().Reader.MaxLineSize, loaded.Reader.MaxLineSize)
}

func TestLoadFileErrors(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := LoadFile(fs, "/missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	require.NoError(t, afero.WriteFile(fs, "/bad.yaml", []byte("hub: [unclosed"), 0o644))
	_, err = LoadFile(fs, "/bad.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")

	require.NoError(t, afero.WriteFile(fs, "/invalid.yaml", []byte("hub:\n  backend: ftp\n"), 0o644))
	_, err = LoadFile(fs, "/invalid.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown hub.backend")
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("HFD_TEST_VAR", "value")
	t.Setenv("HFD_TEST_SELF", "${HFD_TEST_SELF}")
	t.Setenv("HFD_TEST_NESTED", "${HFD_TEST_VAR}")
	t.Setenv("HFD_TEST_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{in: "a: ${HFD_TEST_VAR}", want: "a: value"},
		{in: "a: ${HFD_TEST_VAR}/${HFD_TEST_VAR}", want: "a: value/value"},
		{in: "a: ${HFD_TEST_UNSET_VAR}", want: "a: "},
		{in: "a: ${HFD_TEST_UNSET_VAR:-fallback}", want: "a: fallback"},
		{in: "a: ${HFD_TEST_EMPTY:-fallback}", want: "a: fallback"},
		{in: "a: ${HFD_TEST_VAR:-fallback}", want: "a: value"},
		{in: "a: ${unterminated", want: "a: ${unterminated"},
		{in: "a: $HFD_TEST_VAR", want: "a: $HFD_TEST_VAR"},
		{in: "a: ${HFD_TEST_SELF}", want: "a: ${HFD_TEST_SELF}"},
		{in: "a: ${HFD_TEST_NESTED}", want: "a: ${HFD_TEST_VAR}"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			done := make(chan string, 1)
			go func() { done <- expandEnv(tt.in) }()
			select {
			case got := <-done:
				assert.Equal(t, tt.want, got)
			case <-time.After(2 * time.Second):
				t.Fatal("expandEnv did not return")
			}
		})
	}
}
