package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "DERIV", cfg.NATS.Stream)
	assert.Equal(t, int64(500), cfg.Machine.PollIntervalMs)
	assert.Equal(t, 120, cfg.Machine.StartCycles)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `{
		"nats": {"url": "nats://bus:4222", "stream": "DERIV"},
		"api": {"url": "http://api:3030"},
		"influx": {"url": "http://influx:8086"},
		"build": {
			"source_defaults": {"ack_wait": 3600000, "max_in_flight": 1},
			"sources": [
				{
					"description": "Build derived datastreams based on a method",
					"sub_options": {"durable_name": "20181223"},
					"sub_to_subject": "dendra.derivedBuild.v2.req.{hostOrdinal}"
				}
			]
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
	require.Len(t, cfg.Build.Sources, 1)
	assert.Equal(t, "dendra.derivedBuild.v2.req.{hostOrdinal}", cfg.Build.Sources[0].SubToSubject)

	merged := cfg.Build.MergedSources()
	require.Len(t, merged, 1)
	assert.Equal(t, int64(3600000), merged[0].SubOptions.AckWait)
	assert.Equal(t, "20181223", merged[0].SubOptions.DurableName)
	assert.Equal(t, 1, merged[0].SubOptions.MaxInFlight)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DERIV_NATS_URL", "nats://override:4222")
	t.Setenv("DERIV_API_PASSWORD", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, "secret", cfg.API.Auth.Password)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }, "nats.url"},
		{"missing api url", func(c *Config) { c.API.URL = "" }, "api.url"},
		{"missing influx url", func(c *Config) { c.Influx.URL = "" }, "influx.url"},
		{"missing stream", func(c *Config) { c.NATS.Stream = "" }, "nats.stream"},
		{"bad poll interval", func(c *Config) { c.Machine.PollIntervalMs = 0 }, "poll_interval"},
		{
			"missing subject",
			func(c *Config) { c.Build.Sources = []Source{{}} },
			"sub_to_subject",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			if test.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), test.wantErr)
			}
		})
	}
}

func TestMergedSources_PerSourceOverride(t *testing.T) {
	wc := WorkerConfig{
		SourceDefaults: SubOptions{AckWait: 1000, DurableName: "default", MaxInFlight: 1},
		Sources: []Source{
			{SubToSubject: "a", SubOptions: SubOptions{AckWait: 5000}},
			{SubToSubject: "b"},
		},
	}

	merged := wc.MergedSources()
	assert.Equal(t, int64(5000), merged[0].SubOptions.AckWait)
	assert.Equal(t, "default", merged[0].SubOptions.DurableName)
	assert.Equal(t, int64(1000), merged[1].SubOptions.AckWait)
}
