package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string
		fallback int
		want     int
		wantErr  bool
	}{
		{name: "returns fallback when unset", key: "ADALOG_TEST_INT_UNSET", fallback: 42, want: 42},
		{name: "parses valid int", key: "ADALOG_TEST_INT_VALID", setVal: strPtr("8080"), want: 8080},
		{name: "returns fallback for empty string", key: "ADALOG_TEST_INT_EMPTY", setVal: strPtr(""), fallback: 7, want: 7},
		{name: "errors on non-numeric", key: "ADALOG_TEST_INT_NAN", setVal: strPtr("abc"), wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got, err := getEnvInt(tc.key, tc.fallback)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("ADALOG_TEST_DUR", "250ms")
	d, err := getEnvDuration("ADALOG_TEST_DUR", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	t.Setenv("ADALOG_TEST_DUR_BAD", "soon")
	_, err = getEnvDuration("ADALOG_TEST_DUR_BAD", time.Second)
	require.Error(t, err)
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("ADALOG_TEST_LIST", " AutomaticWriting, ,dream ")
	assert.Equal(t, []string{"AutomaticWriting", "dream"}, getEnvList("ADALOG_TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvList("ADALOG_TEST_LIST_UNSET", []string{"x"}))
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ADALOG_SESSIONS_DIR", "")
	t.Setenv("ADALOG_BUFFER_CAPACITY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sessions", cfg.SessionsDir)
	assert.Equal(t, 4096, cfg.BufferCapacity)
	assert.Equal(t, 2*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, "eeg", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "sessions/catalog.sqlite", cfg.Catalog.Path)
	assert.False(t, cfg.ClickHouse.Enabled)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "zero buffer capacity", env: map[string]string{"ADALOG_BUFFER_CAPACITY": "0"}, want: "ADALOG_BUFFER_CAPACITY"},
		{name: "negative connect timeout", env: map[string]string{"ADALOG_CONNECT_TIMEOUT": "-1s"}, want: "ADALOG_CONNECT_TIMEOUT"},
		{name: "clickhouse without batch", env: map[string]string{"ADALOG_CLICKHOUSE_ENABLED": "true", "ADALOG_CLICKHOUSE_BATCH_SIZE": "0"}, want: "ADALOG_CLICKHOUSE_BATCH_SIZE"},
		{name: "bad bool", env: map[string]string{"ADALOG_MQTT_ENABLED": "maybe"}, want: "ADALOG_MQTT_ENABLED"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
