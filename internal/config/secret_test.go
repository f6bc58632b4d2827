package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSecret_String(t *testing.T) {
	s := Secret("password123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))

	empty := Secret("")
	assert.Equal(t, "", empty.String())
}

func TestSecret_GoString(t *testing.T) {
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", Secret("password123")))
	assert.Equal(t, `""`, fmt.Sprintf("%#v", Secret("")))
}

func TestSecret_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: "password123"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(data))

	data, err = json.Marshal(struct {
		Key Secret `json:"key"`
	}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":""}`, string(data))
}

func TestSecret_IsSetAndReveal(t *testing.T) {
	assert.False(t, Secret("").IsSet())
	s := Secret("hunter2")
	assert.True(t, s.IsSet())
	assert.Equal(t, "hunter2", s.Reveal())
	assert.NotContains(t, fmt.Sprintf("%v %s %+v", s, s, struct{ K Secret }{s}), "hunter2")
}

func TestSecret_YAMLRoundTrip(t *testing.T) {
	var cfg struct {
		Key Secret `yaml:"key"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("key: raw-value"), &cfg))
	assert.Equal(t, "raw-value", string(cfg.Key))

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "[REDACTED]")
}
