package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

func newTestWatcher(reg *registry.Registry) *RedisBackendWatcher {
	factory := func(id core.BackendId, name, url string, backendType core.BackendType, metadata map[string]string) (registry.Agent, error) {
		return &probeAgent{id: id, healthy: true}, nil
	}
	return NewRedisBackendWatcher(nil, "nexus:backends", reg, factory, nil)
}

func TestRedisWatcher_HandleRegistersBackend(t *testing.T) {
	reg := registry.New()
	w := newTestWatcher(reg)

	w.handle(`{"id":"b1","name":"b1","url":"http://localhost:11434","backend_type":"ollama"}`)

	got, ok := reg.GetBackend("b1")
	require.True(t, ok)
	assert.Equal(t, core.SourceDiscovered, got.DiscoverySource)
}

func TestRedisWatcher_HandleIgnoresDuplicateRegistration(t *testing.T) {
	reg := registry.New()
	w := newTestWatcher(reg)

	w.handle(`{"id":"b1","name":"b1","url":"http://localhost:11434","backend_type":"ollama"}`)
	w.handle(`{"id":"b1","name":"b1","url":"http://localhost:11434","backend_type":"ollama"}`)

	_, ok := reg.GetBackend("b1")
	require.True(t, ok)
}

func TestRedisWatcher_HandleRemovesBackend(t *testing.T) {
	reg := registry.New()
	w := newTestWatcher(reg)

	w.handle(`{"id":"b1","name":"b1","url":"http://localhost:11434","backend_type":"ollama"}`)
	_, ok := reg.GetBackend("b1")
	require.True(t, ok)

	w.handle(`{"id":"b1","removed":true}`)

	_, ok = reg.GetBackend("b1")
	assert.False(t, ok)
}

func TestRedisWatcher_HandleRemoveUnknownIsNoop(t *testing.T) {
	reg := registry.New()
	w := newTestWatcher(reg)

	w.handle(`{"id":"missing","removed":true}`)

	_, ok := reg.GetBackend("missing")
	assert.False(t, ok)
}

func TestRedisWatcher_HandleDropsMalformedPayload(t *testing.T) {
	reg := registry.New()
	w := newTestWatcher(reg)

	w.handle(`not json`)

	assert.Equal(t, 0, len(reg.AllBackends()))
}
