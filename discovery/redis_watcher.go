package discovery

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

// AgentFactory builds an Agent for a dynamically discovered backend. It is
// supplied by the process wiring layer, which owns the concrete agent
// constructors (package agent), so this package never imports agent
// directly.
type AgentFactory func(id core.BackendId, name, url string, backendType core.BackendType, metadata map[string]string) (registry.Agent, error)

// DiscoveredBackend is the JSON envelope published on the Redis pub/sub
// channel for dynamic backend registration and deregistration (SPEC_FULL.md
// §3.1). Removed announces that a previously discovered backend is gone
// (e.g. the external mDNS bridge lost its advertisement); only ID is
// required in that case.
type DiscoveredBackend struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	BackendType string            `json:"backend_type"`
	Priority    int               `json:"priority"`
	Metadata    map[string]string `json:"metadata"`
	Removed     bool              `json:"removed"`
}

// RedisBackendWatcher subscribes to a Redis pub/sub channel and registers
// backends announced on it, using go-redis/v8's PubSub client (grounded on
// the teacher's existing redis dependency).
type RedisBackendWatcher struct {
	client  *redis.Client
	channel string
	reg     *registry.Registry
	factory AgentFactory
	logger  core.Logger
}

// NewRedisBackendWatcher constructs a watcher. A nil logger is replaced with
// a no-op.
func NewRedisBackendWatcher(client *redis.Client, channel string, reg *registry.Registry, factory AgentFactory, logger core.Logger) *RedisBackendWatcher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisBackendWatcher{client: client, channel: channel, reg: reg, factory: factory, logger: logger}
}

// Run subscribes and processes announcements until ctx is canceled or the
// subscription's channel closes.
func (w *RedisBackendWatcher) Run(ctx context.Context) error {
	sub := w.client.Subscribe(ctx, w.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			w.handle(msg.Payload)
		}
	}
}

// handle parses and registers one announcement. Malformed payloads and
// construction failures are logged and dropped; they never bring down the
// watcher.
func (w *RedisBackendWatcher) handle(payload string) {
	var d DiscoveredBackend
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		w.logger.Warn("redis discovery: invalid payload", map[string]interface{}{"error": err.Error()})
		return
	}
	if d.ID == "" {
		w.logger.Warn("redis discovery: missing id", map[string]interface{}{"payload": payload})
		return
	}

	if d.Removed {
		if err := w.reg.RemoveBackend(core.BackendId(d.ID)); err != nil {
			w.logger.Debug("redis discovery: remove of unknown backend", map[string]interface{}{"backend_id": d.ID})
		}
		return
	}

	if d.URL == "" {
		w.logger.Warn("redis discovery: missing url", map[string]interface{}{"payload": payload})
		return
	}

	backendType := core.BackendType(d.BackendType)
	agent, err := w.factory(core.BackendId(d.ID), d.Name, d.URL, backendType, d.Metadata)
	if err != nil {
		w.logger.Warn("redis discovery: agent construction failed", map[string]interface{}{
			"backend_id": d.ID,
			"error":      err.Error(),
		})
		return
	}

	rec := registry.BackendRecord{
		ID:              core.BackendId(d.ID),
		Name:            d.Name,
		URL:             d.URL,
		BackendType:     backendType,
		Status:          registry.UnknownStatus(),
		Priority:        d.Priority,
		PrivacyZone:     core.ZoneForBackendType(backendType),
		DiscoverySource: core.SourceDiscovered,
	}

	if err := w.reg.AddBackendWithAgent(rec, agent); err != nil {
		w.logger.Debug("redis discovery: backend already registered", map[string]interface{}{"backend_id": d.ID})
	}
}
