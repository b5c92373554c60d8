package gateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	redisstore "moonlander/internal/store/redis"
)

// displayConfigRedisKey persists the shared dashboard layout across
// gateway restarts.
const displayConfigRedisKey = "gateway:display_config"

const configPersistTimeout = 2 * time.Second

// configUpdateMsg is the control frame pushed to clients when the
// display config changes.
type configUpdateMsg struct {
	Type    string         `json:"type"`
	Entries []DisplayEntry `json:"entries"`
	TS      string         `json:"ts"`
}

// ConfigStore owns the shared display configuration: the set of product
// cards every dashboard shows. Updates persist to Redis and broadcast to
// connected clients so all dashboards stay in sync.
type ConfigStore struct {
	hub   *Hub
	store *redisstore.Reader
}

// NewConfigStore creates a ConfigStore backed by the given Hub.
func NewConfigStore(hub *Hub, store *redisstore.Reader) *ConfigStore {
	return &ConfigStore{hub: hub, store: store}
}

// Load restores the display config persisted in Redis. Called once at
// gateway startup; reports whether anything was restored.
func (cs *ConfigStore) Load(ctx context.Context) bool {
	if cs.store == nil {
		return false
	}
	raw, err := cs.store.Client().Get(ctx, displayConfigRedisKey).Result()
	if err != nil {
		return false
	}
	var cfg ActiveConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		log.Printf("[config_store] stored display config unreadable: %v", err)
		return false
	}
	cs.hub.mu.Lock()
	cs.hub.activeConfig = cfg
	cs.hub.mu.Unlock()
	log.Printf("[config_store] restored display config: %d entries", len(cfg.Entries))
	return true
}

// Get returns the current display configuration.
func (cs *ConfigStore) Get() ActiveConfig {
	cs.hub.mu.RLock()
	defer cs.hub.mu.RUnlock()
	return cs.hub.activeConfig
}

// Set installs a new display config, persists it, and pushes the update
// to every connected client.
func (cs *ConfigStore) Set(cfg ActiveConfig) {
	cs.hub.mu.Lock()
	cs.hub.activeConfig = cfg
	cs.hub.mu.Unlock()

	cs.persist(cfg)

	frame, err := json.Marshal(configUpdateMsg{
		Type:    "config_update",
		Entries: cfg.Entries,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	cs.hub.pushAll(frame)
}

// persist writes the config under its Redis key so a restarted gateway
// keeps the shared layout. Failures are logged and tolerated; the
// in-memory config is already live.
func (cs *ConfigStore) persist(cfg ActiveConfig) {
	if cs.store == nil {
		return
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), configPersistTimeout)
	defer cancel()
	if err := cs.store.Client().Set(ctx, displayConfigRedisKey, data, 0).Err(); err != nil {
		log.Printf("[config_store] persist display config: %v", err)
	}
}
