// Package config loads the process-global knobs described in spec.md
// §6.1. All of them are read once at startup; cmd_retry_naptime,
// poll_interval and sync_replicas may additionally be reloaded later by
// calling ApplyReload against the same viper instance.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the process-global configuration for a shardlord process.
type Config struct {
	// Shardlord is true when this process plays the coordinator role
	// (spec.md §6.1). The core described by this module only runs when
	// this is true; a worker-only process never constructs an executor.
	Shardlord bool

	// ShardlordDBName is the database the coordinator's in-process client
	// connects to.
	ShardlordDBName string

	// ShardlordConnString is how workers reach the coordinator. The core
	// also uses it as the dsn of each CP task's own shardlord session,
	// which reads pg_current_wal_lsn() for the metadata-caught-up check.
	ShardlordConnString string

	// CmdRetryNaptime is the delay applied after a transient SQL error
	// inside the CP state machine (spec.md §4.4).
	CmdRetryNaptime time.Duration

	// PollInterval is the delay applied between readiness polls for
	// replication progress (spec.md §4.4).
	PollInterval time.Duration

	// MyID is this worker's own node id, persisted so it survives
	// restarts. Zero means "not a worker" (irrelevant on the shardlord
	// itself, which uses NodeID only to resolve itself to INVALID in
	// chain computations).
	MyID int

	// SyncReplicas controls whether replicas must be added to the
	// synchronous-standby list (spec.md §4.5 step 3, §4.6 step 4).
	SyncReplicas bool
}

// Reloadable are the subset of knobs spec.md §6.1 marks reloadable.
type Reloadable struct {
	CmdRetryNaptime time.Duration
	PollInterval    time.Duration
	SyncReplicas    bool
}

const (
	defaultCmdRetryNaptime = 10 * time.Second
	defaultPollInterval    = 10 * time.Second
)

// New returns a viper instance pre-populated with this package's
// defaults and environment-variable bindings (SHARDLORD_* prefix). The
// caller may call SetConfigFile on it before Load to also read a TOML
// file, matching Thorsieger-replication-manager's viper-backed config
// surface.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("shardlord")
	v.AutomaticEnv()

	v.SetDefault("shardlord", false)
	v.SetDefault("shardlord_dbname", "")
	v.SetDefault("shardlord_connstring", "")
	v.SetDefault("cmd_retry_naptime_ms", defaultCmdRetryNaptime.Milliseconds())
	v.SetDefault("poll_interval_ms", defaultPollInterval.Milliseconds())
	v.SetDefault("my_id", 0)
	v.SetDefault("sync_replicas", false)

	return v
}

// Load validates and materializes a Config from a populated viper
// instance (see New).
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Shardlord:           v.GetBool("shardlord"),
		ShardlordDBName:     v.GetString("shardlord_dbname"),
		ShardlordConnString: v.GetString("shardlord_connstring"),
		CmdRetryNaptime:     time.Duration(v.GetInt64("cmd_retry_naptime_ms")) * time.Millisecond,
		PollInterval:        time.Duration(v.GetInt64("poll_interval_ms")) * time.Millisecond,
		MyID:                v.GetInt("my_id"),
		SyncReplicas:        v.GetBool("sync_replicas"),
	}

	if cfg.Shardlord && cfg.ShardlordDBName == "" {
		return Config{}, fmt.Errorf("config: shardlord_dbname is required when shardlord=true")
	}
	if cfg.CmdRetryNaptime <= 0 {
		return Config{}, fmt.Errorf("config: cmd_retry_naptime_ms must be positive, got %d", v.GetInt64("cmd_retry_naptime_ms"))
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("config: poll_interval_ms must be positive, got %d", v.GetInt64("poll_interval_ms"))
	}

	return cfg, nil
}

// ApplyReload overwrites the reloadable fields of cfg in place with
// whatever the viper instance currently holds, without touching the
// fields that are fixed for the process lifetime (Shardlord, MyID, ...).
func ApplyReload(cfg *Config, v *viper.Viper) {
	cfg.CmdRetryNaptime = time.Duration(v.GetInt64("cmd_retry_naptime_ms")) * time.Millisecond
	cfg.PollInterval = time.Duration(v.GetInt64("poll_interval_ms")) * time.Millisecond
	cfg.SyncReplicas = v.GetBool("sync_replicas")
}
