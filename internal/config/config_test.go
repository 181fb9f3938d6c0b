package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := New()
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.False(t, cfg.Shardlord)
	assert.Equal(t, defaultCmdRetryNaptime, cfg.CmdRetryNaptime)
	assert.Equal(t, defaultPollInterval, cfg.PollInterval)
	assert.False(t, cfg.SyncReplicas)
}

func TestLoadRequiresDBNameWhenShardlord(t *testing.T) {
	v := New()
	v.Set("shardlord", true)

	_, err := Load(v)
	require.Error(t, err)
}

func TestLoadAcceptsShardlordWithDBName(t *testing.T) {
	v := New()
	v.Set("shardlord", true)
	v.Set("shardlord_dbname", "shardman")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.True(t, cfg.Shardlord)
	assert.Equal(t, "shardman", cfg.ShardlordDBName)
}

func TestLoadRejectsNonPositiveNaptime(t *testing.T) {
	v := New()
	v.Set("cmd_retry_naptime_ms", 0)

	_, err := Load(v)
	require.Error(t, err)
}

func TestApplyReloadOverwritesOnlyReloadableFields(t *testing.T) {
	v := New()
	v.Set("shardlord", true)
	v.Set("shardlord_dbname", "shardman")
	cfg, err := Load(v)
	require.NoError(t, err)

	v.Set("poll_interval_ms", 5000)
	v.Set("sync_replicas", true)
	ApplyReload(&cfg, v)

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.True(t, cfg.SyncReplicas)
	assert.Equal(t, "shardman", cfg.ShardlordDBName, "non-reloadable field must be untouched")
}
