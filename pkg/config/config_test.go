package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigHasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, P2PModeValidator, cfg.P2P.Mode)
	assert.Equal(t, uint64(1000), cfg.Node.MinStake)
	assert.True(t, cfg.Storage.Sync)
}

func TestTimeoutAfterIsLinearBackoff(t *testing.T) {
	cfg := DefaultConfig().Consensus
	t0 := cfg.TimeoutAfter(0)
	t1 := cfg.TimeoutAfter(1)
	t2 := cfg.TimeoutAfter(2)

	assert.Equal(t, cfg.TimeoutBase, t0)
	assert.Equal(t, cfg.TimeoutBase+cfg.TimeoutIncrement, t1)
	assert.Equal(t, t1-t0, t2-t1, "backoff must be linear, not exponential")
}

func TestLoadConfigWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Consensus.SlotDuration)
	assert.NotEmpty(t, cfg.Storage.Path, "storage path must derive from data_directory when unset")
}
