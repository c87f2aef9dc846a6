package testutil

import (
	"os"
	"testing"

	"github.com/rechain/bftcore/internal/bftcrypto"
	"github.com/rechain/bftcore/internal/lanestore"
	"github.com/rechain/bftcore/internal/metrics"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/network"
	"github.com/rechain/bftcore/internal/staking"
	"github.com/rechain/bftcore/pkg/config"
)

// TestEnvironment manages the test environment for package and integration
// tests: a temp data directory, a default config, and an in-memory lane
// store. Tests that need BadgerDB durability should open their own
// lanestore.BadgerStore against env.TempDir instead of env.Store.
type TestEnvironment struct {
	T       *testing.T
	TempDir string
	Config  *config.Config
	Store   *lanestore.LaneStore
}

// NewTestEnvironment creates a new test environment backed by an in-memory
// lane store, fast enough for table-driven tests that don't care about
// on-disk persistence.
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "bftcore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Node.DataDirectory = tempDir
	cfg.Storage.Path = tempDir + "/lanes"

	return &TestEnvironment{
		T:       t,
		TempDir: tempDir,
		Config:  cfg,
		Store:   lanestore.NewLaneStore(lanestore.NewMemStore()),
	}
}

// Close cleans up the test environment.
func (env *TestEnvironment) Close() {
	env.T.Helper()

	if env.Store != nil {
		if err := env.Store.Close(); err != nil {
			env.T.Logf("error closing store: %v", err)
		}
	}

	if env.TempDir != "" {
		if err := os.RemoveAll(env.TempDir); err != nil {
			env.T.Logf("error removing temp dir: %v", err)
		}
	}
}

// MustOpenBadgerStore opens a BadgerDB-backed lane store under env.TempDir,
// for tests that specifically exercise on-disk persistence.
func (env *TestEnvironment) MustOpenBadgerStore(subdir string) *lanestore.LaneStore {
	env.T.Helper()

	db, err := lanestore.NewBadgerStore(env.TempDir+"/"+subdir, env.Config.Storage.CacheSize, false)
	if err != nil {
		env.T.Fatalf("failed to open badger store: %v", err)
	}
	return lanestore.NewLaneStore(db)
}

// FixedValidatorSet returns n deterministic FakeSigners, all bonded with
// equal stake in a fresh staking.View. Signer i is seeded with byte(i+1), so
// the same index always yields the same public key across a test file.
func FixedValidatorSet(t *testing.T, n int) ([]*bftcrypto.FakeSigner, *staking.View) {
	t.Helper()

	view := staking.NewView(1)
	signers := make([]*bftcrypto.FakeSigner, 0, n)
	for i := 0; i < n; i++ {
		s := bftcrypto.NewFakeSigner(byte(i + 1))
		signers = append(signers, s)
		view.SetStake(s.PublicKey(), 10)
		view.Bond(s.PublicKey())
	}
	return signers, view
}

// Hub joins a set of signers onto a shared in-memory network.Hub and keeps
// their Network handles addressable by public key, mirroring how a real
// node looks up peers by validator identity rather than by join order.
type Hub struct {
	hub  *network.Hub
	nets map[model.ValidatorPublicKey]network.Network
}

// NewHub joins every signer in signers exactly once. Re-joining a signer
// later would replace its inbox channel and strand anything already sent to
// it, so callers should build the full validator set before using the hub.
func NewHub(signers []*bftcrypto.FakeSigner) *Hub {
	hub := network.NewHub(32)
	nets := make(map[model.ValidatorPublicKey]network.Network, len(signers))
	for _, s := range signers {
		nets[s.PublicKey()] = hub.Join(s.PublicKey())
	}
	return &Hub{hub: hub, nets: nets}
}

// NetworkFor returns the Network handle joined for pub.
func (h *Hub) NetworkFor(pub model.ValidatorPublicKey) network.Network {
	return h.nets[pub]
}

// NewMetrics returns a metrics.Metrics registered against a private
// registry, safe to construct once per test without colliding with other
// tests' metric registrations.
func NewMetrics() *metrics.Metrics {
	return metrics.NewForTests()
}
