package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alphamarket/internal/config"
	"github.com/alanyoungcy/alphamarket/internal/market"
)

func testApp(t *testing.T) (*App, *config.Config) {
	t.Helper()
	cfg, err := config.Load("../../config.example.toml")
	require.NoError(t, err)
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), cfg
}

func TestWireMemoryOnly(t *testing.T) {
	a, cfg := testApp(t)
	deps, cleanup, err := Wire(context.Background(), cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &market.MemoryVault{}, deps.Treasury)
	assert.Nil(t, deps.Journal)
	assert.Nil(t, deps.Events)
	assert.Nil(t, deps.EventBus)
	assert.Nil(t, deps.Archiver)
	assert.False(t, deps.Notifier.Enabled())
	assert.Empty(t, deps.HealthChecks)
}

func TestNeeds(t *testing.T) {
	cfg := config.Defaults()
	for mode, want := range map[string][2]bool{
		"server":  {false, false},
		"archive": {true, true},
		"full":    {false, true},
		"verify":  {true, false},
	} {
		cfg.Mode = mode
		assert.Equal(t, want[0], needsPostgres(&cfg), mode)
		assert.Equal(t, want[1], needsS3(&cfg), mode)
	}
	cfg.Mode = "server"
	cfg.Postgres.Enabled = true
	assert.True(t, needsPostgres(&cfg))
}

func TestVerifyModeInMemory(t *testing.T) {
	a, cfg := testApp(t)
	deps, cleanup, err := Wire(context.Background(), cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, a.VerifyMode(context.Background(), deps))

	// value held outside any purchase breaks the escrow invariant
	vault := deps.Treasury.(*market.MemoryVault)
	require.NoError(t, vault.Credit(context.Background(), common.HexToAddress("0x01"), uint256.NewInt(5)))
	require.NoError(t, vault.Collect(context.Background(), common.HexToAddress("0x01"), uint256.NewInt(5)))
	require.Error(t, a.VerifyMode(context.Background(), deps))
}

func TestArchiverRequiresBackends(t *testing.T) {
	a, cfg := testApp(t)
	deps, cleanup, err := Wire(context.Background(), cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()

	require.Error(t, a.ArchiveMode(context.Background(), deps))
}
