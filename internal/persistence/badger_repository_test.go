package persistence

import (
	"testing"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerRepository_CheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBadgerRepository(dir)
	require.NoError(t, err)

	// --- Verification Point 1: empty database returns (nil, nil) ---
	loaded, err := repo.LoadCheckpoint()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	state := models.NewEngineState("BTCUSDT")
	state.Revision = 7
	state.Position = models.Position{ID: "pos-1", Status: models.StatusEntered, Size: 0.0668, AveragePrice: 112245.5, Leverage: 3, ScaleInCount: 1}
	state.ProcessedFills["123"] = time.Now().UTC().Truncate(time.Second)
	state.PeakEquity = 10000
	require.NoError(t, repo.SaveCheckpoint(state))
	require.NoError(t, repo.Close())

	// --- Verification Point 2: checkpoint survives reopening ---
	repo, err = NewBadgerRepository(dir)
	require.NoError(t, err)
	defer repo.Close()

	loaded, err = repo.LoadCheckpoint()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(7), loaded.Revision)
	assert.Equal(t, "pos-1", loaded.Position.ID)
	assert.Equal(t, 1, loaded.Position.ScaleInCount)
	assert.Contains(t, loaded.ProcessedFills, "123")
	assert.Equal(t, 10000.0, loaded.PeakEquity)
}

func TestBadgerRepository_RejectsNewerVersion(t *testing.T) {
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()

	state := models.NewEngineState("BTCUSDT")
	state.Version = models.CheckpointVersion + 1
	require.NoError(t, repo.SaveCheckpoint(state))

	_, err = repo.LoadCheckpoint()
	assert.Error(t, err)
}

func TestBadgerRepository_Archive(t *testing.T) {
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()

	base := time.Date(2025, 10, 6, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		pos := models.Position{ID: id, Status: models.StatusClosed, ClosedAt: base.Add(time.Duration(i) * time.Hour), RealizedPnL: float64(i)}
		require.NoError(t, repo.ArchivePosition(pos))
	}
	assert.Error(t, repo.ArchivePosition(models.Position{}))

	all, err := repo.ListArchived(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	two, err := repo.ListArchived(2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	// 检查点与归档互不影响
	cp, err := repo.LoadCheckpoint()
	require.NoError(t, err)
	assert.Nil(t, cp)
}
