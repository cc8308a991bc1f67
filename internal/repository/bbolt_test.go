package repository_test

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchdl/batchdl/internal/batch"
	"github.com/batchdl/batchdl/internal/download"
	"github.com/batchdl/batchdl/internal/repository"
	"github.com/batchdl/batchdl/internal/status"
)

func newRepo(t *testing.T) *repository.BboltRepository {
	t.Helper()

	repo, err := repository.NewBboltRepository(filepath.Join(t.TempDir(), "batchdl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestSaveAndFindDownload(t *testing.T) {
	repo := newRepo(t)

	d := download.New("res-1", "http://example.com/a.zip", status.ResourceArchive, status.PriorityHigh, 3)
	d.Metadata = map[string]string{"origin": "api"}

	require.NoError(t, repo.SaveDownload(d))

	found, err := repo.FindDownload(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, found.ID)
	assert.Equal(t, "api", found.Metadata["origin"])
	assert.Equal(t, status.PriorityHigh, found.Priority)
}

func TestFindDownloadNotFound(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.FindDownload(uuid.New())
	assert.ErrorIs(t, err, repository.ErrDownloadNotFound)
}

func TestSaveNilDownload(t *testing.T) {
	repo := newRepo(t)

	assert.Error(t, repo.SaveDownload(nil))
}

func TestFindAllDownloads(t *testing.T) {
	repo := newRepo(t)

	for i := 0; i < 3; i++ {
		d := download.New("res", "http://example.com", status.ResourceImage, status.PriorityNormal, 1)
		require.NoError(t, repo.SaveDownload(d))
	}

	all, err := repo.FindAllDownloads()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDeleteDownload(t *testing.T) {
	repo := newRepo(t)

	d := download.New("res", "http://example.com", status.ResourceAudio, status.PriorityNormal, 1)
	require.NoError(t, repo.SaveDownload(d))
	require.NoError(t, repo.DeleteDownload(d.ID))

	_, err := repo.FindDownload(d.ID)
	assert.ErrorIs(t, err, repository.ErrDownloadNotFound)

	assert.ErrorIs(t, repo.DeleteDownload(d.ID), repository.ErrDownloadNotFound)
}

func TestBatchRoundTrip(t *testing.T) {
	repo := newRepo(t)

	items := []*download.Download{
		download.New("res-a", "http://example.com/a", status.ResourceVideo, status.PriorityNormal, 3),
		download.New("res-b", "http://example.com/b", status.ResourceVideo, status.PriorityNormal, 3),
	}
	b := batch.New("export", batch.Config{Concurrency: 2}, items, nil)

	require.NoError(t, repo.SaveBatch(b))
	for _, item := range items {
		require.NoError(t, repo.SaveDownload(item))
	}

	records, err := repo.FindAllBatches()
	require.NoError(t, err)
	require.Contains(t, records, b.ID)

	ids, err := batch.ItemIDsFromRecord(records[b.ID])
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	reloaded := make([]*download.Download, 0, len(ids))
	for _, id := range ids {
		item, err := repo.FindDownload(id)
		require.NoError(t, err)
		reloaded = append(reloaded, item)
	}

	restored, err := batch.Restore(records[b.ID], reloaded, nil)
	require.NoError(t, err)
	assert.Equal(t, b.ID, restored.ID)
	assert.Equal(t, 2, restored.Counters().Total)
}

func TestDeleteBatch(t *testing.T) {
	repo := newRepo(t)

	b := batch.New("export", batch.Config{}, nil, nil)
	require.NoError(t, repo.SaveBatch(b))
	require.NoError(t, repo.DeleteBatch(b.ID))
	assert.ErrorIs(t, repo.DeleteBatch(b.ID), repository.ErrBatchNotFound)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "batchdl.db")

	repo, err := repository.NewBboltRepository(dbPath)
	require.NoError(t, err)

	d := download.New("res", "http://example.com", status.ResourceDocument, status.PriorityUrgent, 2)
	require.NoError(t, repo.SaveDownload(d))
	require.NoError(t, repo.Close())

	repo, err = repository.NewBboltRepository(dbPath)
	require.NoError(t, err)
	defer repo.Close()

	found, err := repo.FindDownload(d.ID)
	require.NoError(t, err)
	assert.Equal(t, status.PriorityUrgent, found.Priority)
}
