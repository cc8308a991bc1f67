package repository

import (
	"github.com/google/uuid"

	"github.com/batchdl/batchdl/internal/batch"
	"github.com/batchdl/batchdl/internal/download"
)

// Repository persists batch and download records across restarts. Batches
// are returned as raw records; the engine rebuilds them together with their
// reloaded items via batch.Restore.
type Repository interface {
	SaveDownload(d *download.Download) error
	FindDownload(id uuid.UUID) (*download.Download, error)
	FindAllDownloads() ([]*download.Download, error)
	DeleteDownload(id uuid.UUID) error

	SaveBatch(b *batch.Batch) error
	FindAllBatches() (map[uuid.UUID][]byte, error)
	DeleteBatch(id uuid.UUID) error

	Close() error
}
