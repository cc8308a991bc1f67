package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/batchdl/batchdl/internal/batch"
	"github.com/batchdl/batchdl/internal/download"
)

const (
	downloadsBucket = "downloads"
	batchesBucket   = "batches"
	metadataBucket  = "metadata"
	schemaVersion   = 1
)

var (
	// ErrDownloadNotFound is returned when a download cannot be found.
	ErrDownloadNotFound = errors.New("download not found")

	// ErrBatchNotFound is returned when a batch cannot be found.
	ErrBatchNotFound = errors.New("batch not found")
)

// BboltRepository implements Repository on a bbolt database.
type BboltRepository struct {
	db *bbolt.DB
}

// NewBboltRepository opens (or creates) the database at dbPath.
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{db: db}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and schema.
func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{downloadsBucket, batchesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		if err := meta.Put([]byte("schema_version"), versionBytes); err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// SaveDownload persists one download record.
func (r *BboltRepository) SaveDownload(d *download.Download) error {
	if d == nil {
		return errors.New("cannot save nil download")
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to serialize download: %w", err)
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(downloadsBucket)).Put(d.ID[:], data)
	})
}

// FindDownload retrieves a download by id.
func (r *BboltRepository) FindDownload(id uuid.UUID) (*download.Download, error) {
	var d download.Download

	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(downloadsBucket)).Get(id[:])
		if data == nil {
			return ErrDownloadNotFound
		}

		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}

	return &d, nil
}

// FindAllDownloads retrieves every stored download record.
func (r *BboltRepository) FindAllDownloads() ([]*download.Download, error) {
	var downloads []*download.Download

	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(downloadsBucket)).ForEach(func(_, data []byte) error {
			var d download.Download
			if err := json.Unmarshal(data, &d); err != nil {
				return fmt.Errorf("failed to deserialize download: %w", err)
			}

			downloads = append(downloads, &d)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return downloads, nil
}

// DeleteDownload removes a download record.
func (r *BboltRepository) DeleteDownload(id uuid.UUID) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket.Get(id[:]) == nil {
			return ErrDownloadNotFound
		}

		return bucket.Delete(id[:])
	})
}

// SaveBatch persists one batch record. Items are saved separately.
func (r *BboltRepository) SaveBatch(b *batch.Batch) error {
	if b == nil {
		return errors.New("cannot save nil batch")
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to serialize batch: %w", err)
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(batchesBucket)).Put(b.ID[:], data)
	})
}

// FindAllBatches returns every stored batch record keyed by id, in its raw
// serialized form.
func (r *BboltRepository) FindAllBatches() (map[uuid.UUID][]byte, error) {
	records := make(map[uuid.UUID][]byte)

	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(batchesBucket)).ForEach(func(key, data []byte) error {
			id, err := uuid.FromBytes(key)
			if err != nil {
				return fmt.Errorf("invalid batch key: %w", err)
			}

			cp := make([]byte, len(data))
			copy(cp, data)
			records[id] = cp

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// DeleteBatch removes a batch record.
func (r *BboltRepository) DeleteBatch(id uuid.UUID) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(batchesBucket))
		if bucket.Get(id[:]) == nil {
			return ErrBatchNotFound
		}

		return bucket.Delete(id[:])
	})
}

// Close closes the underlying database.
func (r *BboltRepository) Close() error {
	return r.db.Close()
}
