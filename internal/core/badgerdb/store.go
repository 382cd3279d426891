// Package badgerdb is an embedded core.DbClient backed by BadgerDB. It serves
// single-node deployments and runs in memory for tests.
package badgerdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

const (
	sourcePrefix   = "src:"
	ownerPrefix    = "owner:"
	jobPrefix      = "job:"
	jobIndexPrefix = "jobid:"
	chunkPrefix    = "chunk:"

	// rewrite batches stay well below badger's transaction size limit
	rewriteBatch = 256
)

func sourceKey(id string) []byte                 { return []byte(sourcePrefix + id) }
func ownerKey(owner, id string) []byte           { return []byte(ownerPrefix + owner + ":" + id) }
func jobKey(src string, t models.JobType) []byte { return []byte(jobPrefix + src + ":" + string(t)) }
func jobIndexKey(id string) []byte               { return []byte(jobIndexPrefix + id) }
func chunkSourcePrefix(src string) []byte        { return []byte(chunkPrefix + src + ":") }
func chunkKey(src string, idx int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", chunkPrefix, src, idx))
}

type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ core.DbClient = (*Store)(nil)

// Open opens (or creates) a store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	return open(path, false, logger)
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	return open("", true, logger)
}

func open(path string, inMemory bool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "badger-store")
	db, err := openDB(path, inMemory, logger)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func notFound(op string, err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.NotFound(op, core.ErrNotFound)
	}
	return err
}

// Sources

func (s *Store) CreateSource(ctx context.Context, src *models.ContentSource) error {
	if src == nil {
		return errors.New("nil source")
	}
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now

	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sourceKey(src.ID)); err == nil {
			return core.Conflict("create source", fmt.Errorf("source %s already exists", src.ID))
		}
		if err := setJSON(txn, sourceKey(src.ID), src); err != nil {
			return err
		}
		return txn.Set(ownerKey(src.OwnerID, src.ID), []byte{})
	})
}

func (s *Store) GetSource(ctx context.Context, id string) (*models.ContentSource, error) {
	var src models.ContentSource
	err := s.view(func(txn *badger.Txn) error {
		return getJSON(txn, sourceKey(id), &src)
	})
	if err != nil {
		return nil, notFound("get source", err)
	}
	return &src, nil
}

func (s *Store) ListSourcesByOwner(ctx context.Context, ownerID string) ([]models.ContentSource, error) {
	var out []models.ContentSource
	prefix := []byte(ownerPrefix + ownerID + ":")
	err := s.view(func(txn *badger.Txn) error {
		return iterate(txn, prefix, func(item *badger.Item) error {
			id := string(item.Key()[len(prefix):])
			var src models.ContentSource
			if err := getJSON(txn, sourceKey(id), &src); err != nil {
				return err
			}
			out = append(out, src)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b models.ContentSource) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *Store) ListSourcesByStatus(ctx context.Context, status models.SourceStatus) ([]models.ContentSource, error) {
	var out []models.ContentSource
	err := s.view(func(txn *badger.Txn) error {
		return iterate(txn, []byte(sourcePrefix), func(item *badger.Item) error {
			var src models.ContentSource
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &src) }); err != nil {
				return err
			}
			if src.Status == status {
				out = append(out, src)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) UpdateSourceStatus(ctx context.Context, id string, status models.SourceStatus) error {
	return s.modifySource("update source status", id, func(src *models.ContentSource) {
		src.Status = status
	})
}

func (s *Store) MergeSourceMetadata(ctx context.Context, id string, patch map[string]any) error {
	return s.modifySource("merge source metadata", id, func(src *models.ContentSource) {
		if src.Metadata == nil {
			src.Metadata = make(map[string]any, len(patch))
		}
		for k, v := range patch {
			src.Metadata[k] = v
		}
	})
}

func (s *Store) modifySource(op, id string, fn func(*models.ContentSource)) error {
	return s.update(func(txn *badger.Txn) error {
		var src models.ContentSource
		if err := getJSON(txn, sourceKey(id), &src); err != nil {
			return notFound(op, err)
		}
		fn(&src)
		src.UpdatedAt = time.Now().UTC()
		return setJSON(txn, sourceKey(id), &src)
	})
}

// Jobs

func (s *Store) CreateJobs(ctx context.Context, jobs []models.ProcessingJob) error {
	now := time.Now().UTC()
	return s.update(func(txn *badger.Txn) error {
		for i := range jobs {
			j := &jobs[i]
			if j.CreatedAt.IsZero() {
				j.CreatedAt = now
			}
			j.UpdatedAt = now
			key := jobKey(j.SourceID, j.JobType)
			if _, err := txn.Get(key); err == nil {
				return core.Conflict("create jobs", fmt.Errorf("%s job for source %s already exists", j.JobType, j.SourceID))
			}
			if err := setJSON(txn, key, j); err != nil {
				return err
			}
			if err := txn.Set(jobIndexKey(j.ID), key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListJobs(ctx context.Context, sourceID string) ([]models.ProcessingJob, error) {
	var out []models.ProcessingJob
	err := s.view(func(txn *badger.Txn) error {
		for _, t := range models.PipelineJobTypes {
			var j models.ProcessingJob
			err := getJSON(txn, jobKey(sourceID, t), &j)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return nil
	})
	return out, err
}

func (s *Store) GetJob(ctx context.Context, sourceID string, jobType models.JobType) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	err := s.view(func(txn *badger.Txn) error {
		return getJSON(txn, jobKey(sourceID, jobType), &j)
	})
	if err != nil {
		return nil, notFound("get job", err)
	}
	return &j, nil
}

func (s *Store) TransitionJob(ctx context.Context, jobID string, from []models.JobStatus, next models.JobState) error {
	return s.modifyJob("transition job", jobID, func(j *models.ProcessingJob) error {
		if !slices.Contains(from, j.Status) {
			return core.Conflict("transition job", fmt.Errorf("%w: %s job is %s, want one of %v", core.ErrConflict, j.JobType, j.Status, from))
		}
		j.Status = next.Status
		j.Progress = next.Progress
		j.ErrorMessage = next.ErrorMessage
		j.StartedAt = next.StartedAt
		j.CompletedAt = next.CompletedAt
		return nil
	})
}

func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	return s.modifyJob("update job progress", jobID, func(j *models.ProcessingJob) error {
		if j.Status != models.JobProcessing {
			return core.Conflict("update job progress", fmt.Errorf("%w: %s job is %s", core.ErrConflict, j.JobType, j.Status))
		}
		j.Progress = progress
		return nil
	})
}

func (s *Store) modifyJob(op, jobID string, fn func(*models.ProcessingJob) error) error {
	return s.update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobIndexKey(jobID))
		if err != nil {
			return notFound(op, err)
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var j models.ProcessingJob
		if err := getJSON(txn, key, &j); err != nil {
			return notFound(op, err)
		}
		if err := fn(&j); err != nil {
			return err
		}
		j.UpdatedAt = time.Now().UTC()
		return setJSON(txn, key, &j)
	})
}

// Chunks

func (s *Store) InsertChunks(ctx context.Context, chunks []models.ContentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	now := time.Now().UTC()
	for i := range chunks {
		ch := &chunks[i]
		if ch.CreatedAt.IsZero() {
			ch.CreatedAt = now
		}
		ch.UpdatedAt = now
		b, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		if err := wb.Set(chunkKey(ch.SourceID, ch.ChunkIndex), b); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *Store) DeleteChunksBySource(ctx context.Context, sourceID string) (int, error) {
	counts, err := s.CountChunks(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if counts.Total == 0 {
		return 0, nil
	}
	if err := s.db.DropPrefix(chunkSourcePrefix(sourceID)); err != nil {
		return 0, err
	}
	return counts.Total, nil
}

func (s *Store) ListChunks(ctx context.Context, sourceID string) ([]models.ContentChunk, error) {
	return s.scanChunks(sourceID, 0, func(*models.ContentChunk) bool { return true })
}

func (s *Store) ListChunksMissingEmbedding(ctx context.Context, sourceID string, limit int) ([]models.ContentChunk, error) {
	return s.scanChunks(sourceID, limit, func(ch *models.ContentChunk) bool { return !ch.HasEmbedding() })
}

// scanChunks returns chunks accepted by keep in chunk_index order; limit <= 0 means all.
func (s *Store) scanChunks(sourceID string, limit int, keep func(*models.ContentChunk) bool) ([]models.ContentChunk, error) {
	var out []models.ContentChunk
	err := s.view(func(txn *badger.Txn) error {
		return iterate(txn, chunkSourcePrefix(sourceID), func(item *badger.Item) error {
			var ch models.ContentChunk
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &ch) }); err != nil {
				return err
			}
			if !keep(&ch) {
				return nil
			}
			out = append(out, ch)
			if limit > 0 && len(out) >= limit {
				return errStop
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) CountChunks(ctx context.Context, sourceID string) (models.ChunkCounts, error) {
	var counts models.ChunkCounts
	err := s.view(func(txn *badger.Txn) error {
		return iterate(txn, chunkSourcePrefix(sourceID), func(item *badger.Item) error {
			var ch models.ContentChunk
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &ch) }); err != nil {
				return err
			}
			counts.Total++
			if ch.HasEmbedding() {
				counts.Embedded++
			}
			return nil
		})
	})
	return counts, err
}

func (s *Store) UpdateChunkEmbeddings(ctx context.Context, chunks []models.ContentChunk) error {
	now := time.Now().UTC()
	return s.update(func(txn *badger.Txn) error {
		for _, in := range chunks {
			key := chunkKey(in.SourceID, in.ChunkIndex)
			var ch models.ContentChunk
			if err := getJSON(txn, key, &ch); err != nil {
				return notFound("update chunk embeddings", err)
			}
			if ch.ID != in.ID {
				return core.NotFound("update chunk embeddings", fmt.Errorf("%w: chunk %s", core.ErrNotFound, in.ID))
			}
			ch.Embedding = in.Embedding
			ch.UpdatedAt = now
			if err := setJSON(txn, key, &ch); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ClearEmbeddings(ctx context.Context, sourceID string) error {
	for {
		batch, err := s.scanChunks(sourceID, rewriteBatch, func(ch *models.ContentChunk) bool { return ch.HasEmbedding() })
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for i := range batch {
			batch[i].Embedding = nil
		}
		if err := s.update(func(txn *badger.Txn) error {
			for i := range batch {
				batch[i].UpdatedAt = time.Now().UTC()
				if err := setJSON(txn, chunkKey(sourceID, batch[i].ChunkIndex), &batch[i]); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
}
