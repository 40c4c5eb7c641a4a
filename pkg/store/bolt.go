package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/netunicorn/director/pkg/apierr"
	"github.com/netunicorn/director/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketExperiments  = []byte("experiments")
	bucketCompilations = []byte("compilations")
	bucketExecutors    = []byte("executors")
	bucketLocks        = []byte("locks")
	bucketFlags        = []byte("flags")
)

// BoltStore implements Store using an embedded BoltDB file. It is the
// state cluster.FSM applies Raft log entries against, so every write
// path here must be deterministic given its arguments.
type BoltStore struct {
	db *bolt.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewBoltStore creates or opens a BoltDB-backed store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "director.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketExperiments, bucketCompilations, bucketExecutors, bucketLocks, bucketFlags} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Experiments ---

func (s *BoltStore) CreateExperiment(exp *types.Experiment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExperiments)
		if exp.ID == "" {
			return fmt.Errorf("store: experiment id required")
		}
		if existing := b.Get([]byte(exp.ID)); existing != nil {
			return fmt.Errorf("store: experiment %s already exists", exp.ID)
		}
		return putJSON(b, exp.ID, exp)
	})
}

func (s *BoltStore) GetExperiment(id string) (*types.Experiment, error) {
	var exp types.Experiment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExperiments)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("store: experiment %s: %w", id, apierr.ErrNotFound)
		}
		return json.Unmarshal(data, &exp)
	})
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

func (s *BoltStore) GetExperimentByName(username, name string) (*types.Experiment, error) {
	var found *types.Experiment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExperiments)
		return b.ForEach(func(_, v []byte) error {
			var exp types.Experiment
			if err := json.Unmarshal(v, &exp); err != nil {
				return err
			}
			if exp.Username == username && exp.Name == name {
				found = &exp
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("store: experiment %s/%s: %w", username, name, apierr.ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListExperiments() ([]*types.Experiment, error) {
	var out []*types.Experiment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExperiments)
		return b.ForEach(func(_, v []byte) error {
			var exp types.Experiment
			if err := json.Unmarshal(v, &exp); err != nil {
				return err
			}
			out = append(out, &exp)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListExperimentsByUser(username string) ([]*types.Experiment, error) {
	all, err := s.ListExperiments()
	if err != nil {
		return nil, err
	}
	var out []*types.Experiment
	for _, e := range all {
		if e.Username == username {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateExperiment(exp *types.Experiment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketExperiments), exp.ID, exp)
	})
}

// --- Compilations ---

func compilationKey(experimentID, compilationID string) string {
	return experimentID + "/" + compilationID
}

func (s *BoltStore) CreateCompilation(c *types.Compilation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompilations)
		key := compilationKey(c.ExperimentID, c.ID)
		if existing := b.Get([]byte(key)); existing != nil {
			return nil // idempotent: shared compilation already recorded
		}
		return putJSON(b, key, c)
	})
}

func (s *BoltStore) GetCompilation(experimentID, compilationID string) (*types.Compilation, error) {
	var c types.Compilation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCompilations).Get([]byte(compilationKey(experimentID, compilationID)))
		if data == nil {
			return fmt.Errorf("store: compilation %s: %w", compilationID, apierr.ErrNotFound)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListPendingCompilations() ([]*types.Compilation, error) {
	var out []*types.Compilation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCompilations).ForEach(func(_, v []byte) error {
			var c types.Compilation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Status == types.CompilationPending {
				out = append(out, &c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListCompilationsByExperiment(experimentID string) ([]*types.Compilation, error) {
	var out []*types.Compilation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCompilations).ForEach(func(_, v []byte) error {
			var c types.Compilation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.ExperimentID == experimentID {
				out = append(out, &c)
			}
			return nil
		})
	})
	return out, err
}

// ClaimCompilation performs the status-null -> status-running
// compare-and-set under a single Bolt write transaction, which bbolt
// serializes against every other writer for us.
func (s *BoltStore) ClaimCompilation(experimentID, compilationID string) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompilations)
		key := compilationKey(experimentID, compilationID)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("store: compilation %s: %w", compilationID, apierr.ErrNotFound)
		}
		var c types.Compilation
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if c.Status != types.CompilationPending {
			return nil // already claimed by someone else
		}
		c.Status = types.CompilationRunning
		claimed = true
		return putJSON(b, key, &c)
	})
	return claimed, err
}

func (s *BoltStore) UpdateCompilation(c *types.Compilation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCompilations), compilationKey(c.ExperimentID, c.ID), c)
	})
}

// --- Executors ---

func executorKey(experimentID, executorID string) string {
	return experimentID + "/" + executorID
}

func (s *BoltStore) CreateExecutor(e *types.ExecutorRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketExecutors), executorKey(e.ExperimentID, e.ExecutorID), e)
	})
}

func (s *BoltStore) GetExecutor(experimentID, executorID string) (*types.ExecutorRecord, error) {
	var e types.ExecutorRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExecutors).Get([]byte(executorKey(experimentID, executorID)))
		if data == nil {
			return fmt.Errorf("store: executor %s: %w", executorID, apierr.ErrNotFound)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetExecutorByID scans the executors bucket for a record whose executor
// id matches, since gateway requests carry only executor_id. The bucket
// is expected to stay small enough (bounded by in-flight executors) that
// a full scan is cheap relative to the connector call it replaces.
func (s *BoltStore) GetExecutorByID(executorID string) (*types.ExecutorRecord, error) {
	var found *types.ExecutorRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutors).ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			var e types.ExecutorRecord
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.ExecutorID == executorID {
				found = &e
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("store: executor %s: %w", executorID, apierr.ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListExecutorsByExperiment(experimentID string) ([]*types.ExecutorRecord, error) {
	var out []*types.ExecutorRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutors).ForEach(func(_, v []byte) error {
			var e types.ExecutorRecord
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.ExperimentID == experimentID {
				out = append(out, &e)
			}
			return nil
		})
	})
	return out, err
}

// UpdateExecutor is first-wins on the terminal result write: a second
// POST /result for an already-finished executor is silently ignored, per
// the gateway's idempotence contract (spec §4.5).
func (s *BoltStore) UpdateExecutor(e *types.ExecutorRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutors)
		key := executorKey(e.ExperimentID, e.ExecutorID)
		if data := b.Get([]byte(key)); data != nil {
			var existing types.ExecutorRecord
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.Finished && e.Finished && len(existing.ResultBlob) > 0 {
				return nil
			}
		}
		return putJSON(b, key, e)
	})
}

// --- Locks ---

func lockKey(l types.Lock) string {
	return l.NodeName + "/" + l.Connector
}

// ClaimLocks grants all requested locks atomically or none, returning the
// subset already held elsewhere. bbolt's single-writer transaction model
// gives us the all-or-nothing semantics for free.
func (s *BoltStore) ClaimLocks(username string, want []types.Lock) ([]types.Lock, error) {
	var conflicts []types.Lock
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		for _, l := range want {
			data := b.Get([]byte(lockKey(l)))
			if data == nil {
				continue
			}
			var existing types.Lock
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.Username != username {
				conflicts = append(conflicts, existing)
			}
		}
		if len(conflicts) > 0 {
			return nil
		}
		for _, l := range want {
			l.Username = username
			if err := putJSON(b, lockKey(l), &l); err != nil {
				return err
			}
		}
		return nil
	})
	return conflicts, err
}

func (s *BoltStore) ReleaseLocks(locks []types.Lock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		for _, l := range locks {
			if err := b.Delete([]byte(lockKey(l))); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListLocks() ([]types.Lock, error) {
	var out []types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(_, v []byte) error {
			var l types.Lock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, l)
			return nil
		})
	})
	return out, err
}

// --- Flags ---

func flagKey(experimentID, key string) string {
	return experimentID + "/" + key
}

// UpdateFlag executes op against the (experimentID, key) row inside a
// single Bolt write transaction, which is the "predictable scope" row
// lock spec §4.1/§5 calls for: concurrent set/inc/dec on the same flag
// are strictly serialized by bbolt's single writer.
func (s *BoltStore) UpdateFlag(experimentID, key string, op types.FlagOp, mutation types.FlagMutation) (types.Flag, error) {
	var result types.Flag
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFlags)
		fkey := flagKey(experimentID, key)
		var f types.Flag
		if data := b.Get([]byte(fkey)); data != nil {
			if err := json.Unmarshal(data, &f); err != nil {
				return err
			}
		} else {
			f = types.Flag{ExperimentID: experimentID, Key: key}
		}

		switch op {
		case types.FlagOpGet:
			result = f
			return nil
		case types.FlagOpSet:
			if mutation.Text != nil {
				f.TextValue = *mutation.Text
			}
			if mutation.Int != nil {
				f.IntValue = *mutation.Int
			}
		case types.FlagOpInc:
			f.IntValue++
		case types.FlagOpDec:
			f.IntValue--
		default:
			return fmt.Errorf("store: unknown flag op %q", op)
		}
		result = f
		return putJSON(b, fkey, &f)
	})
	return result, err
}

// WithExperimentLock serializes fn against every other caller holding the
// advisory lock for experimentID. It is process-local: combined with
// raft leadership (pkg/cluster), only one director replica's processor
// ever runs fn for a given experiment at a time.
func (s *BoltStore) WithExperimentLock(experimentID string, fn func() error) error {
	s.locksMu.Lock()
	mu, ok := s.locks[experimentID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[experimentID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
