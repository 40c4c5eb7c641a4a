// Package store defines the abstract persistence API (spec §6 "Store: a
// thin adapter over a relational KV substrate") that the rest of the
// director is built against, plus the two compound primitives spec §4.1
// calls for: ClaimLocks and UpdateFlag.
package store

import "github.com/netunicorn/director/pkg/types"

// Store is the persistence interface every director component depends
// on. BoltStore is the only implementation; components never import
// go.etcd.io/bbolt directly.
type Store interface {
	// Experiments
	CreateExperiment(exp *types.Experiment) error
	GetExperiment(id string) (*types.Experiment, error)
	GetExperimentByName(username, name string) (*types.Experiment, error)
	ListExperiments() ([]*types.Experiment, error)
	ListExperimentsByUser(username string) ([]*types.Experiment, error)
	UpdateExperiment(exp *types.Experiment) error

	// Compilations
	CreateCompilation(c *types.Compilation) error
	GetCompilation(experimentID, compilationID string) (*types.Compilation, error)
	ListPendingCompilations() ([]*types.Compilation, error)
	ListCompilationsByExperiment(experimentID string) ([]*types.Compilation, error)
	// ClaimCompilation performs the status-null -> status-running
	// compare-and-set spec §5 requires before a build starts.
	ClaimCompilation(experimentID, compilationID string) (bool, error)
	UpdateCompilation(c *types.Compilation) error

	// Executors
	CreateExecutor(e *types.ExecutorRecord) error
	GetExecutor(experimentID, executorID string) (*types.ExecutorRecord, error)
	// GetExecutorByID looks up a record by executor id alone, for gateway
	// endpoints that are addressed only by executor_id.
	GetExecutorByID(executorID string) (*types.ExecutorRecord, error)
	ListExecutorsByExperiment(experimentID string) ([]*types.ExecutorRecord, error)
	UpdateExecutor(e *types.ExecutorRecord) error

	// Locks
	// ClaimLocks grants every requested (node, connector) to username or
	// none at all; it returns the subset already held by someone else on
	// conflict.
	ClaimLocks(username string, nodes []types.Lock) (conflicts []types.Lock, err error)
	ReleaseLocks(nodes []types.Lock) error
	ListLocks() ([]types.Lock, error)

	// Flags
	// UpdateFlag executes op under the row lock for (experimentID, key)
	// and returns the resulting flag.
	UpdateFlag(experimentID, key string, op types.FlagOp, mutation types.FlagMutation) (types.Flag, error)

	// WithExperimentLock serializes fn against any other caller holding
	// the advisory lock for experimentID, the "predictable scope" spec
	// §4.1 requires for cross-table transitions.
	WithExperimentLock(experimentID string, fn func() error) error

	Close() error
}
