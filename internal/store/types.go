package store

import "time"

// Execution is one audited script invocation.
type Execution struct {
	ID         string
	Repo       string
	Op         string
	Success    bool
	Kind       string // executor failure kind, empty on success
	Code       string // script failure code, empty unless the script reported one
	Status     int    // transport status returned to the caller
	ExitCode   int
	DurationMs int64
	Error      string
	CreatedAt  time.Time
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	Repo  string
	Limit int
}

// Repository is a registered repository shown in listings.
type Repository struct {
	Name      string
	Title     string
	URL       string
	CreatedAt time.Time
}

// Storage defines the interface for persistence
type Storage interface {
	// Execution audit log
	RecordExecution(exec *Execution) error
	ListExecutions(filter ExecutionFilter) ([]*Execution, error)
	DeleteExecutionsBefore(cutoff time.Time) (int64, error)

	// Repository registry
	AddRepository(repo *Repository) error
	GetRepository(name string) (*Repository, error)
	ListRepositories() ([]*Repository, error)

	// Configuration Management
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)
	ListConfig() (map[string]string, error)

	Close() error
}
