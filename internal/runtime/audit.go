package runtime

import (
	"github.com/felixgeelhaar/remotehouse/internal/observe"
	"github.com/felixgeelhaar/remotehouse/internal/store"
)

// Auditor persists finished executions to the audit log.
type Auditor struct {
	store   store.Storage
	observe *observe.Observer
}

func NewAuditor(s store.Storage, o *observe.Observer) *Auditor {
	return &Auditor{store: s, observe: o}
}

// Attach subscribes the auditor to execution outcomes on eb.
func (a *Auditor) Attach(eb *EventBus) {
	eb.Subscribe(EventExecutionEnd, a.handle)
	eb.Subscribe(EventValidationRejected, a.handle)
}

func (a *Auditor) handle(e Event) {
	if e.Execution == nil {
		return
	}
	exec := *e.Execution
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = e.Timestamp
	}
	if err := a.store.RecordExecution(&exec); err != nil {
		a.observe.Log().Warn().Str("repo", exec.Repo).Str("op", exec.Op).Err(err).Msg("failed to record execution")
	}
}
