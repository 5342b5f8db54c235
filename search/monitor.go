package search

import (
	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/visit"
)

// ExecutionMonitor provides hooks to observe an execution.
// Implement this interface to track intermediate steps and results.
type ExecutionMonitor interface {
	Start(query *core.Query)
	AfterBuild(params *visit.Parameters)
	SessionStarted()
	AfterWait(completed bool, err error)
	PartitionMismatch(docID string)
	Finish(result *Result)
}

// noopMonitor is a no-op implementation of ExecutionMonitor
type noopMonitor struct{}

var _ ExecutionMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ *core.Query)            {}
func (n *noopMonitor) AfterBuild(_ *visit.Parameters) {}
func (n *noopMonitor) SessionStarted()                {}
func (n *noopMonitor) AfterWait(_ bool, _ error)      {}
func (n *noopMonitor) PartitionMismatch(_ string)     {}
func (n *noopMonitor) Finish(_ *Result)               {}
