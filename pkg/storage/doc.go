// Package storage implements the Schedule Store: a durable set of
// schedules plus an audit trail of the job instances
// materialized from them, with a claim-lease protocol (AcquireDue/Release)
// that lets a single planner loop avoid double-dispatching the same fire.
//
// BoltStore is the default, single-instance-friendly implementation: one
// bbolt database, two buckets (schedules, jobs), JSON-marshaled values. Its
// write transactions give AcquireDue the mutual exclusion the contract
// requires for free. When the coordinator runs as a raft cluster, mutating
// operations are applied through pkg/coordinator's FSM instead, which
// wraps a BoltStore per node and replicates the Command log that drives it.
package storage
