package domain

import (
	"encoding/json"
	"time"
)

// PhaseStatus is the status of one phase of a run.
type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseDone    PhaseStatus = "done"
	PhaseError   PhaseStatus = "error"
)

// Terminal reports whether the status can no longer change.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseDone || s == PhaseError
}

// CanTransition reports whether a phase may move from one status to another.
// Phases only move forward; rewriting the same terminal status is allowed so
// retries of a store write are harmless.
func CanTransition(from, to PhaseStatus) bool {
	if from == to {
		return true
	}
	return from == PhasePending && to.Terminal()
}

// RunRecord is the durable document tracking one job.
type RunRecord struct {
	ID         string                     `json:"id"`
	PhaseOrder []string                   `json:"phase_order"`
	Phases     map[string]PhaseStatus     `json:"phases"`
	Fields     map[string]json.RawMessage `json:"fields"`
	Input      json.RawMessage            `json:"input,omitempty"`
	Snapshot   json.RawMessage            `json:"snapshot,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// NewRunRecord creates a record with every phase pending.
func NewRunRecord(id string, phases []string, input json.RawMessage, now time.Time) *RunRecord {
	r := &RunRecord{
		ID:         id,
		PhaseOrder: append([]string(nil), phases...),
		Phases:     make(map[string]PhaseStatus, len(phases)),
		Fields:     make(map[string]json.RawMessage),
		Input:      input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, p := range phases {
		r.Phases[p] = PhasePending
	}
	return r
}

// Finished reports whether no phase is pending.
func (r *RunRecord) Finished() bool {
	for _, s := range r.Phases {
		if s == PhasePending {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (r *RunRecord) Clone() *RunRecord {
	c := *r
	c.PhaseOrder = append([]string(nil), r.PhaseOrder...)
	c.Phases = make(map[string]PhaseStatus, len(r.Phases))
	for k, v := range r.Phases {
		c.Phases[k] = v
	}
	c.Fields = make(map[string]json.RawMessage, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = append(json.RawMessage(nil), v...)
	}
	c.Input = append(json.RawMessage(nil), r.Input...)
	c.Snapshot = append(json.RawMessage(nil), r.Snapshot...)
	return &c
}
