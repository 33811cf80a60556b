package domain

import "time"

// AgentEarnings aggregates lifetime totals for one (agent, recipient) pair.
type AgentEarnings struct {
	AgentID   string    `json:"agent_id"`
	Recipient string    `json:"recipient"`
	Earned    int64     `json:"earned"`
	Settled   int64     `json:"settled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pending returns the earned amount not yet settled, never negative.
func (e *AgentEarnings) Pending() int64 {
	if e.Settled >= e.Earned {
		return 0
	}
	return e.Earned - e.Settled
}
