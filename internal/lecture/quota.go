package lecture

import "time"

// Folder groups lectures for display. Purely organizational.
type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// UsageQuota mirrors the server-owned usage document. It is replaced
// wholesale on every remote update and never mutated locally.
type UsageQuota struct {
	Plan            string  `json:"plan"`
	MinutesUsed     float64 `json:"minutesUsed"`
	MinutesLimit    float64 `json:"minutesLimit"`
	LifetimeMinutes float64 `json:"lifetimeMinutes,omitempty"`
}

// RemainingMinutes derives the headroom left this cycle. A zero limit
// means the plan is unmetered.
func (q UsageQuota) RemainingMinutes() float64 {
	if q.MinutesLimit <= 0 {
		return 0
	}
	if q.MinutesUsed >= q.MinutesLimit {
		return 0
	}
	return q.MinutesLimit - q.MinutesUsed
}

// Exhausted reports whether a metered plan has no minutes left.
func (q UsageQuota) Exhausted() bool {
	return q.MinutesLimit > 0 && q.MinutesUsed >= q.MinutesLimit
}
