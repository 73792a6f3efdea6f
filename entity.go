package conductor

import "time"

// TimestampPrecision is the resolution timestamps are kept at. It matches
// Postgres timestamptz, so a stored record reads back equal.
const TimestampPrecision = time.Microsecond

// Entity carries the bookkeeping timestamps shared by every persisted
// record. Stores set UpdatedAt on each write.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with the current time.
func NewEntity() Entity {
	now := Now()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch sets UpdatedAt to t.
func (e *Entity) Touch(t time.Time) {
	e.UpdatedAt = Timestamp(t)
}

// Now returns the current UTC time at TimestampPrecision.
func Now() time.Time { return Timestamp(time.Now()) }

// Timestamp converts t to UTC and truncates it to TimestampPrecision.
func Timestamp(t time.Time) time.Time { return t.UTC().Truncate(TimestampPrecision) }
