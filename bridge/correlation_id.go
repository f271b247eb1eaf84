package bridge

import "github.com/google/uuid"

// IDGenerator mints correlation ids
type IDGenerator interface {
	NextID() string
}

// IDGeneratorFunc is a function adapter for IDGenerator
type IDGeneratorFunc func() string

// NextID implements IDGenerator
func (f IDGeneratorFunc) NextID() string {
	return f()
}

// UUIDGenerator produces random (v4) or time-ordered (v7) UUIDs.
// Both carry enough randomness to be unique across process restarts.
type UUIDGenerator struct {
	TimeOrdered bool
}

// NextID implements IDGenerator. It panics if the entropy source fails:
// without unique ids no reply can be safely correlated.
func (g UUIDGenerator) NextID() string {
	if g.TimeOrdered {
		return uuid.Must(uuid.NewV7()).String()
	}
	return uuid.New().String()
}
