package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// fixedEpochMS is the timestamp injected in deterministic mode. Two engines
// processing the same input sequence must stamp identical timestamps.
const fixedEpochMS = 1234567890000

// Clock supplies time and message ids to the engine. In deterministic mode
// time is a fixed constant and ids are derived from the triggering message,
// so a rerun over the same input sequence yields byte-identical outputs.
type Clock struct {
	deterministic bool
}

// NewClock creates a clock. Deterministic clocks are used in tests and for
// replay verification; production engines run on wall time.
func NewClock(deterministic bool) *Clock {
	return &Clock{deterministic: deterministic}
}

// NowMS returns the current time in epoch milliseconds.
func (c *Clock) NowMS() int64 {
	if c.deterministic {
		return fixedEpochMS
	}
	return time.Now().UnixMilli()
}

// DerivedID builds a message id from the triggering message and a stable
// suffix. Always deterministic: the outcome events of a redelivered message
// must carry the same ids as the first delivery.
func (c *Clock) DerivedID(parentID, suffix string) string {
	return fmt.Sprintf("evt-%s-%s", parentID, suffix)
}

// OutputID names an adapter output that arrived without a message id.
// Derived from the parent in deterministic mode, random otherwise.
func (c *Clock) OutputID(parentID string, index int) string {
	if c.deterministic {
		return fmt.Sprintf("evt-%s-out-%d", parentID, index)
	}
	return uuid.NewString()
}

// TickID names a tick output that arrived without a message id.
func (c *Clock) TickID(nowMS int64, index int) string {
	if c.deterministic {
		return fmt.Sprintf("evt-tick-%d-%d", nowMS, index)
	}
	return uuid.NewString()
}
