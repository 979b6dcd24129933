// Package hlc implements a hybrid logical clock. Vigil stamps every
// committed batch with an hlc.Timestamp and derives transaction IDs
// from it, so commit order stays strictly increasing even when many
// transactions commit within the same millisecond.
package hlc

import (
	"sync"
	"time"
)

// Clock generates strictly increasing timestamps for one process.
type Clock struct {
	originID uint64
	wallTime int64
	logical  int32
	lastMS   int64 // logical resets when the millisecond advances
	mu       sync.Mutex
}

// Timestamp is a point in time with a logical tiebreaker.
type Timestamp struct {
	WallTime int64
	Logical  int32
	OriginID uint64
}

// NewClock creates a clock stamped with the given origin ID.
func NewClock(originID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		originID: originID,
		wallTime: now,
		logical:  0,
		lastMS:   now / 1_000_000,
	}
}

// Now generates a new timestamp. Successive calls on the same clock
// always compare strictly increasing.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	// ToTxnID packs the logical counter into 16 bits, so it must reset
	// each millisecond to avoid overflowing into the physical bits.
	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	// Exhausted the logical counter for this millisecond: spin until
	// the next one so txn IDs cannot collide.
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		OriginID: c.originID,
	}
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b.
func Compare(a, b Timestamp) int {
	if a.WallTime < b.WallTime {
		return -1
	}
	if a.WallTime > b.WallTime {
		return 1
	}
	if a.Logical < b.Logical {
		return -1
	}
	if a.Logical > b.Logical {
		return 1
	}
	if a.OriginID < b.OriginID {
		return -1
	}
	if a.OriginID > b.OriginID {
		return 1
	}
	return 0
}

// Less reports whether a happened before b.
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// Equal reports whether a and b are the same instant.
func Equal(a, b Timestamp) bool {
	return Compare(a, b) == 0
}

// PhysicalTime returns the wall-clock component.
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}

// LogicalBits is the number of bits reserved for the logical counter
// in txn IDs. 16 bits = ~65k IDs per millisecond.
const LogicalBits = 16

// LogicalMask masks the logical counter for ToTxnID.
const LogicalMask = (1 << LogicalBits) - 1

// MaxLogical is the maximum logical counter value before overflow.
const MaxLogical = LogicalMask

// OriginBits is the number of bits reserved for the origin ID.
const OriginBits = 6

// OriginMask masks the origin ID for ToTxnID.
const OriginMask = (1 << OriginBits) - 1

// TotalShiftBits is the total shift applied to wall time milliseconds.
const TotalShiftBits = OriginBits + LogicalBits // 22 bits

// ToTxnID converts a timestamp to a unique transaction ID.
// Format: (physical_ms << 22) | (origin_id << 16) | logical
//
// Bit allocation (64 bits total):
//   - 42 bits of wall time in milliseconds (~139 years from epoch)
//   - 6 bits of origin ID
//   - 16 bits of logical counter (~65k per ms)
func (t Timestamp) ToTxnID() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	origin := t.OriginID & OriginMask
	logical := uint64(t.Logical) & LogicalMask
	return (physicalMS << TotalShiftBits) | (origin << LogicalBits) | logical
}
