package idgen

import (
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Snowflake ids
// ============================================================================
//
// Job ids must be unique across instances, roughly time ordered (index
// friendly) and cheap to mint under load.
//
// 【Layout】64 bits
//
//   0 - 41 bit timestamp - 10 bit worker - 12 bit sequence
//   |   |                  |              |
//   |   |                  |              +-- per-millisecond sequence (0-4095)
//   |   |                  +-- worker id (0-1023)
//   |   +-- milliseconds since epoch (~69 years)
//   +-- sign bit, always 0
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Snowflake is a mutex-guarded id generator for one worker.
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// Init sets the worker id of the default generator. Only the first call wins.
func Init(workerID int64) error {
	if workerID < 0 || workerID > maxWorkerID {
		return fmt.Errorf("worker id must be within 0-%d", maxWorkerID)
	}
	once.Do(func() {
		defaultGenerator = &Snowflake{
			workerID:  workerID,
			timestamp: 0,
			sequence:  0,
		}
	})
	return nil
}

// NextID returns the next id of the default generator (worker 1 unless Init ran).
func NextID() int64 {
	_ = Init(1)
	return defaultGenerator.Generate()
}

// Generate returns the next id.
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// sequence exhausted, spin to the next millisecond
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	id := ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence

	return id
}

// GenerateJobID returns a transfer job id, e.g. TRF20240115143052-1234567890123.
// The full snowflake id is kept so ids never collide within a second.
func GenerateJobID() string {
	return generate("TRF")
}

// GenerateEntryNo returns an entry number for ledger entries that are not
// part of a transfer pair (deposits).
func GenerateEntryNo() string {
	return generate("DEP")
}

func generate(prefix string) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("%s%s-%d", prefix, timestamp, id)
}
