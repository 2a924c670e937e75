package channel

import "sync/atomic"

// SeqGen is a per-channel atomic sequence number generator. It is shared
// between the capture pipeline, reconnection and teardown paths, so all
// operations are atomic.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the current sequence number and increments the counter
// (fetch-and-increment). The first call returns 0; the counter wraps at
// 2^32 by uint32 arithmetic.
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1) - 1
}

// Peek returns the value the next call to Next would produce.
func (s *SeqGen) Peek() uint32 {
	return s.val.Load()
}
