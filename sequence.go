package dbus

import "sync/atomic"

// Sequence is a monotonically increasing number assigned to every signal
// delivered on a Conn, in the order the connection's read loop observed
// them on the wire. It lets a consumer holding signals from more than one
// channel recover the order they actually arrived in.
type Sequence uint64

// NoSequence is returned in place of a Sequence by code that predates
// signal ordering and never had one assigned.
const NoSequence Sequence = 0

type sequenceGenerator struct {
	next_ uint64
}

func newSequenceGenerator() *sequenceGenerator {
	return &sequenceGenerator{}
}

func (gen *sequenceGenerator) next() Sequence {
	return Sequence(atomic.AddUint64(&gen.next_, 1))
}
