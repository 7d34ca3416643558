/*
Package qid generates 16 bit DNS transaction ids. Predictable ids make off-path response spoofing
practical so the PRNG is seeded from the operating system entropy source rather than the clock. The
generator itself is a plain math/rand source as the channel only needs unpredictability of the seed,
not a fresh system call per query.
*/
package qid

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand"
)

const me = "qid"

// Generator produces transaction ids. It is not safe for concurrent use which suits the
// single-threaded channel that owns it.
type Generator struct {
	rnd *rand.Rand
}

// New constructs a Generator seeded from crypto/rand. Failure to read the system entropy source is
// terminal as running with a guessable seed silently defeats the spoofing defenses.
func New() (*Generator, error) {
	var seed [8]byte
	_, err := crand.Read(seed[:])
	if err != nil {
		return nil, errors.New(me + ": cannot seed from system entropy: " + err.Error())
	}

	return &Generator{rnd: rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))}, nil
}

// ID returns the next transaction id. Uniqueness against live queries is the caller's problem as
// only the caller knows which ids are still in flight.
func (t *Generator) ID() uint16 {
	return uint16(t.rnd.Intn(0x10000))
}
