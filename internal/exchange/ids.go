package exchange

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator hands out name-based UUIDs derived from a seed, so that a replay
// with the same seed produces the same position and order ids.
type IDGenerator struct {
	ns  uuid.UUID
	seq atomic.Uint64
}

func NewIDGenerator(seed string) *IDGenerator {
	return &IDGenerator{ns: uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed))}
}

// Next returns the next id of the given kind
func (g *IDGenerator) Next(kind string) string {
	n := g.seq.Add(1)
	return uuid.NewSHA1(g.ns, []byte(fmt.Sprintf("%s/%d", kind, n))).String()
}
