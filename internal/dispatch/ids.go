package dispatch

import "sync/atomic"

// idGen hands out local stream ids. Ids are never reused within one
// dispatcher, so a late packet for a closed stream cannot be mistaken for a
// new one.
type idGen struct {
	val atomic.Uint32
}

// next returns the next id, starting at 1. Zero is reserved by the protocol.
func (g *idGen) next() uint32 {
	for {
		if id := g.val.Add(1); id != 0 {
			return id
		}
	}
}
