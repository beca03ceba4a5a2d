package branch

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/i5heu/ouroboros-model/pkg/types"
)

// IDGenerator hands out node ids of the form clientID<<32 | counter. Ids
// are unique as long as no two writers share a client id.
type IDGenerator struct {
	client  uint32
	counter atomic.Uint32
}

// NewIDGenerator draws a random non-zero client id.
func NewIDGenerator() *IDGenerator {
	for {
		u := uuid.New()
		if client := binary.BigEndian.Uint32(u[:4]); client != 0 {
			return NewIDGeneratorFor(client)
		}
	}
}

// NewIDGeneratorFor uses a fixed client id. Client id 0 skips the root id.
func NewIDGeneratorFor(client uint32) *IDGenerator {
	g := &IDGenerator{client: client}
	if client == 0 {
		g.counter.Store(uint32(types.RootID))
	}
	return g
}

func (g *IDGenerator) ClientID() uint32 {
	return g.client
}

func (g *IDGenerator) Next() types.NodeID {
	return types.NodeID(uint64(g.client)<<32 | uint64(g.counter.Add(1)))
}
