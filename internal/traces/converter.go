package traces

import (
	"sort"

	"github.com/greymass/statehistory/internal/chain"
)

var onblockName = chain.StringToName("onblock")

// Converter accumulates the in-flight transaction traces of the block being
// produced and packs them into one entry payload when the block is accepted.
// The chain drives it in strict order: BlockStart, zero or more Add calls,
// then Pack from the accepted_block handler.
type Converter struct {
	cached  map[chain.Checksum256]*AugmentedTrace
	onblock *AugmentedTrace
}

func NewConverter() *Converter {
	return &Converter{cached: make(map[chain.Checksum256]*AugmentedTrace)}
}

func (c *Converter) clear() {
	c.cached = make(map[chain.Checksum256]*AugmentedTrace)
	c.onblock = nil
}

// BlockStart discards any state left over from an abandoned production
// round; a restart replays the block's transactions from scratch.
func (c *Converter) BlockStart(blockNum uint32) {
	c.clear()
}

func isOnblock(t *TransactionTrace) bool {
	return len(t.ActionTraces) > 0 && t.ActionTraces[0].Name == onblockName &&
		t.ActionTraces[0].CreatorActionOrdinal == 0
}

// Add records one applied transaction. Traces without a receipt are still
// speculative and will come around again, so they are dropped here; the
// final receipted outcome per id wins. A failed deferred transaction is
// keyed by the deferred transaction's own id.
func (c *Converter) Add(trace *TransactionTrace, packed *PackedTransaction) {
	if !trace.Receipted {
		return
	}
	if c.onblock == nil && isOnblock(trace) {
		c.onblock = &AugmentedTrace{Trace: trace}
		return
	}
	key := trace.ID
	if trace.FailedDtrxTrace != nil {
		key = trace.FailedDtrxTrace.ID
	}
	c.cached[key] = &AugmentedTrace{Trace: trace, Packed: packed}
}

// CachedCount reports how many user transactions are buffered for the
// current block.
func (c *Converter) CachedCount() int {
	return len(c.cached)
}

// Pack emits the entry payload for the accepted block and clears the
// converter. Traces appear in the order the block lists its transactions,
// followed by implicit traces not reachable from that list (onblock first,
// remaining stragglers in id order).
func (c *Converter) Pack(debugMode bool, blockState *chain.BlockState, version uint32) ([]byte, error) {
	ordered := make([]*AugmentedTrace, 0, len(c.cached)+1)
	seen := make(map[chain.Checksum256]bool, len(c.cached))

	for _, receipt := range blockState.Receipts {
		if at, ok := c.cached[receipt.ID]; ok && !seen[receipt.ID] {
			ordered = append(ordered, at)
			seen[receipt.ID] = true
		}
	}
	if c.onblock != nil {
		ordered = append(ordered, c.onblock)
	}

	var stragglers []*AugmentedTrace
	for id, at := range c.cached {
		if !seen[id] {
			stragglers = append(stragglers, at)
		}
	}
	sort.Slice(stragglers, func(i, j int) bool {
		a, b := stragglers[i].Trace.ID, stragglers[j].Trace.ID
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	ordered = append(ordered, stragglers...)

	c.clear()
	return packPayload(ordered, version, debugMode)
}
