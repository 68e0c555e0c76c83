package traces

import (
	"github.com/greymass/statehistory/internal/chain"
	"github.com/greymass/statehistory/internal/logger"
	"github.com/greymass/statehistory/internal/shiplog"
)

// TraceLog couples the trace converter with its on-disk log. DebugMode
// keeps per-action RAM deltas in packed entries; Version selects the entry
// payload format (only PayloadV1 entries can later be pruned).
type TraceLog struct {
	*shiplog.Log
	converter *Converter

	DebugMode bool
	Version   uint32
}

func NewTraceLog(dir string) (*TraceLog, error) {
	log, err := shiplog.Open(dir, "trace_history")
	if err != nil {
		return nil, err
	}
	return &TraceLog{
		Log:       log,
		converter: NewConverter(),
		Version:   PayloadV1,
	}, nil
}

func (t *TraceLog) BlockStart(blockNum uint32) {
	t.converter.BlockStart(blockNum)
}

func (t *TraceLog) AddTransaction(trace *TransactionTrace, packed *PackedTransaction) {
	t.converter.Add(trace, packed)
}

// Store packs the converter's buffered traces for the accepted block and
// appends the entry.
func (t *TraceLog) Store(blockState *chain.BlockState) error {
	payload, err := t.converter.Pack(t.DebugMode, blockState, t.Version)
	if err != nil {
		return err
	}
	return t.Log.Store(shiplog.Entry{
		BlockNum: blockState.BlockNum,
		BlockID:  blockState.BlockID,
		Version:  t.Version,
		Payload:  payload,
	})
}

// Prune removes the signatures and context-free data of the given
// transactions from the stored entry, rewriting only the modified byte
// range on disk. It returns the ids that were not present in the entry.
func (t *TraceLog) Prune(blockNum uint32, ids []chain.Checksum256) ([]chain.Checksum256, error) {
	payload, version, err := t.GetLogEntry(blockNum)
	if err != nil {
		return nil, err
	}

	idSet := make(map[chain.Checksum256]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	first, last, err := PruneTraces(payload, version, idSet)
	if err != nil {
		return nil, err
	}
	if last > first {
		if err := t.RewritePayloadRange(blockNum, first, last, payload[first:last]); err != nil {
			return nil, err
		}
		logger.Printf("prune", "%s: block %d pruned bytes [%d, %d)", t.Name(), blockNum, first, last)
	}

	missing := make([]chain.Checksum256, 0, len(idSet))
	for _, id := range ids {
		if idSet[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
