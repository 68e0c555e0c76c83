package traces

import (
	"fmt"

	"github.com/greymass/statehistory/internal/chain"
)

// Entry payload versions. Version 0 serializes traces and their signature
// data inline; version 1 isolates the prunable section of each transaction
// behind fixed length prefixes so it can be zeroed in place.
const (
	PayloadV0 uint32 = 0
	PayloadV1 uint32 = 1
)

const (
	prunableTagPresent byte = 1
	prunableTagPruned  byte = 0
)

// packPayload serializes the block's traces in the given order.
//
// v0: varuint count ‖ per tx: trace ‖ prunable
// v1: varuint count ‖ per tx: id[32] ‖ traceLen u64 ‖ trace ‖
//     tag u8 ‖ prunableLen u64 ‖ prunable
//
// In v1 every length is fixed-width so pruning never moves an offset.
func packPayload(ordered []*AugmentedTrace, version uint32, includeRamDeltas bool) ([]byte, error) {
	e := chain.NewEncoder()
	e.WriteVarUint32(uint32(len(ordered)))

	for _, at := range ordered {
		switch version {
		case PayloadV0:
			encodeTransactionTrace(e, at.Trace, includeRamDeltas)
			encodePrunable(e, at.Packed)
		case PayloadV1:
			traceEnc := chain.NewEncoder()
			encodeTransactionTrace(traceEnc, at.Trace, includeRamDeltas)
			prunableEnc := chain.NewEncoder()
			encodePrunable(prunableEnc, at.Packed)

			e.WriteChecksum256(at.Trace.ID)
			e.WriteUint64(uint64(traceEnc.Len()))
			e.WriteRaw(traceEnc.Bytes())
			e.WriteByte(prunableTagPresent)
			e.WriteUint64(uint64(prunableEnc.Len()))
			e.WriteRaw(prunableEnc.Bytes())
		default:
			return nil, fmt.Errorf("unknown payload version %d", version)
		}
	}
	return e.Bytes(), nil
}

// DecodedTransaction is one transaction recovered from an entry payload.
type DecodedTransaction struct {
	Trace  *TransactionTrace
	Packed *PackedTransaction
	Pruned bool
}

// DecodePayload reads an entry payload back into its transactions.
func DecodePayload(payload []byte, version uint32) ([]DecodedTransaction, error) {
	d := chain.NewDecoder(payload)
	count := d.ReadVarUint32()
	out := make([]DecodedTransaction, 0, count)

	for i := uint32(0); i < count && d.Err() == nil; i++ {
		switch version {
		case PayloadV0:
			trace := decodeTransactionTrace(d)
			packed := decodePrunable(d)
			out = append(out, DecodedTransaction{Trace: trace, Packed: packed})
		case PayloadV1:
			id := d.ReadChecksum256()
			traceLen := d.ReadUint64()
			traceBytes := d.ReadBytesRef(int(traceLen))
			tag := d.ReadByte()
			prunableLen := d.ReadUint64()
			prunableBytes := d.ReadBytesRef(int(prunableLen))
			if d.Err() != nil {
				break
			}

			td := chain.NewDecoder(traceBytes)
			trace := decodeTransactionTrace(td)
			if td.Err() != nil {
				return nil, fmt.Errorf("transaction %s: %w", id, td.Err())
			}
			dt := DecodedTransaction{Trace: trace, Pruned: tag == prunableTagPruned}
			if !dt.Pruned {
				pd := chain.NewDecoder(prunableBytes)
				dt.Packed = decodePrunable(pd)
				if pd.Err() != nil {
					return nil, fmt.Errorf("transaction %s prunable: %w", id, pd.Err())
				}
			}
			out = append(out, dt)
		default:
			return nil, fmt.Errorf("unknown payload version %d", version)
		}
	}
	if d.Err() != nil {
		return nil, fmt.Errorf("decode payload: %w", d.Err())
	}
	return out, nil
}

// PruneTraces zero-fills the prunable section of every transaction whose id
// is in ids, flipping its tag to pruned. Matched ids are removed from the
// set; unmatched ids survive for the caller. The returned offsets bound the
// modified bytes (both zero when nothing changed). Outer record length and
// per-transaction offsets are never touched.
func PruneTraces(payload []byte, version uint32, ids map[chain.Checksum256]bool) (first, last uint64, err error) {
	if version != PayloadV1 {
		return 0, 0, ErrPruneUnsupported
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}

	d := chain.NewDecoder(payload)
	count := d.ReadVarUint32()

	for i := uint32(0); i < count && d.Err() == nil; i++ {
		id := d.ReadChecksum256()
		traceLen := d.ReadUint64()
		d.Skip(int(traceLen))
		tagPos := d.Pos()
		tag := d.ReadByte()
		prunableLen := d.ReadUint64()
		dataPos := d.Pos()
		d.Skip(int(prunableLen))
		if d.Err() != nil {
			break
		}

		if !ids[id] {
			continue
		}
		delete(ids, id)

		if tag == prunableTagPruned {
			continue
		}
		payload[tagPos] = prunableTagPruned
		for j := dataPos; j < dataPos+int(prunableLen); j++ {
			payload[j] = 0
		}
		if first == 0 && last == 0 {
			first = uint64(tagPos)
		}
		last = uint64(dataPos) + prunableLen
	}
	if d.Err() != nil {
		return 0, 0, fmt.Errorf("prune payload: %w", d.Err())
	}
	return first, last, nil
}
