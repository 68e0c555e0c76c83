package traces

import (
	"errors"
	"fmt"

	"github.com/greymass/statehistory/internal/chain"
)

var ErrPruneUnsupported = errors.New("log entry version does not support pruning")

// Signature variant tags. K1 and R1 carry 65 raw bytes, WA variable-length
// data; every variant is encoded as its tag byte plus length-prefixed data.
const (
	SigTypeK1 uint8 = 0
	SigTypeR1 uint8 = 1
	SigTypeWA uint8 = 2
)

type Signature struct {
	Type uint8
	Data []byte
}

type AuthorizationTrace struct {
	Actor      chain.Name
	Permission chain.Name
}

type AccountDelta struct {
	Account chain.Name
	Delta   int64
}

type ActionTrace struct {
	ActionOrdinal        uint32
	CreatorActionOrdinal uint32
	Receiver             chain.Name
	Account              chain.Name
	Name                 chain.Name
	GlobalSequence       uint64
	RecvSequence         uint64
	Authorization        []AuthorizationTrace
	Data                 []byte
	ContextFree          bool
	Elapsed              int64
	AccountRamDeltas     []AccountDelta
}

type TransactionTrace struct {
	ID            chain.Checksum256
	Status        uint8
	CpuUsageUs    uint32
	NetUsageWords uint32
	Elapsed       int64
	Scheduled     bool
	ActionTraces  []ActionTrace

	// Except carries the failure message for hard/soft fails, empty on
	// success. ErrorCode is the on-chain error code, 0 when unset.
	Except    string
	ErrorCode uint64

	// Receipted is false for speculative traces the chain will retry; only
	// receipted traces reach the log.
	Receipted bool

	// FailedDtrxTrace holds the trace of a failed deferred transaction;
	// the outer trace is then keyed by the deferred transaction's id.
	FailedDtrxTrace *TransactionTrace
}

// PackedTransaction is the signed transaction as submitted, kept alongside
// its trace so signatures and context-free data can be served and later
// pruned.
type PackedTransaction struct {
	Signatures            []Signature
	Compression           uint8
	PackedContextFreeData []byte
	PackedTrx             []byte
}

// AugmentedTrace bundles a trace with the packed transaction that produced
// it. Implicit traces (onblock) have no packed transaction.
type AugmentedTrace struct {
	Trace  *TransactionTrace
	Packed *PackedTransaction
}

func encodeSignature(e *chain.Encoder, s Signature) {
	e.WriteUint8(s.Type)
	e.WriteBytes(s.Data)
}

func decodeSignature(d *chain.Decoder) Signature {
	return Signature{
		Type: d.ReadUint8(),
		Data: d.ReadBytes(),
	}
}

func encodeActionTrace(e *chain.Encoder, a *ActionTrace, includeRamDeltas bool) {
	e.WriteVarUint32(a.ActionOrdinal)
	e.WriteVarUint32(a.CreatorActionOrdinal)
	e.WriteName(a.Receiver)
	e.WriteName(a.Account)
	e.WriteName(a.Name)
	e.WriteUint64(a.GlobalSequence)
	e.WriteUint64(a.RecvSequence)
	e.WriteVarUint32(uint32(len(a.Authorization)))
	for _, auth := range a.Authorization {
		e.WriteName(auth.Actor)
		e.WriteName(auth.Permission)
	}
	e.WriteBytes(a.Data)
	e.WriteBool(a.ContextFree)
	e.WriteInt64(a.Elapsed)
	if includeRamDeltas {
		e.WriteVarUint32(uint32(len(a.AccountRamDeltas)))
		for _, delta := range a.AccountRamDeltas {
			e.WriteName(delta.Account)
			e.WriteInt64(delta.Delta)
		}
	} else {
		e.WriteVarUint32(0)
	}
}

func decodeActionTrace(d *chain.Decoder) ActionTrace {
	a := ActionTrace{
		ActionOrdinal:        d.ReadVarUint32(),
		CreatorActionOrdinal: d.ReadVarUint32(),
		Receiver:             d.ReadName(),
		Account:              d.ReadName(),
		Name:                 d.ReadName(),
		GlobalSequence:       d.ReadUint64(),
		RecvSequence:         d.ReadUint64(),
	}
	authCount := d.ReadVarUint32()
	if authCount > 0 && d.Err() == nil {
		a.Authorization = make([]AuthorizationTrace, 0, authCount)
		for i := uint32(0); i < authCount && d.Err() == nil; i++ {
			a.Authorization = append(a.Authorization, AuthorizationTrace{
				Actor:      d.ReadName(),
				Permission: d.ReadName(),
			})
		}
	}
	a.Data = d.ReadBytes()
	a.ContextFree = d.ReadBool()
	a.Elapsed = d.ReadInt64()
	deltaCount := d.ReadVarUint32()
	if deltaCount > 0 && d.Err() == nil {
		a.AccountRamDeltas = make([]AccountDelta, 0, deltaCount)
		for i := uint32(0); i < deltaCount && d.Err() == nil; i++ {
			a.AccountRamDeltas = append(a.AccountRamDeltas, AccountDelta{
				Account: d.ReadName(),
				Delta:   d.ReadInt64(),
			})
		}
	}
	return a
}

func encodeTransactionTrace(e *chain.Encoder, t *TransactionTrace, includeRamDeltas bool) {
	e.WriteChecksum256(t.ID)
	e.WriteUint8(t.Status)
	e.WriteUint32(t.CpuUsageUs)
	e.WriteVarUint32(t.NetUsageWords)
	e.WriteInt64(t.Elapsed)
	e.WriteBool(t.Scheduled)
	e.WriteVarUint32(uint32(len(t.ActionTraces)))
	for i := range t.ActionTraces {
		encodeActionTrace(e, &t.ActionTraces[i], includeRamDeltas)
	}
	e.WriteBytes([]byte(t.Except))
	e.WriteUint64(t.ErrorCode)
	if t.FailedDtrxTrace != nil {
		e.WriteBool(true)
		encodeTransactionTrace(e, t.FailedDtrxTrace, includeRamDeltas)
	} else {
		e.WriteBool(false)
	}
}

func decodeTransactionTrace(d *chain.Decoder) *TransactionTrace {
	t := &TransactionTrace{
		ID:            d.ReadChecksum256(),
		Status:        d.ReadUint8(),
		CpuUsageUs:    d.ReadUint32(),
		NetUsageWords: d.ReadVarUint32(),
		Elapsed:       d.ReadInt64(),
		Scheduled:     d.ReadBool(),
		Receipted:     true,
	}
	actionCount := d.ReadVarUint32()
	if actionCount > 0 && d.Err() == nil {
		t.ActionTraces = make([]ActionTrace, 0, actionCount)
		for i := uint32(0); i < actionCount && d.Err() == nil; i++ {
			t.ActionTraces = append(t.ActionTraces, decodeActionTrace(d))
		}
	}
	t.Except = string(d.ReadBytes())
	t.ErrorCode = d.ReadUint64()
	if d.ReadBool() && d.Err() == nil {
		t.FailedDtrxTrace = decodeTransactionTrace(d)
	}
	return t
}

// encodePrunable writes the signatures and context-free data of a packed
// transaction. This is the section a v1 entry can overwrite in place.
func encodePrunable(e *chain.Encoder, p *PackedTransaction) {
	if p == nil {
		e.WriteVarUint32(0)
		e.WriteBytes(nil)
		return
	}
	e.WriteVarUint32(uint32(len(p.Signatures)))
	for _, sig := range p.Signatures {
		encodeSignature(e, sig)
	}
	e.WriteBytes(p.PackedContextFreeData)
}

func decodePrunable(d *chain.Decoder) *PackedTransaction {
	p := &PackedTransaction{}
	sigCount := d.ReadVarUint32()
	if sigCount > 0 && d.Err() == nil {
		p.Signatures = make([]Signature, 0, sigCount)
		for i := uint32(0); i < sigCount && d.Err() == nil; i++ {
			p.Signatures = append(p.Signatures, decodeSignature(d))
		}
	}
	p.PackedContextFreeData = d.ReadBytes()
	return p
}

// EncodeTransactionTrace serializes a single trace, the form the AMQP relay
// publishes.
func EncodeTransactionTrace(t *TransactionTrace) []byte {
	e := chain.NewEncoder()
	encodeTransactionTrace(e, t, true)
	return e.Bytes()
}

// DecodeTransactionTrace is the inverse of EncodeTransactionTrace.
func DecodeTransactionTrace(b []byte) (*TransactionTrace, error) {
	d := chain.NewDecoder(b)
	t := decodeTransactionTrace(d)
	if d.Err() != nil {
		return nil, fmt.Errorf("decode transaction trace: %w", d.Err())
	}
	return t, nil
}
