package ship

import (
	"errors"
	"fmt"

	"github.com/greymass/statehistory/internal/chain"
)

// Request and result variant tags. Every frame is varuint(tag) followed by
// the fixed body layout; the ABI greeting describes the same schema to
// clients.
const (
	TagGetStatusRequestV0 uint32 = 0
	TagGetBlocksRequestV0 uint32 = 1
	TagGetBlocksAckV0     uint32 = 2

	TagGetStatusResultV0 uint32 = 0
	TagGetBlocksResultV0 uint32 = 1
)

// MaxFrameSize bounds a single inbound frame; requests are tiny.
const MaxFrameSize = 64 * 1024

var ErrUnknownRequest = errors.New("unknown request variant")

type Request interface{ isRequest() }

type GetStatusRequestV0 struct{}

type GetBlocksRequestV0 struct {
	StartBlockNum       uint32
	EndBlockNum         uint32
	MaxMessagesInFlight uint32
	HavePositions       []chain.BlockPosition
	IrreversibleOnly    bool
	FetchBlock          bool
	FetchTraces         bool
	FetchDeltas         bool
}

type GetBlocksAckRequestV0 struct {
	NumMessages uint32
}

func (GetStatusRequestV0) isRequest()    {}
func (GetBlocksRequestV0) isRequest()    {}
func (GetBlocksAckRequestV0) isRequest() {}

type Result interface{ isResult() }

type GetStatusResultV0 struct {
	Head                 chain.BlockPosition
	LastIrreversible     chain.BlockPosition
	ChainID              chain.Checksum256
	TraceBeginBlock      uint32
	TraceEndBlock        uint32
	ChainStateBeginBlock uint32
	ChainStateEndBlock   uint32
}

// GetBlocksResultV0 is one streamed frame. ThisBlock and PrevBlock are
// absent on head-only updates; the byte fields are absent (nil) when the
// corresponding fetch flag was off or the log does not cover the block.
type GetBlocksResultV0 struct {
	Head             chain.BlockPosition
	LastIrreversible chain.BlockPosition
	ThisBlock        *chain.BlockPosition
	PrevBlock        *chain.BlockPosition
	Block            []byte
	Traces           []byte
	Deltas           []byte
}

func (GetStatusResultV0) isResult() {}
func (GetBlocksResultV0) isResult() {}

func writePosition(e *chain.Encoder, p chain.BlockPosition) {
	e.WriteUint32(p.BlockNum)
	e.WriteChecksum256(p.BlockID)
}

func readPosition(d *chain.Decoder) chain.BlockPosition {
	return chain.BlockPosition{
		BlockNum: d.ReadUint32(),
		BlockID:  d.ReadChecksum256(),
	}
}

func writeOptPosition(e *chain.Encoder, p *chain.BlockPosition) {
	if p == nil {
		e.WriteBool(false)
		return
	}
	e.WriteBool(true)
	writePosition(e, *p)
}

func readOptPosition(d *chain.Decoder) *chain.BlockPosition {
	if !d.ReadBool() {
		return nil
	}
	p := readPosition(d)
	return &p
}

func writeOptBytes(e *chain.Encoder, b []byte) {
	if b == nil {
		e.WriteBool(false)
		return
	}
	e.WriteBool(true)
	e.WriteBytes(b)
}

func readOptBytes(d *chain.Decoder) []byte {
	if !d.ReadBool() {
		return nil
	}
	b := d.ReadBytes()
	if b == nil {
		return []byte{}
	}
	return b
}

func EncodeRequest(req Request) []byte {
	e := chain.NewEncoder()
	switch r := req.(type) {
	case GetStatusRequestV0:
		e.WriteVarUint32(TagGetStatusRequestV0)
	case GetBlocksRequestV0:
		e.WriteVarUint32(TagGetBlocksRequestV0)
		e.WriteUint32(r.StartBlockNum)
		e.WriteUint32(r.EndBlockNum)
		e.WriteUint32(r.MaxMessagesInFlight)
		e.WriteVarUint32(uint32(len(r.HavePositions)))
		for _, p := range r.HavePositions {
			writePosition(e, p)
		}
		e.WriteBool(r.IrreversibleOnly)
		e.WriteBool(r.FetchBlock)
		e.WriteBool(r.FetchTraces)
		e.WriteBool(r.FetchDeltas)
	case GetBlocksAckRequestV0:
		e.WriteVarUint32(TagGetBlocksAckV0)
		e.WriteUint32(r.NumMessages)
	}
	return e.Bytes()
}

func DecodeRequest(data []byte) (Request, error) {
	d := chain.NewDecoder(data)
	tag := d.ReadVarUint32()

	var req Request
	switch tag {
	case TagGetStatusRequestV0:
		req = GetStatusRequestV0{}
	case TagGetBlocksRequestV0:
		r := GetBlocksRequestV0{
			StartBlockNum:       d.ReadUint32(),
			EndBlockNum:         d.ReadUint32(),
			MaxMessagesInFlight: d.ReadUint32(),
		}
		count := d.ReadVarUint32()
		for i := uint32(0); i < count && d.Err() == nil; i++ {
			r.HavePositions = append(r.HavePositions, readPosition(d))
		}
		r.IrreversibleOnly = d.ReadBool()
		r.FetchBlock = d.ReadBool()
		r.FetchTraces = d.ReadBool()
		r.FetchDeltas = d.ReadBool()
		req = r
	case TagGetBlocksAckV0:
		req = GetBlocksAckRequestV0{NumMessages: d.ReadUint32()}
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownRequest, tag)
	}

	if d.Err() != nil {
		return nil, fmt.Errorf("decode request: %w", d.Err())
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("decode request: %d trailing bytes", d.Remaining())
	}
	return req, nil
}

func EncodeResult(res Result) []byte {
	e := chain.NewEncoder()
	switch r := res.(type) {
	case GetStatusResultV0:
		e.WriteVarUint32(TagGetStatusResultV0)
		writePosition(e, r.Head)
		writePosition(e, r.LastIrreversible)
		e.WriteChecksum256(r.ChainID)
		e.WriteUint32(r.TraceBeginBlock)
		e.WriteUint32(r.TraceEndBlock)
		e.WriteUint32(r.ChainStateBeginBlock)
		e.WriteUint32(r.ChainStateEndBlock)
	case GetBlocksResultV0:
		e.WriteVarUint32(TagGetBlocksResultV0)
		writePosition(e, r.Head)
		writePosition(e, r.LastIrreversible)
		writeOptPosition(e, r.ThisBlock)
		writeOptPosition(e, r.PrevBlock)
		writeOptBytes(e, r.Block)
		writeOptBytes(e, r.Traces)
		writeOptBytes(e, r.Deltas)
	}
	return e.Bytes()
}

func DecodeResult(data []byte) (Result, error) {
	d := chain.NewDecoder(data)
	tag := d.ReadVarUint32()

	var res Result
	switch tag {
	case TagGetStatusResultV0:
		res = GetStatusResultV0{
			Head:                 readPosition(d),
			LastIrreversible:     readPosition(d),
			ChainID:              d.ReadChecksum256(),
			TraceBeginBlock:      d.ReadUint32(),
			TraceEndBlock:        d.ReadUint32(),
			ChainStateBeginBlock: d.ReadUint32(),
			ChainStateEndBlock:   d.ReadUint32(),
		}
	case TagGetBlocksResultV0:
		res = GetBlocksResultV0{
			Head:             readPosition(d),
			LastIrreversible: readPosition(d),
			ThisBlock:        readOptPosition(d),
			PrevBlock:        readOptPosition(d),
			Block:            readOptBytes(d),
			Traces:           readOptBytes(d),
			Deltas:           readOptBytes(d),
		}
	default:
		return nil, fmt.Errorf("unknown result variant: tag %d", tag)
	}

	if d.Err() != nil {
		return nil, fmt.Errorf("decode result: %w", d.Err())
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("decode result: %d trailing bytes", d.Remaining())
	}
	return res, nil
}
