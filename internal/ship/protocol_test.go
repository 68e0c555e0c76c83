package ship

import (
	"reflect"
	"testing"

	"github.com/greymass/statehistory/internal/chain"
)

func pos(num uint32, b byte) chain.BlockPosition {
	var id chain.Checksum256
	id[0] = b
	return chain.BlockPosition{BlockNum: num, BlockID: id}
}

func TestRequestRoundTrip(t *testing.T) {
	p1 := pos(90, 0x11)
	requests := []Request{
		GetStatusRequestV0{},
		GetBlocksRequestV0{
			StartBlockNum:       100,
			EndBlockNum:         200,
			MaxMessagesInFlight: 10,
			HavePositions:       []chain.BlockPosition{p1, pos(95, 0x22)},
			IrreversibleOnly:    true,
			FetchBlock:          true,
			FetchTraces:         true,
			FetchDeltas:         false,
		},
		GetBlocksRequestV0{EndBlockNum: 0xffffffff},
		GetBlocksAckRequestV0{NumMessages: 5},
	}

	for i, req := range requests {
		encoded := EncodeRequest(req)
		decoded, err := DecodeRequest(encoded)
		if err != nil {
			t.Fatalf("request %d: decode failed: %v", i, err)
		}
		if !reflect.DeepEqual(decoded, req) {
			t.Errorf("request %d: got %+v, want %+v", i, decoded, req)
		}
	}
}

func TestResultRoundTrip(t *testing.T) {
	this := pos(42, 0x42)
	prev := pos(41, 0x41)
	results := []Result{
		GetStatusResultV0{
			Head:                 pos(100, 1),
			LastIrreversible:     pos(90, 2),
			ChainID:              chain.Checksum256{0xcc},
			TraceBeginBlock:      1,
			TraceEndBlock:        101,
			ChainStateBeginBlock: 5,
			ChainStateEndBlock:   99,
		},
		GetBlocksResultV0{
			Head:             pos(100, 1),
			LastIrreversible: pos(90, 2),
		},
		GetBlocksResultV0{
			Head:             pos(100, 1),
			LastIrreversible: pos(90, 2),
			ThisBlock:        &this,
			PrevBlock:        &prev,
			Block:            []byte("block bytes"),
			Traces:           []byte("trace bytes"),
			Deltas:           []byte{},
		},
	}

	for i, res := range results {
		encoded := EncodeResult(res)
		decoded, err := DecodeResult(encoded)
		if err != nil {
			t.Fatalf("result %d: decode failed: %v", i, err)
		}
		if !reflect.DeepEqual(decoded, res) {
			t.Errorf("result %d: got %+v, want %+v", i, decoded, res)
		}
	}
}

func TestDecodeRequestRejectsGarbage(t *testing.T) {
	if _, err := DecodeRequest([]byte{99}); err == nil {
		t.Error("unknown tag accepted")
	}
	if _, err := DecodeRequest(nil); err == nil {
		t.Error("empty frame accepted")
	}
	// Truncated get_blocks body.
	if _, err := DecodeRequest([]byte{1, 1, 0, 0}); err == nil {
		t.Error("truncated body accepted")
	}
	// Trailing bytes after a valid request.
	frame := append(EncodeRequest(GetStatusRequestV0{}), 0x00)
	if _, err := DecodeRequest(frame); err == nil {
		t.Error("trailing bytes accepted")
	}
}

func TestHeadOnlyResultHasNoBlockFields(t *testing.T) {
	res := GetBlocksResultV0{Head: pos(7, 1), LastIrreversible: pos(7, 1)}
	decoded, err := DecodeResult(EncodeResult(res))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := decoded.(GetBlocksResultV0)
	if got.ThisBlock != nil || got.PrevBlock != nil || got.Block != nil || got.Traces != nil || got.Deltas != nil {
		t.Errorf("head-only result carries payloads: %+v", got)
	}
}
