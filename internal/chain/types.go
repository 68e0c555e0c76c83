package chain

import (
	"encoding/hex"
	"fmt"
)

// Checksum256 is a 32-byte identifier (block id, transaction id, chain id).
type Checksum256 [32]byte

func (c Checksum256) String() string {
	return hex.EncodeToString(c[:])
}

func (c Checksum256) IsZero() bool {
	return c == Checksum256{}
}

func (c Checksum256) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

func Checksum256FromHex(s string) (Checksum256, error) {
	var c Checksum256
	b, err := hex.DecodeString(s)
	if err != nil {
		return c, err
	}
	if len(b) != 32 {
		return c, fmt.Errorf("checksum must be 32 bytes, got %d", len(b))
	}
	copy(c[:], b)
	return c, nil
}

// BlockPosition pairs a block number with its id. Used as both a stream
// cursor and a fork check.
type BlockPosition struct {
	BlockNum uint32      `json:"block_num"`
	BlockID  Checksum256 `json:"block_id"`
}

// TransactionReceipt is the per-transaction entry of a block, in the order
// the block lists them.
type TransactionReceipt struct {
	ID            Checksum256
	Status        uint8
	CpuUsageUs    uint32
	NetUsageWords uint32
}

// BlockState is what the chain delivers on accepted_block: the block's
// identity, its receipts in block order, and the packed signed block.
type BlockState struct {
	BlockNum  uint32
	BlockID   Checksum256
	Previous  Checksum256
	Timestamp uint32
	Producer  Name
	Receipts  []TransactionReceipt
	Block     []byte
}

func (bs *BlockState) Position() BlockPosition {
	return BlockPosition{BlockNum: bs.BlockNum, BlockID: bs.BlockID}
}

// Transaction status codes, matching the on-chain receipt enum.
const (
	StatusExecuted  uint8 = 0
	StatusSoftFail  uint8 = 1
	StatusHardFail  uint8 = 2
	StatusDelayed   uint8 = 3
	StatusExpired   uint8 = 4
)
