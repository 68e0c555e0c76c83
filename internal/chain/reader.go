package chain

// Reader is the read-only view of the chain the state history service needs.
// The embedding node supplies one; the standalone binary uses a log-backed
// implementation whose head tracks the logs themselves.
type Reader interface {
	// FetchBlockByNumber returns the packed signed block, or nil when the
	// block is not available in memory. Absence is not an error.
	FetchBlockByNumber(blockNum uint32) []byte

	// BlockID returns the id of the block at the given height, when known.
	BlockID(blockNum uint32) (Checksum256, bool)

	Head() BlockPosition
	LastIrreversible() BlockPosition
	ChainID() Checksum256
}
