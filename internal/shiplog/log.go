package shiplog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/greymass/statehistory/internal/chain"
	"github.com/greymass/statehistory/internal/logger"
)

var (
	ErrNotFound = errors.New("block not in log")
	ErrGap      = errors.New("block number gap")
)

const (
	// blockNum u32 + version u32 + blockID 32 + payloadLen u64
	headerSize  = 48
	trailerSize = 4
	indexStride = 8
)

// Entry is one per-block record.
type Entry struct {
	BlockNum uint32
	BlockID  chain.Checksum256
	Version  uint32
	Payload  []byte
}

// Log is an append-only file of per-block entries plus a dense offset index.
// Heights are contiguous; storing below the current end truncates the tail
// first (fork overwrite). One instance serves one category of history.
type Log struct {
	name       string
	logFile    *os.File
	indexFile  *os.File
	beginBlock uint32
	endBlock   uint32
}

// Open opens or creates <name>.log and <name>.index under dir and
// reconstructs the block range. A short or inconsistent index is rebuilt by
// scanning the log; a corrupt log tail is truncated back to the last
// consistent entry.
func Open(dir, name string) (*Log, error) {
	logPath := filepath.Join(dir, name+".log")
	indexPath := filepath.Join(dir, name+".index")

	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", logPath, err)
	}
	indexFile, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("open %s: %w", indexPath, err)
	}

	l := &Log{name: name, logFile: logFile, indexFile: indexFile}
	if err := l.recover(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Name() string { return l.name }

// BeginBlock is the first stored height; EndBlock is one past the last.
// An empty log reports BeginBlock == EndBlock == 0.
func (l *Log) BeginBlock() uint32 { return l.beginBlock }

func (l *Log) EndBlock() uint32 { return l.endBlock }

func (l *Log) contains(blockNum uint32) bool {
	return blockNum >= l.beginBlock && blockNum < l.endBlock
}

func (l *Log) recover() error {
	logSize, err := l.logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if logSize == 0 {
		if err := l.indexFile.Truncate(0); err != nil {
			return err
		}
		l.beginBlock, l.endBlock = 0, 0
		return nil
	}

	header := make([]byte, headerSize)
	if _, err := l.logFile.ReadAt(header, 0); err != nil {
		return fmt.Errorf("%s: read first header: %w", l.name, err)
	}
	firstBlock := binary.LittleEndian.Uint32(header[0:4])

	indexSize, err := l.indexFile.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	if indexSize%indexStride == 0 && indexSize > 0 {
		entries := uint32(indexSize / indexStride)
		lastOffset, err := l.readIndexOffset(entries - 1)
		if err == nil && l.validEntryAt(int64(lastOffset), firstBlock+entries-1, logSize) {
			l.beginBlock = firstBlock
			l.endBlock = firstBlock + entries
			return nil
		}
	}

	logger.Warning("%s: index inconsistent with log, rebuilding", l.name)
	return l.rebuildIndex(firstBlock, logSize)
}

// validEntryAt checks the leading and trailing heights of the record at
// offset and that it ends exactly at logSize for the final entry check.
func (l *Log) validEntryAt(offset int64, blockNum uint32, logSize int64) bool {
	if offset < 0 || offset+headerSize > logSize {
		return false
	}
	header := make([]byte, headerSize)
	if _, err := l.logFile.ReadAt(header, offset); err != nil {
		return false
	}
	if binary.LittleEndian.Uint32(header[0:4]) != blockNum {
		return false
	}
	payloadLen := binary.LittleEndian.Uint64(header[40:48])
	end := offset + headerSize + int64(payloadLen) + trailerSize
	if end != logSize {
		return false
	}
	trailer := make([]byte, trailerSize)
	if _, err := l.logFile.ReadAt(trailer, end-trailerSize); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(trailer) == blockNum
}

// rebuildIndex scans the log forward, writing a fresh index and truncating
// the log at the first corrupt record.
func (l *Log) rebuildIndex(firstBlock uint32, logSize int64) error {
	if err := l.indexFile.Truncate(0); err != nil {
		return err
	}

	header := make([]byte, headerSize)
	trailer := make([]byte, trailerSize)
	offset := int64(0)
	expected := firstBlock
	count := uint32(0)

	for offset+headerSize+trailerSize <= logSize {
		if _, err := l.logFile.ReadAt(header, offset); err != nil {
			break
		}
		blockNum := binary.LittleEndian.Uint32(header[0:4])
		payloadLen := binary.LittleEndian.Uint64(header[40:48])
		end := offset + headerSize + int64(payloadLen) + trailerSize
		if blockNum != expected || end > logSize {
			break
		}
		if _, err := l.logFile.ReadAt(trailer, end-trailerSize); err != nil {
			break
		}
		if binary.LittleEndian.Uint32(trailer) != blockNum {
			break
		}

		if err := l.writeIndexOffset(count, uint64(offset)); err != nil {
			return err
		}
		offset = end
		expected++
		count++
	}

	if offset < logSize {
		logger.Warning("%s: truncating corrupt tail at offset %d (was %d)", l.name, offset, logSize)
		if err := l.logFile.Truncate(offset); err != nil {
			return err
		}
	}

	if count == 0 {
		if err := l.logFile.Truncate(0); err != nil {
			return err
		}
		l.beginBlock, l.endBlock = 0, 0
		return nil
	}

	l.beginBlock = firstBlock
	l.endBlock = firstBlock + count
	logger.Printf("log", "%s: rebuilt index, blocks [%d, %d)", l.name, l.beginBlock, l.endBlock)
	return nil
}

func (l *Log) readIndexOffset(slot uint32) (uint64, error) {
	buf := make([]byte, indexStride)
	if _, err := l.indexFile.ReadAt(buf, int64(slot)*indexStride); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (l *Log) writeIndexOffset(slot uint32, offset uint64) error {
	buf := make([]byte, indexStride)
	binary.LittleEndian.PutUint64(buf, offset)
	_, err := l.indexFile.WriteAt(buf, int64(slot)*indexStride)
	return err
}

func (l *Log) entryOffset(blockNum uint32) (uint64, error) {
	if !l.contains(blockNum) {
		return 0, ErrNotFound
	}
	return l.readIndexOffset(blockNum - l.beginBlock)
}

// GetBlockID returns the stored id for blockNum.
func (l *Log) GetBlockID(blockNum uint32) (chain.Checksum256, error) {
	var id chain.Checksum256
	offset, err := l.entryOffset(blockNum)
	if err != nil {
		return id, err
	}
	header := make([]byte, headerSize)
	if _, err := l.logFile.ReadAt(header, int64(offset)); err != nil {
		return id, fmt.Errorf("%s: read header of block %d: %w", l.name, blockNum, err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != blockNum {
		return id, fmt.Errorf("%s: header mismatch at block %d", l.name, blockNum)
	}
	copy(id[:], header[8:40])
	return id, nil
}

// GetLogEntry returns the raw payload bytes and the entry format version.
func (l *Log) GetLogEntry(blockNum uint32) ([]byte, uint32, error) {
	offset, err := l.entryOffset(blockNum)
	if err != nil {
		return nil, 0, err
	}
	header := make([]byte, headerSize)
	if _, err := l.logFile.ReadAt(header, int64(offset)); err != nil {
		return nil, 0, fmt.Errorf("%s: read header of block %d: %w", l.name, blockNum, err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != blockNum {
		return nil, 0, fmt.Errorf("%s: header mismatch at block %d", l.name, blockNum)
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	payloadLen := binary.LittleEndian.Uint64(header[40:48])

	payload := make([]byte, payloadLen)
	if _, err := l.logFile.ReadAt(payload, int64(offset)+headerSize); err != nil {
		return nil, 0, fmt.Errorf("%s: read payload of block %d: %w", l.name, blockNum, err)
	}
	return payload, version, nil
}

// Store appends the entry. Storing at a height below the current end
// truncates everything from that height up first; any other non-contiguous
// height fails with ErrGap.
func (l *Log) Store(e Entry) error {
	if l.endBlock != 0 && e.BlockNum < l.endBlock {
		if err := l.truncate(e.BlockNum); err != nil {
			return err
		}
	}
	if l.endBlock == 0 {
		l.beginBlock = e.BlockNum
	} else if e.BlockNum != l.endBlock {
		return fmt.Errorf("%w: expected block %d, got %d", ErrGap, l.endBlock, e.BlockNum)
	}

	offset, err := l.logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	record := make([]byte, headerSize+len(e.Payload)+trailerSize)
	binary.LittleEndian.PutUint32(record[0:4], e.BlockNum)
	binary.LittleEndian.PutUint32(record[4:8], e.Version)
	copy(record[8:40], e.BlockID[:])
	binary.LittleEndian.PutUint64(record[40:48], uint64(len(e.Payload)))
	copy(record[headerSize:], e.Payload)
	binary.LittleEndian.PutUint32(record[len(record)-trailerSize:], e.BlockNum)

	if _, err := l.logFile.WriteAt(record, offset); err != nil {
		return fmt.Errorf("%s: append block %d: %w", l.name, e.BlockNum, err)
	}
	if err := l.writeIndexOffset(e.BlockNum-l.beginBlock, uint64(offset)); err != nil {
		return fmt.Errorf("%s: index block %d: %w", l.name, e.BlockNum, err)
	}
	l.endBlock = e.BlockNum + 1
	return nil
}

// truncate discards all entries with height >= blockNum.
func (l *Log) truncate(blockNum uint32) error {
	if blockNum >= l.endBlock {
		return nil
	}
	logger.Printf("log", "%s: truncating blocks [%d, %d)", l.name, blockNum, l.endBlock)

	if blockNum <= l.beginBlock {
		if err := l.logFile.Truncate(0); err != nil {
			return err
		}
		if err := l.indexFile.Truncate(0); err != nil {
			return err
		}
		l.beginBlock, l.endBlock = 0, 0
		return nil
	}

	offset, err := l.readIndexOffset(blockNum - l.beginBlock)
	if err != nil {
		return err
	}
	if err := l.logFile.Truncate(int64(offset)); err != nil {
		return err
	}
	if err := l.indexFile.Truncate(int64(blockNum-l.beginBlock) * indexStride); err != nil {
		return err
	}
	l.endBlock = blockNum
	return nil
}

// RewritePayloadRange overwrites payload bytes [first, last) of the stored
// entry in place. The range must stay inside the existing payload; record
// framing never moves. Prune support.
func (l *Log) RewritePayloadRange(blockNum uint32, first, last uint64, b []byte) error {
	if last < first || uint64(len(b)) != last-first {
		return fmt.Errorf("%s: bad rewrite range [%d, %d) for %d bytes", l.name, first, last, len(b))
	}
	offset, err := l.entryOffset(blockNum)
	if err != nil {
		return err
	}
	header := make([]byte, headerSize)
	if _, err := l.logFile.ReadAt(header, int64(offset)); err != nil {
		return err
	}
	payloadLen := binary.LittleEndian.Uint64(header[40:48])
	if last > payloadLen {
		return fmt.Errorf("%s: rewrite range [%d, %d) exceeds payload %d", l.name, first, last, payloadLen)
	}
	_, err = l.logFile.WriteAt(b, int64(offset)+headerSize+int64(first))
	return err
}

// Size returns the log file size in bytes.
func (l *Log) Size() int64 {
	size, err := l.logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return 0
	}
	return size
}

func (l *Log) Close() error {
	var firstErr error
	if l.logFile != nil {
		if err := l.logFile.Close(); err != nil {
			firstErr = err
		}
	}
	if l.indexFile != nil {
		if err := l.indexFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
