package service

import (
	"fmt"

	"github.com/greymass/statehistory/internal/chain"
	"github.com/greymass/statehistory/internal/logger"
	"github.com/greymass/statehistory/internal/ship"
	"github.com/greymass/statehistory/internal/shiplog"
	"github.com/greymass/statehistory/internal/traces"
)

// DeltaPacker turns an accepted block into the chain-state delta payload.
// The embedding node supplies one backed by its state database; without
// one, chain-state entries carry an empty delta set.
type DeltaPacker interface {
	PackDeltas(blockState *chain.BlockState) ([]byte, error)
}

// TracePublisher receives every applied transaction trace, off the hot
// path. The AMQP relay implements it.
type TracePublisher interface {
	PublishTrace(trace *traces.TransactionTrace)
}

type Config struct {
	Dir               string
	TraceHistory      bool
	ChainStateHistory bool
	TraceDebugMode    bool
	LogVersion        uint32
	MaxSessions       int

	// Chain is the node's read accessor. Nil selects the log-backed
	// reader: head and LIB track the logs, packed blocks are unavailable.
	Chain   chain.Reader
	ChainID chain.Checksum256

	DeltaPacker DeltaPacker
	Publisher   TracePublisher
}

// Service owns the logs, the trace converter, and the session server. The
// three chain hooks and PruneTransactions are its only write paths;
// everything they touch runs on the server's executor, so no locks guard
// the logs or the converter.
type Service struct {
	config        Config
	traceLog      *traces.TraceLog
	chainStateLog *shiplog.Log
	chainReader   chain.Reader
	server        *ship.Server
}

func New(config Config) (*Service, error) {
	if !config.TraceHistory && !config.ChainStateHistory {
		return nil, fmt.Errorf("neither trace history nor chain state history is enabled")
	}

	s := &Service{config: config}

	if config.TraceHistory {
		traceLog, err := traces.NewTraceLog(config.Dir)
		if err != nil {
			return nil, err
		}
		traceLog.DebugMode = config.TraceDebugMode
		traceLog.Version = config.LogVersion
		s.traceLog = traceLog
		logger.Printf("startup", "trace history: blocks [%d, %d)", traceLog.BeginBlock(), traceLog.EndBlock())
	}

	if config.ChainStateHistory {
		stateLog, err := shiplog.Open(config.Dir, "chain_state_history")
		if err != nil {
			return nil, err
		}
		s.chainStateLog = stateLog
		logger.Printf("startup", "chain state history: blocks [%d, %d)", stateLog.BeginBlock(), stateLog.EndBlock())
	}

	s.chainReader = config.Chain
	if s.chainReader == nil {
		s.chainReader = &logBackedReader{service: s, chainID: config.ChainID}
	}

	source := &ship.Source{
		Chain:         s.chainReader,
		TraceLog:      s.traceLog,
		ChainStateLog: s.chainStateLog,
	}
	s.server = ship.NewServer(source, ship.Config{MaxSessions: config.MaxSessions})

	return s, nil
}

func (s *Service) Listen(address string) error {
	return s.server.Listen(address)
}

func (s *Service) TraceLog() *traces.TraceLog { return s.traceLog }

func (s *Service) ChainStateLog() *shiplog.Log { return s.chainStateLog }

func (s *Service) Chain() chain.Reader { return s.chainReader }

func (s *Service) SessionCount() int { return s.server.SessionCount() }

// OnBlockStart begins a production round; any traces buffered for an
// abandoned round are discarded.
func (s *Service) OnBlockStart(blockNum uint32) {
	s.server.Post(func() {
		if s.traceLog != nil {
			s.traceLog.BlockStart(blockNum)
		}
	})
}

// OnAppliedTransaction buffers one executed transaction for the block in
// flight and feeds the optional trace publisher.
func (s *Service) OnAppliedTransaction(trace *traces.TransactionTrace, packed *traces.PackedTransaction) {
	s.server.Post(func() {
		if s.traceLog != nil {
			s.traceLog.AddTransaction(trace, packed)
		}
		if s.config.Publisher != nil {
			s.config.Publisher.PublishTrace(trace)
		}
	})
}

// OnAcceptedBlock persists the block into both logs and wakes every
// session. A store failure is a halt: it means either a log I/O fault or
// an ordering bug upstream, and neither may pass silently.
func (s *Service) OnAcceptedBlock(blockState *chain.BlockState) {
	s.server.Post(func() {
		if s.traceLog != nil {
			if err := s.traceLog.Store(blockState); err != nil {
				logger.Fatal("trace history store of block %d: %v", blockState.BlockNum, err)
			}
			blocksStored.WithLabelValues("trace").Inc()
		}
		if s.chainStateLog != nil {
			payload, err := s.packDeltas(blockState)
			if err != nil {
				logger.Fatal("delta pack of block %d: %v", blockState.BlockNum, err)
			}
			err = s.chainStateLog.Store(shiplog.Entry{
				BlockNum: blockState.BlockNum,
				BlockID:  blockState.BlockID,
				Version:  s.config.LogVersion,
				Payload:  payload,
			})
			if err != nil {
				logger.Fatal("chain state history store of block %d: %v", blockState.BlockNum, err)
			}
			blocksStored.WithLabelValues("chain_state").Inc()
		}
		headGauge.Set(float64(blockState.BlockNum))
		s.server.BroadcastAcceptedBlock(blockState)
	})
}

func (s *Service) packDeltas(blockState *chain.BlockState) ([]byte, error) {
	if s.config.DeltaPacker != nil {
		return s.config.DeltaPacker.PackDeltas(blockState)
	}
	// Empty delta set: varuint row count of zero.
	return []byte{0}, nil
}

// PruneTransactions removes signatures and context-free data for the given
// transactions from the trace log, on the executor.
func (s *Service) PruneTransactions(blockNum uint32, ids []chain.Checksum256, done func([]chain.Checksum256, error)) {
	s.server.Post(func() {
		if s.traceLog == nil {
			done(nil, fmt.Errorf("trace history not enabled"))
			return
		}
		missing, err := s.traceLog.Prune(blockNum, ids)
		if err == nil {
			entriesPruned.Add(float64(len(ids) - len(missing)))
		}
		done(missing, err)
	})
}

func (s *Service) Close() {
	s.server.Close()
	if s.traceLog != nil {
		s.traceLog.Close()
	}
	if s.chainStateLog != nil {
		s.chainStateLog.Close()
	}
}

// logBackedReader serves sessions when no live chain is attached: the head
// is simply the newest block either log holds, and everything stored is
// treated as irreversible.
type logBackedReader struct {
	service *Service
	chainID chain.Checksum256
}

func (r *logBackedReader) head() (uint32, bool) {
	var head uint32
	var any bool
	if tl := r.service.traceLog; tl != nil && tl.EndBlock() > tl.BeginBlock() {
		head = tl.EndBlock() - 1
		any = true
	}
	if sl := r.service.chainStateLog; sl != nil && sl.EndBlock() > sl.BeginBlock() {
		if sl.EndBlock()-1 > head {
			head = sl.EndBlock() - 1
		}
		any = true
	}
	return head, any
}

func (r *logBackedReader) FetchBlockByNumber(blockNum uint32) []byte {
	return nil
}

func (r *logBackedReader) BlockID(blockNum uint32) (chain.Checksum256, bool) {
	if tl := r.service.traceLog; tl != nil {
		if id, err := tl.GetBlockID(blockNum); err == nil {
			return id, true
		}
	}
	if sl := r.service.chainStateLog; sl != nil {
		if id, err := sl.GetBlockID(blockNum); err == nil {
			return id, true
		}
	}
	return chain.Checksum256{}, false
}

func (r *logBackedReader) Head() chain.BlockPosition {
	num, ok := r.head()
	if !ok {
		return chain.BlockPosition{}
	}
	id, _ := r.BlockID(num)
	return chain.BlockPosition{BlockNum: num, BlockID: id}
}

func (r *logBackedReader) LastIrreversible() chain.BlockPosition {
	return r.Head()
}

func (r *logBackedReader) ChainID() chain.Checksum256 {
	return r.chainID
}
