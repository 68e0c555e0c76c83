package ship

import (
	"context"
	"errors"

	"nhooyr.io/websocket"

	"github.com/greymass/statehistory/internal/chain"
	"github.com/greymass/statehistory/internal/logger"
	"github.com/greymass/statehistory/internal/shiplog"
)

type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

// Session is one client connection. All fields are owned by the server
// executor; the read and write goroutines only touch the socket and post
// completions back.
type Session struct {
	id     uint64
	server *Server
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	sendQueue [][]byte
	sending   bool
	sentABI   bool

	currentRequest   *GetBlocksRequestV0
	needToSendUpdate bool

	closed  bool
	writeCh chan outFrame
	done    chan struct{}
}

func newSession(id uint64, server *Server, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		server:  server,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		writeCh: make(chan outFrame, 1),
		done:    make(chan struct{}),
	}
}

// start runs on the executor once the session is registered. The ABI
// greeting goes out first, as the only text frame.
func (s *Session) start() {
	s.sendQueue = append(s.sendQueue, []byte(Abi))
	go s.readLoop()
	go s.writeLoop()
	s.send()
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.server.Post(func() { s.close("read: %v", err) })
			return
		}
		s.server.Post(func() { s.dispatch(data) })
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.writeCh:
			err := s.conn.Write(s.ctx, f.typ, f.data)
			s.server.Post(func() { s.onWriteDone(err) })
			if err != nil {
				return
			}
		}
	}
}

// send issues the next queued frame, or produces one via trySendUpdate when
// the queue is idle. Only one frame is ever in flight.
func (s *Session) send() {
	if s.closed || s.sending {
		return
	}
	if len(s.sendQueue) == 0 {
		s.trySendUpdate()
		if len(s.sendQueue) == 0 {
			return
		}
	}
	s.sending = true
	typ := websocket.MessageBinary
	if !s.sentABI {
		typ = websocket.MessageText
		s.sentABI = true
	}
	s.writeCh <- outFrame{typ: typ, data: s.sendQueue[0]}
}

func (s *Session) onWriteDone(err error) {
	if s.closed {
		return
	}
	if err != nil {
		s.close("write: %v", err)
		return
	}
	framesSent.Inc()
	s.sendQueue = s.sendQueue[1:]
	s.sending = false
	s.send()
}

func (s *Session) dispatch(data []byte) {
	if s.closed {
		return
	}
	req, err := DecodeRequest(data)
	if err != nil {
		protocolErrors.Inc()
		s.close("protocol error: %v", err)
		return
	}

	switch r := req.(type) {
	case GetStatusRequestV0:
		s.handleGetStatus()
	case GetBlocksRequestV0:
		s.handleGetBlocks(r)
	case GetBlocksAckRequestV0:
		s.handleAck(r)
	}
}

func (s *Session) handleGetStatus() {
	src := s.server.source
	result := GetStatusResultV0{
		Head:             src.Chain.Head(),
		LastIrreversible: src.Chain.LastIrreversible(),
		ChainID:          src.Chain.ChainID(),
	}
	if src.TraceLog != nil {
		result.TraceBeginBlock = src.TraceLog.BeginBlock()
		result.TraceEndBlock = src.TraceLog.EndBlock()
	}
	if src.ChainStateLog != nil {
		result.ChainStateBeginBlock = src.ChainStateLog.BeginBlock()
		result.ChainStateEndBlock = src.ChainStateLog.EndBlock()
	}
	s.sendQueue = append(s.sendQueue, EncodeResult(result))
	s.send()
}

// handleGetBlocks installs a subscription. have_positions rewinds the
// cursor to the deepest height where client and server still agree, then is
// consumed.
func (s *Session) handleGetBlocks(r GetBlocksRequestV0) {
	for _, p := range r.HavePositions {
		if p.BlockNum >= r.StartBlockNum {
			continue
		}
		id, ok := s.server.source.BlockID(p.BlockNum)
		if !ok || id != p.BlockID {
			if p.BlockNum < r.StartBlockNum {
				r.StartBlockNum = p.BlockNum
			}
		}
	}
	r.HavePositions = nil

	s.currentRequest = &r
	s.needToSendUpdate = true
	s.send()
}

func (s *Session) handleAck(r GetBlocksAckRequestV0) {
	if s.currentRequest == nil {
		return
	}
	s.currentRequest.MaxMessagesInFlight += r.NumMessages
	s.send()
}

// onAcceptedBlock is the live-tail hook, called on the executor for every
// session when a block is accepted. A block below the cursor means a
// shorter fork won; the cursor rewinds to resend from there.
func (s *Session) onAcceptedBlock(blockState *chain.BlockState) {
	if s.closed {
		return
	}
	if s.currentRequest != nil && blockState.BlockNum < s.currentRequest.StartBlockNum {
		s.currentRequest.StartBlockNum = blockState.BlockNum
	}
	s.needToSendUpdate = true
	s.send()
}

// trySendUpdate emits at most one get_blocks_result frame: a block result
// when the cursor points at an available block, a head-only result
// otherwise. Each frame costs one credit.
func (s *Session) trySendUpdate() {
	req := s.currentRequest
	if len(s.sendQueue) != 0 || req == nil || req.MaxMessagesInFlight == 0 || !s.needToSendUpdate {
		return
	}

	src := s.server.source
	result := GetBlocksResultV0{
		Head:             src.Chain.Head(),
		LastIrreversible: src.Chain.LastIrreversible(),
	}

	current := result.Head.BlockNum
	if req.IrreversibleOnly {
		current = result.LastIrreversible.BlockNum
	}

	if req.StartBlockNum <= current && req.StartBlockNum < req.EndBlockNum {
		blockNum := req.StartBlockNum
		if id, ok := src.BlockID(blockNum); ok {
			result.ThisBlock = &chain.BlockPosition{BlockNum: blockNum, BlockID: id}
			if prevID, ok := src.BlockID(blockNum - 1); ok {
				result.PrevBlock = &chain.BlockPosition{BlockNum: blockNum - 1, BlockID: prevID}
			}
			if req.FetchBlock {
				result.Block = src.Chain.FetchBlockByNumber(blockNum)
			}
			if req.FetchTraces && src.TraceLog != nil {
				result.Traces = s.readLogEntry(src.TraceLog.Log, blockNum)
			}
			if req.FetchDeltas && src.ChainStateLog != nil {
				result.Deltas = s.readLogEntry(src.ChainStateLog, blockNum)
			}
		}
		req.StartBlockNum++
	}

	s.sendQueue = append(s.sendQueue, EncodeResult(result))
	req.MaxMessagesInFlight--
	s.needToSendUpdate = req.StartBlockNum <= current && req.StartBlockNum < req.EndBlockNum
}

func (s *Session) readLogEntry(log *shiplog.Log, blockNum uint32) []byte {
	payload, _, err := log.GetLogEntry(blockNum)
	if err != nil {
		if errors.Is(err, shiplog.ErrNotFound) {
			return nil
		}
		// A failed read of an in-range entry means the log is broken; the
		// service may not degrade silently.
		logger.Fatal("%s: read of block %d failed: %v", log.Name(), blockNum, err)
	}
	return payload
}

func (s *Session) close(format string, v ...interface{}) {
	if s.closed {
		return
	}
	s.closed = true
	logger.Printf("ship", "session %d closed: "+format, append([]interface{}{s.id}, v...)...)
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "")
	s.server.removeSession(s)
	close(s.done)
}
