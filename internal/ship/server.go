package ship

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/greymass/statehistory/internal/chain"
	"github.com/greymass/statehistory/internal/logger"
	"github.com/greymass/statehistory/internal/shiplog"
	"github.com/greymass/statehistory/internal/traces"
)

// Source is the read side sessions serve from. TraceLog and ChainStateLog
// are nil when the corresponding history is disabled.
type Source struct {
	Chain         chain.Reader
	TraceLog      *traces.TraceLog
	ChainStateLog *shiplog.Log
}

// BlockID resolves a height to its block id, preferring the logs over the
// chain: trace log, then chain-state log, then the chain itself.
func (s *Source) BlockID(blockNum uint32) (chain.Checksum256, bool) {
	if s.TraceLog != nil {
		if id, err := s.TraceLog.GetBlockID(blockNum); err == nil {
			return id, true
		}
	}
	if s.ChainStateLog != nil {
		if id, err := s.ChainStateLog.GetBlockID(blockNum); err == nil {
			return id, true
		}
	}
	return s.Chain.BlockID(blockNum)
}

type Config struct {
	MaxSessions int
}

// Server accepts websocket sessions and owns the single executor every
// session event and chain hook runs on. No per-session locks: state is
// only touched from the executor.
type Server struct {
	source *Source
	config Config

	httpServer *http.Server
	sessions   map[uint64]*Session
	nextID     atomic.Uint64
	count      atomic.Int64

	post     chan func()
	stopping atomic.Bool
	closedCh chan struct{}
	wg       sync.WaitGroup
}

func NewServer(source *Source, config Config) *Server {
	s := &Server{
		source:   source,
		config:   config,
		sessions: make(map[uint64]*Session),
		post:     make(chan func(), 1024),
		closedCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// run is the executor: one goroutine, sequential, no locks needed for
// anything it touches.
func (s *Server) run() {
	defer s.wg.Done()
	for f := range s.post {
		if s.stopping.Load() {
			continue
		}
		f()
	}
}

// Post schedules f on the executor. Safe from any goroutine.
func (s *Server) Post(f func()) {
	defer func() {
		// The post channel closes during shutdown; callbacks racing that
		// are dropped, which is what stopping means.
		recover()
	}()
	s.post <- f
}

func (s *Server) Listen(address string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:        address,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ship listener error: %v", err)
		}
	}()

	logger.Printf("ship", "listening on %s", address)
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxSessions > 0 && s.count.Load() >= int64(s.config.MaxSessions) {
		http.Error(w, "max sessions reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Warning("websocket accept error: %v", err)
		return
	}
	conn.SetReadLimit(MaxFrameSize)

	session := newSession(s.nextID.Add(1), s, conn)
	s.count.Add(1)
	sessionsGauge.Inc()
	sessionsTotal.Inc()

	s.Post(func() {
		s.sessions[session.id] = session
		logger.Printf("ship", "session %d connected from %s (%d active)",
			session.id, r.RemoteAddr, len(s.sessions))
		session.start()
	})

	select {
	case <-session.done:
	case <-s.closedCh:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

// removeSession runs on the executor, from Session.close.
func (s *Server) removeSession(session *Session) {
	delete(s.sessions, session.id)
	s.count.Add(-1)
	sessionsGauge.Dec()
}

// BroadcastAcceptedBlock fans the accepted block out to every session.
// Must run on the executor.
func (s *Server) BroadcastAcceptedBlock(blockState *chain.BlockState) {
	for _, session := range s.sessions {
		session.onAcceptedBlock(blockState)
	}
}

// SessionCount is a point-in-time count for stats surfaces.
func (s *Server) SessionCount() int {
	return int(s.count.Load())
}

func (s *Server) Close() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}

	// Stop the executor first; with stopping set it drops queued work, so
	// the session map is safe to touch from here once it exits.
	close(s.post)
	s.wg.Wait()

	for id, session := range s.sessions {
		session.closed = true
		session.cancel()
		session.conn.Close(websocket.StatusGoingAway, "server shutdown")
		close(session.done)
		delete(s.sessions, id)
		sessionsGauge.Dec()
	}
	s.count.Store(0)
	close(s.closedCh)

	if s.httpServer != nil {
		s.httpServer.Close()
	}
}
