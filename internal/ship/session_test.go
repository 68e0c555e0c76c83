package ship

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/greymass/statehistory/internal/chain"
	"github.com/greymass/statehistory/internal/traces"
)

// stubReader serves a fixed head over whatever the logs hold.
type stubReader struct {
	source  *Source
	headNum uint32
	chainID chain.Checksum256
	blocks  map[uint32][]byte
}

func (r *stubReader) FetchBlockByNumber(blockNum uint32) []byte {
	return r.blocks[blockNum]
}

func (r *stubReader) BlockID(blockNum uint32) (chain.Checksum256, bool) {
	return chain.Checksum256{}, false
}

func (r *stubReader) position(num uint32) chain.BlockPosition {
	id, _ := r.source.BlockID(num)
	return chain.BlockPosition{BlockNum: num, BlockID: id}
}

func (r *stubReader) Head() chain.BlockPosition {
	return r.position(r.headNum)
}

func (r *stubReader) LastIrreversible() chain.BlockPosition {
	return r.position(r.headNum)
}

func (r *stubReader) ChainID() chain.Checksum256 {
	return r.chainID
}

func blockID(num uint32) chain.Checksum256 {
	var id chain.Checksum256
	id[0] = byte(num)
	id[1] = byte(num >> 8)
	id[31] = 0xa1
	return id
}

func storeTestBlocks(t *testing.T, tl *traces.TraceLog, from, to uint32) {
	t.Helper()
	for num := from; num <= to; num++ {
		tl.BlockStart(num)
		bs := &chain.BlockState{
			BlockNum: num,
			BlockID:  blockID(num),
			Previous: blockID(num - 1),
		}
		if err := tl.Store(bs); err != nil {
			t.Fatalf("store block %d: %v", num, err)
		}
	}
}

type testEnv struct {
	server   *Server
	reader   *stubReader
	traceLog *traces.TraceLog
	ws       *httptest.Server
	conn     *websocket.Conn
	ctx      context.Context
}

func newTestEnv(t *testing.T, headNum uint32) *testEnv {
	t.Helper()

	traceLog, err := traces.NewTraceLog(t.TempDir())
	if err != nil {
		t.Fatalf("open trace log: %v", err)
	}
	t.Cleanup(func() { traceLog.Close() })

	source := &Source{TraceLog: traceLog}
	reader := &stubReader{source: source, headNum: headNum, blocks: map[uint32][]byte{}}
	source.Chain = reader

	server := NewServer(source, Config{MaxSessions: 10})
	t.Cleanup(server.Close)

	ws := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	t.Cleanup(ws.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(ws.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	conn.SetReadLimit(16 * 1024 * 1024)

	return &testEnv{
		server:   server,
		reader:   reader,
		traceLog: traceLog,
		ws:       ws,
		conn:     conn,
		ctx:      ctx,
	}
}

func (env *testEnv) expectGreeting(t *testing.T) {
	t.Helper()
	typ, data, err := env.conn.Read(env.ctx)
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("greeting type = %v, want text", typ)
	}
	if string(data) != Abi {
		t.Fatalf("greeting does not match the ABI constant")
	}
}

func (env *testEnv) sendRequest(t *testing.T, req Request) {
	t.Helper()
	if err := env.conn.Write(env.ctx, websocket.MessageBinary, EncodeRequest(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func (env *testEnv) readResult(t *testing.T) Result {
	t.Helper()
	typ, data, err := env.conn.Read(env.ctx)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("result type = %v, want binary", typ)
	}
	res, err := DecodeResult(data)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func TestSessionStatus(t *testing.T) {
	env := newTestEnv(t, 10)
	storeTestBlocks(t, env.traceLog, 1, 10)
	env.reader.chainID = chain.Checksum256{0xc1}

	env.expectGreeting(t)
	env.sendRequest(t, GetStatusRequestV0{})

	res, ok := env.readResult(t).(GetStatusResultV0)
	if !ok {
		t.Fatalf("expected status result")
	}
	if res.Head.BlockNum != 10 || res.Head.BlockID != blockID(10) {
		t.Errorf("head = %+v", res.Head)
	}
	if res.ChainID != (chain.Checksum256{0xc1}) {
		t.Errorf("chain id mismatch")
	}
	if res.TraceBeginBlock != 1 || res.TraceEndBlock != 11 {
		t.Errorf("trace range = [%d, %d), want [1, 11)", res.TraceBeginBlock, res.TraceEndBlock)
	}
	if res.ChainStateBeginBlock != 0 || res.ChainStateEndBlock != 0 {
		t.Errorf("chain state range should be empty, got [%d, %d)", res.ChainStateBeginBlock, res.ChainStateEndBlock)
	}
}

func TestSessionFreshStream(t *testing.T) {
	env := newTestEnv(t, 1)

	// One block with two user transactions.
	env.traceLog.BlockStart(1)
	trace1 := &traces.TransactionTrace{ID: chain.Checksum256{1}, Receipted: true}
	trace2 := &traces.TransactionTrace{ID: chain.Checksum256{2}, Receipted: true}
	env.traceLog.AddTransaction(trace1, nil)
	env.traceLog.AddTransaction(trace2, nil)
	bs := &chain.BlockState{
		BlockNum: 1,
		BlockID:  blockID(1),
		Receipts: []chain.TransactionReceipt{{ID: trace1.ID}, {ID: trace2.ID}},
	}
	if err := env.traceLog.Store(bs); err != nil {
		t.Fatalf("store: %v", err)
	}
	wantPayload, _, err := env.traceLog.GetLogEntry(1)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}

	env.expectGreeting(t)
	env.sendRequest(t, GetBlocksRequestV0{
		StartBlockNum:       1,
		EndBlockNum:         5,
		MaxMessagesInFlight: 10,
		FetchTraces:         true,
	})

	res, ok := env.readResult(t).(GetBlocksResultV0)
	if !ok {
		t.Fatalf("expected blocks result")
	}
	if res.ThisBlock == nil || res.ThisBlock.BlockNum != 1 || res.ThisBlock.BlockID != blockID(1) {
		t.Fatalf("this_block = %+v", res.ThisBlock)
	}
	if !bytes.Equal(res.Traces, wantPayload) {
		t.Errorf("traces payload does not match the stored entry")
	}
	decoded, err := traces.DecodePayload(res.Traces, traces.PayloadV1)
	if err != nil {
		t.Fatalf("decode streamed payload: %v", err)
	}
	if len(decoded) != 2 {
		t.Errorf("streamed payload has %d transactions, want 2", len(decoded))
	}
}

// Credit gating: with one credit only one block frame may be sent; a status
// request then proves nothing else is queued, and an ack releases exactly
// the granted number of frames.
func TestSessionCreditBackpressure(t *testing.T) {
	env := newTestEnv(t, 5)
	storeTestBlocks(t, env.traceLog, 1, 5)

	env.expectGreeting(t)
	env.sendRequest(t, GetBlocksRequestV0{
		StartBlockNum:       1,
		EndBlockNum:         100,
		MaxMessagesInFlight: 1,
	})

	res, ok := env.readResult(t).(GetBlocksResultV0)
	if !ok || res.ThisBlock == nil || res.ThisBlock.BlockNum != 1 {
		t.Fatalf("first frame = %+v", res)
	}

	// Credit exhausted: a status round-trip shows no block frame between.
	env.sendRequest(t, GetStatusRequestV0{})
	if _, ok := env.readResult(t).(GetStatusResultV0); !ok {
		t.Fatalf("expected status result right after credit ran out")
	}

	env.sendRequest(t, GetBlocksAckRequestV0{NumMessages: 2})
	for want := uint32(2); want <= 3; want++ {
		res, ok := env.readResult(t).(GetBlocksResultV0)
		if !ok || res.ThisBlock == nil {
			t.Fatalf("frame for block %d missing: %+v", want, res)
		}
		if res.ThisBlock.BlockNum != want {
			t.Errorf("frame block = %d, want %d", res.ThisBlock.BlockNum, want)
		}
	}

	env.sendRequest(t, GetStatusRequestV0{})
	if _, ok := env.readResult(t).(GetStatusResultV0); !ok {
		t.Fatalf("expected status result after ack credit was spent")
	}
}

// Fork recovery: a have_position the server disagrees with rewinds the
// cursor to that height.
func TestSessionForkRewind(t *testing.T) {
	env := newTestEnv(t, 10)
	storeTestBlocks(t, env.traceLog, 1, 10)

	env.expectGreeting(t)
	wrong := chain.Checksum256{0xde, 0xad}
	env.sendRequest(t, GetBlocksRequestV0{
		StartBlockNum:       15,
		EndBlockNum:         100,
		MaxMessagesInFlight: 1,
		HavePositions:       []chain.BlockPosition{{BlockNum: 10, BlockID: wrong}},
	})

	res, ok := env.readResult(t).(GetBlocksResultV0)
	if !ok {
		t.Fatalf("expected blocks result")
	}
	if res.ThisBlock == nil || res.ThisBlock.BlockNum != 10 {
		t.Fatalf("cursor not rewound: this_block = %+v", res.ThisBlock)
	}
	if res.ThisBlock.BlockID != blockID(10) {
		t.Errorf("server id not used after rewind")
	}
	if res.PrevBlock == nil || res.PrevBlock.BlockNum != 9 {
		t.Errorf("prev_block = %+v", res.PrevBlock)
	}
}

// A matching have_position leaves the cursor alone.
func TestSessionAgreedPositionKeepsCursor(t *testing.T) {
	env := newTestEnv(t, 10)
	storeTestBlocks(t, env.traceLog, 1, 10)

	env.expectGreeting(t)
	env.sendRequest(t, GetBlocksRequestV0{
		StartBlockNum:       8,
		EndBlockNum:         100,
		MaxMessagesInFlight: 1,
		HavePositions:       []chain.BlockPosition{{BlockNum: 5, BlockID: blockID(5)}},
	})

	res, ok := env.readResult(t).(GetBlocksResultV0)
	if !ok || res.ThisBlock == nil {
		t.Fatalf("expected block frame")
	}
	if res.ThisBlock.BlockNum != 8 {
		t.Errorf("cursor = %d, want 8", res.ThisBlock.BlockNum)
	}
}

// Head-only result when the subscription starts past the head.
func TestSessionHeadOnlyUpdate(t *testing.T) {
	env := newTestEnv(t, 3)
	storeTestBlocks(t, env.traceLog, 1, 3)

	env.expectGreeting(t)
	env.sendRequest(t, GetBlocksRequestV0{
		StartBlockNum:       50,
		EndBlockNum:         100,
		MaxMessagesInFlight: 5,
	})

	res, ok := env.readResult(t).(GetBlocksResultV0)
	if !ok {
		t.Fatalf("expected blocks result")
	}
	if res.ThisBlock != nil {
		t.Errorf("expected head-only frame, got block %d", res.ThisBlock.BlockNum)
	}
	if res.Head.BlockNum != 3 {
		t.Errorf("head = %d, want 3", res.Head.BlockNum)
	}
}

// Live tailing: a session that has drained the log is woken by the
// accepted-block fan-out and streams the new block.
func TestSessionLiveTail(t *testing.T) {
	env := newTestEnv(t, 2)
	storeTestBlocks(t, env.traceLog, 1, 2)

	env.expectGreeting(t)
	env.sendRequest(t, GetBlocksRequestV0{
		StartBlockNum:       1,
		EndBlockNum:         100,
		MaxMessagesInFlight: 100,
	})

	for want := uint32(1); want <= 2; want++ {
		res := env.readResult(t).(GetBlocksResultV0)
		if res.ThisBlock == nil || res.ThisBlock.BlockNum != want {
			t.Fatalf("catchup frame = %+v, want block %d", res.ThisBlock, want)
		}
	}

	// A new block arrives: store it and fan out, as the accepted-block
	// hook does.
	bs := &chain.BlockState{BlockNum: 3, BlockID: blockID(3), Previous: blockID(2)}
	env.server.Post(func() {
		env.traceLog.BlockStart(3)
		if err := env.traceLog.Store(bs); err != nil {
			t.Errorf("store live block: %v", err)
		}
		env.reader.headNum = 3
		env.server.BroadcastAcceptedBlock(bs)
	})

	res := env.readResult(t).(GetBlocksResultV0)
	if res.ThisBlock == nil || res.ThisBlock.BlockNum != 3 {
		t.Fatalf("live frame = %+v, want block 3", res.ThisBlock)
	}
	if res.Head.BlockNum != 3 {
		t.Errorf("live head = %d, want 3", res.Head.BlockNum)
	}
}

// Ordering: block frames arrive strictly by height.
func TestSessionOrdering(t *testing.T) {
	env := newTestEnv(t, 20)
	storeTestBlocks(t, env.traceLog, 1, 20)

	env.expectGreeting(t)
	env.sendRequest(t, GetBlocksRequestV0{
		StartBlockNum:       1,
		EndBlockNum:         21,
		MaxMessagesInFlight: 100,
	})

	last := uint32(0)
	for i := 0; i < 20; i++ {
		res := env.readResult(t).(GetBlocksResultV0)
		if res.ThisBlock == nil {
			t.Fatalf("frame %d has no block", i)
		}
		if res.ThisBlock.BlockNum <= last {
			t.Fatalf("block %d arrived after %d", res.ThisBlock.BlockNum, last)
		}
		last = res.ThisBlock.BlockNum
	}
}

// A frame that fails to decode closes the session.
func TestSessionProtocolErrorCloses(t *testing.T) {
	env := newTestEnv(t, 1)
	env.expectGreeting(t)

	if err := env.conn.Write(env.ctx, websocket.MessageBinary, []byte{0xff, 0xff}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	if _, _, err := env.conn.Read(env.ctx); err == nil {
		t.Error("connection survived a protocol error")
	}
}

// irreversible_only clamps streaming to LIB even when the head is ahead.
func TestSessionIrreversibleOnly(t *testing.T) {
	env := newTestEnv(t, 10)
	storeTestBlocks(t, env.traceLog, 1, 10)

	lib := &libReader{stubReader: env.reader, libNum: 4}
	env.server.source.Chain = lib

	env.expectGreeting(t)
	env.sendRequest(t, GetBlocksRequestV0{
		StartBlockNum:       1,
		EndBlockNum:         100,
		MaxMessagesInFlight: 100,
		IrreversibleOnly:    true,
	})

	for want := uint32(1); want <= 4; want++ {
		res := env.readResult(t).(GetBlocksResultV0)
		if res.ThisBlock == nil || res.ThisBlock.BlockNum != want {
			t.Fatalf("frame = %+v, want block %d", res.ThisBlock, want)
		}
	}

	// Block 5 is past LIB: the session must idle, so a status round-trip
	// comes back with no block frame in between.
	env.sendRequest(t, GetStatusRequestV0{})
	if _, ok := env.readResult(t).(GetStatusResultV0); !ok {
		t.Fatal("expected status result, got a block past LIB")
	}
}

type libReader struct {
	*stubReader
	libNum uint32
}

func (r *libReader) LastIrreversible() chain.BlockPosition {
	return r.position(r.libNum)
}
