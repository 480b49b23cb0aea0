package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// testConn wires a Conn to in-memory pipes so tests can play the agent side.
type testConn struct {
	conn *Conn
	// toConn feeds lines the agent "sends"; fromConn reads lines the Conn writes.
	toConn   *io.PipeWriter
	fromConn *bufio.Reader

	loopDone chan error
}

func newTestConn(t *testing.T) *testConn {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	tc := &testConn{
		conn:     NewConn(outW, inR),
		toConn:   inW,
		fromConn: bufio.NewReader(outR),
		loopDone: make(chan error, 1),
	}
	go func() { tc.loopDone <- tc.conn.ReadLoop() }()
	t.Cleanup(func() {
		tc.conn.Close(nil)
		inW.Close()
	})
	return tc
}

func (tc *testConn) send(t *testing.T, line string) {
	t.Helper()
	if _, err := tc.toConn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("send line: %v", err)
	}
}

func (tc *testConn) readLine(t *testing.T) []byte {
	t.Helper()
	line, err := tc.fromConn.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return line
}

func TestExposedHandlerReply(t *testing.T) {
	tc := newTestConn(t)
	tc.conn.Expose("foo", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "bar", nil
	})

	tc.send(t, `{"id":1,"method":"foo","params":{}}`)

	var reply struct {
		ID     int64  `json:"id"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal(tc.readLine(t), &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.ID != 1 {
		t.Errorf("id = %d, want 1", reply.ID)
	}
	if reply.Result != "bar" {
		t.Errorf("result = %q, want %q", reply.Result, "bar")
	}
}

func TestCallResolvedByReply(t *testing.T) {
	tc := newTestConn(t)

	type result struct {
		SessionID string `json:"sessionId"`
	}
	done := make(chan error, 1)
	var got result
	go func() {
		done <- tc.conn.Call(context.Background(), "session/new", map[string]any{}, &got)
	}()

	var req struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(tc.readLine(t), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Method != "session/new" {
		t.Errorf("method = %q, want session/new", req.Method)
	}

	tc.send(t, fmt.Sprintf(`{"id":%d,"result":{"sessionId":"s1"}}`, req.ID))

	if err := <-done; err != nil {
		t.Fatalf("call: %v", err)
	}
	if got.SessionID != "s1" {
		t.Errorf("sessionId = %q, want s1", got.SessionID)
	}
}

func TestIDCorrelationOutOfOrder(t *testing.T) {
	tc := newTestConn(t)

	const calls = 8
	results := make([]string, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var s string
			if err := tc.conn.Call(context.Background(), "echo", i, &s); err != nil {
				t.Errorf("call %d: %v", i, err)
			}
			results[i] = s
		}(i)
	}

	// Collect the outbound requests, then answer them in reverse order with
	// a result that names the request's params.
	type req struct {
		ID     int64 `json:"id"`
		Params int   `json:"params"`
	}
	reqs := make([]req, 0, calls)
	for i := 0; i < calls; i++ {
		var r req
		if err := json.Unmarshal(tc.readLine(t), &r); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		reqs = append(reqs, r)
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		tc.send(t, fmt.Sprintf(`{"id":%d,"result":"r%d"}`, reqs[i].ID, reqs[i].Params))
	}
	wg.Wait()

	for i := 0; i < calls; i++ {
		want := fmt.Sprintf("r%d", i)
		if results[i] != want {
			t.Errorf("call %d got %q, want %q", i, results[i], want)
		}
	}
}

func TestCallErrorReply(t *testing.T) {
	tc := newTestConn(t)

	done := make(chan error, 1)
	go func() {
		done <- tc.conn.Call(context.Background(), "session/prompt", nil, nil)
	}()

	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(tc.readLine(t), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	tc.send(t, fmt.Sprintf(`{"id":%d,"error":{"code":-32000,"message":"model overloaded"}}`, req.ID))

	err := <-done
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32000 {
		t.Errorf("code = %d, want -32000", rpcErr.Code)
	}
	if rpcErr.Message != "model overloaded" {
		t.Errorf("message = %q", rpcErr.Message)
	}
}

func TestBatchSymmetry(t *testing.T) {
	tc := newTestConn(t)
	tc.conn.Expose("foo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var n int
		json.Unmarshal(params, &n)
		return n * 10, nil
	})
	noted := make(chan struct{}, 1)
	tc.conn.Expose("note", func(ctx context.Context, params json.RawMessage) (any, error) {
		noted <- struct{}{}
		return nil, nil
	})

	tc.send(t, `[{"id":1,"method":"foo","params":1},{"method":"note"},{"id":2,"method":"foo","params":2}]`)

	var replies []struct {
		ID     int64 `json:"id"`
		Result int   `json:"result"`
	}
	if err := json.Unmarshal(tc.readLine(t), &replies); err != nil {
		t.Fatalf("unmarshal batch reply: %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	if replies[0].ID != 1 || replies[0].Result != 10 {
		t.Errorf("reply[0] = %+v", replies[0])
	}
	if replies[1].ID != 2 || replies[1].Result != 20 {
		t.Errorf("reply[1] = %+v", replies[1])
	}
	select {
	case <-noted:
	case <-time.After(time.Second):
		t.Error("notification in batch never dispatched")
	}
}

func TestBatchOfNotificationsYieldsNoReply(t *testing.T) {
	tc := newTestConn(t)
	calls := make(chan string, 2)
	tc.conn.Expose("note", func(ctx context.Context, params json.RawMessage) (any, error) {
		calls <- string(params)
		return nil, nil
	})
	tc.conn.Expose("foo", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "ok", nil
	})

	tc.send(t, `[{"method":"note","params":1},{"method":"note","params":2}]`)
	// A follow-up call proves no batch reply was emitted first.
	tc.send(t, `{"id":9,"method":"foo"}`)

	var reply struct {
		ID     int64  `json:"id"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal(tc.readLine(t), &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.ID != 9 || reply.Result != "ok" {
		t.Errorf("reply = %+v, want id 9 result ok", reply)
	}
	if got := len(calls); got != 2 {
		t.Errorf("dispatched %d notifications, want 2", got)
	}
}

func TestMethodNotFound(t *testing.T) {
	tc := newTestConn(t)

	tc.send(t, `{"id":5,"method":"nope"}`)

	var reply struct {
		ID    int64     `json:"id"`
		Error *RPCError `json:"error"`
	}
	if err := json.Unmarshal(tc.readLine(t), &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Error == nil || reply.Error.Code != CodeMethodNotFound {
		t.Errorf("error = %+v, want method-not-found", reply.Error)
	}
}

func TestHandlerErrorBecomesErrorReply(t *testing.T) {
	tc := newTestConn(t)
	tc.conn.Expose("boom", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("kaput")
	})

	tc.send(t, `{"id":3,"method":"boom"}`)

	var reply struct {
		ID    int64     `json:"id"`
		Error *RPCError `json:"error"`
	}
	if err := json.Unmarshal(tc.readLine(t), &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Error == nil || reply.Error.Code != CodeInternalError {
		t.Fatalf("error = %+v, want internal error", reply.Error)
	}
	if reply.Error.Message != "kaput" {
		t.Errorf("message = %q, want kaput", reply.Error.Message)
	}
}

func TestCallFailsWhenStreamCloses(t *testing.T) {
	tc := newTestConn(t)

	done := make(chan error, 1)
	go func() {
		done <- tc.conn.Call(context.Background(), "session/prompt", nil, nil)
	}()
	tc.readLine(t) // consume the outbound request
	tc.toConn.Close()

	if err := <-done; !errors.Is(err, ErrConnClosed) {
		t.Errorf("error = %v, want ErrConnClosed", err)
	}
}

func TestMalformedLineIsFatal(t *testing.T) {
	tc := newTestConn(t)

	tc.send(t, `{"id":1,`)

	err := <-tc.loopDone
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("ReadLoop error = %v, want *ProtocolError", err)
	}
	select {
	case <-tc.conn.Closed():
	case <-time.After(time.Second):
		t.Error("connection not closed after framing error")
	}
}

func TestCallTimeout(t *testing.T) {
	tc := newTestConn(t)
	tc.conn.CallTimeout = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- tc.conn.Call(context.Background(), "session/prompt", nil, nil)
	}()
	tc.readLine(t)

	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}
