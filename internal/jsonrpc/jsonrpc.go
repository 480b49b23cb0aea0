// Package jsonrpc implements the newline-delimited JSON-RPC transport
// parley uses to talk to an agent subprocess over its stdio. Outbound calls
// are correlated to replies by id; inbound calls and notifications dispatch
// to handlers registered with Expose. Framing is one JSON value per line;
// a line that fails to decode is fatal for the connection since there is no
// way to recover the framing boundary.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// Standard JSON-RPC error codes used for replies parley generates itself.
const (
	CodeParseError     = -32700
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// RPCError is an error object returned by the remote peer, or generated
// locally when an inbound call fails. It is scoped to the call that raised
// it; the connection stays alive.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrConnClosed is returned by calls still in flight when the underlying
// stream closes. Distinct from RPCError so callers can tell "the agent
// complained" from "the agent died".
var ErrConnClosed = errors.New("jsonrpc: connection closed")

// ProtocolError is a fatal framing failure: a line arrived that is not
// valid JSON. ReadLoop returns it and the connection shuts down.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("jsonrpc: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Handler serves one inbound method. The returned value becomes the reply
// result when the inbound message carried an id; the error becomes an error
// reply. For notifications the outcome is discarded.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// message is the inbound envelope. A call carries ID+Method, a notification
// carries Method only, a reply carries ID plus exactly one of Result/Error.
// Result stays non-nil for an explicit null, which is how replies are told
// apart from calls.
type message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

func (m *message) isReply() bool { return m.Result != nil || m.Error != nil }

// request is the outbound call/notification envelope.
type request struct {
	ID     *int64 `json:"id,omitempty"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type pendingCall struct {
	ch chan message // buffered(1); receives the matching reply
}

// Conn is a bidirectional JSON-RPC connection over a reader/writer pair,
// typically an agent subprocess's stdout/stdin. The pending-call table and
// handler registry are owned by the Conn and guarded by its mutex; callers
// interact only through Call, Notify, Expose and ReadLoop.
type Conn struct {
	// CallTimeout bounds each outbound call when non-zero. Zero means no
	// timeout, matching agents that legitimately take minutes per turn.
	CallTimeout time.Duration

	// Trace, when set, observes every line sent and received ("send"/"recv").
	Trace func(dir string, line []byte)

	w       io.Writer
	r       io.Reader
	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]*pendingCall
	handlers map[string]Handler
	closed   bool
	closedCh chan struct{}
	closeErr error
}

// NewConn creates a connection over the given streams. ReadLoop must be
// started by the caller.
func NewConn(w io.Writer, r io.Reader) *Conn {
	return &Conn{
		w:        w,
		r:        r,
		pending:  make(map[int64]*pendingCall),
		handlers: make(map[string]Handler),
		closedCh: make(chan struct{}),
	}
}

// Expose registers a handler for an inbound method name. Registering the
// same name twice is a programming error.
func (c *Conn) Expose(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.handlers[name]; dup {
		panic(fmt.Sprintf("jsonrpc: method %q exposed twice", name))
	}
	c.handlers[name] = h
}

// Call sends a request and blocks until the matching reply arrives, the
// context ends, or the connection closes. A non-nil result has the reply's
// result unmarshalled into it. An error reply surfaces as *RPCError.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	if c.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.CallTimeout)
		defer cancel()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{ch: make(chan message, 1)}
	c.pending[id] = pc
	c.mu.Unlock()

	if err := c.writeJSON(request{ID: &id, Method: method, Params: params}); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case reply := <-pc.ch:
		if reply.Error != nil {
			return reply.Error
		}
		if result != nil {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.closedCh:
		return ErrConnClosed
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	}
}

// Notify sends a notification (no id, no reply).
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	return c.writeJSON(request{Method: method, Params: params})
}

// ReadLoop reads and dispatches inbound messages until the stream ends or a
// framing error occurs. It always closes the connection before returning;
// a clean EOF returns nil.
func (c *Conn) ReadLoop() error {
	br := bufio.NewReaderSize(c.r, 1024*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if perr := c.handleLine(line); perr != nil {
				c.Close(perr)
				return perr
			}
		}
		if err != nil {
			c.Close(ErrConnClosed)
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// handleLine decodes one frame. Returns a *ProtocolError on malformed JSON.
func (c *Conn) handleLine(line []byte) error {
	trimmed := trimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if c.Trace != nil {
		c.Trace("recv", trimmed)
	}

	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return &ProtocolError{Err: err}
		}
		return c.handleBatch(batch)
	}

	var msg message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return &ProtocolError{Err: err}
	}
	c.handleMessage(&msg)
	return nil
}

// handleBatch dispatches each element of an inbound batch. Elements that
// carry ids contribute, in order, to a single array reply mirroring the
// batch shape. A batch with no ids produces no reply.
func (c *Conn) handleBatch(batch []json.RawMessage) error {
	msgs := make([]*message, 0, len(batch))
	calls := 0
	for _, raw := range batch {
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return &ProtocolError{Err: err}
		}
		if !msg.isReply() && msg.Method != "" && msg.ID != nil {
			calls++
		}
		msgs = append(msgs, &msg)
	}

	if calls == 0 {
		for _, msg := range msgs {
			c.handleMessage(msg)
		}
		return nil
	}

	replies := make([]json.RawMessage, calls)
	var wg sync.WaitGroup
	slot := 0
	for _, msg := range msgs {
		if !msg.isReply() && msg.Method != "" && msg.ID != nil {
			wg.Add(1)
			i := slot
			slot++
			m := msg
			go func() {
				defer wg.Done()
				replies[i] = c.serveCall(m)
			}()
			continue
		}
		c.handleMessage(msg)
	}
	go func() {
		wg.Wait()
		if err := c.writeRaw(mustMarshal(replies)); err != nil {
			log.Printf("jsonrpc: write batch reply: %v", err)
		}
	}()
	return nil
}

// handleMessage routes a single decoded message. Replies resolve pending
// calls; notifications run synchronously so session updates apply in
// arrival order; calls run on their own goroutine so a handler that blocks
// on user input (permission prompts) cannot stall the read loop.
func (c *Conn) handleMessage(msg *message) {
	switch {
	case msg.isReply():
		c.resolvePending(msg)
	case msg.Method != "":
		if msg.ID == nil {
			if _, err := c.dispatch(msg); err != nil {
				log.Printf("jsonrpc: notification %s: %v", msg.Method, err)
			}
			return
		}
		go func() {
			if err := c.writeRaw(c.serveCall(msg)); err != nil {
				log.Printf("jsonrpc: write reply for %s: %v", msg.Method, err)
			}
		}()
	default:
		log.Printf("jsonrpc: dropping message with no method or result")
	}
}

// serveCall runs the handler for an inbound call and returns the encoded
// reply (result or error) carrying the caller's id.
func (c *Conn) serveCall(msg *message) json.RawMessage {
	result, err := c.dispatch(msg)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: CodeInternalError, Message: err.Error()}
		}
		return mustMarshal(struct {
			ID    json.RawMessage `json:"id"`
			Error *RPCError       `json:"error"`
		}{msg.ID, rpcErr})
	}
	return mustMarshal(struct {
		ID     json.RawMessage `json:"id"`
		Result any             `json:"result"`
	}{msg.ID, result})
}

// dispatch looks up and invokes the handler for an inbound message.
func (c *Conn) dispatch(msg *message) (any, error) {
	c.mu.Lock()
	h, ok := c.handlers[msg.Method]
	c.mu.Unlock()
	if !ok {
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", msg.Method)}
	}
	return h(context.Background(), msg.Params)
}

// resolvePending matches a reply to its pending call by id. An id with no
// pending call is logged and dropped.
func (c *Conn) resolvePending(msg *message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		log.Printf("jsonrpc: reply with unparseable id %s", msg.ID)
		return
	}
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		log.Printf("jsonrpc: no pending call for reply id %d", id)
		return
	}
	pc.ch <- *msg
}

// Close shuts the connection down. All pending calls fail with
// ErrConnClosed. Safe to call more than once; later calls are no-ops.
func (c *Conn) Close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	close(c.closedCh)
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	if wc, ok := c.w.(io.Closer); ok {
		wc.Close()
	}
}

// Closed returns a channel that is closed when the connection shuts down.
func (c *Conn) Closed() <-chan struct{} { return c.closedCh }

// Err returns the error the connection closed with, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Conn) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.writeRaw(data)
}

// writeRaw writes one line to the peer. The write mutex keeps concurrent
// replies and calls from interleaving within a line.
func (c *Conn) writeRaw(data []byte) error {
	if c.Trace != nil {
		c.Trace("send", data)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Reply payloads are built from handler return values; a marshal
		// failure here is a bug in the handler, not a wire condition.
		data = mustMarshal(struct {
			ID    any       `json:"id"`
			Error *RPCError `json:"error"`
		}{nil, &RPCError{Code: CodeInternalError, Message: err.Error()}})
	}
	return data
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
