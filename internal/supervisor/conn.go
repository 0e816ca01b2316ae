package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/pkg/acp/jsonrpc"
	"github.com/atelier-dev/atelier/pkg/acp/protocol"
)

// Per-method deadlines. Prompts run for minutes; the handshake either
// answers quickly or the agent is broken.
const (
	DeadlineHandshake = 10 * time.Second
	DeadlinePrompt    = 5 * time.Minute
	DeadlineDefault   = 30 * time.Second
)

// Options overrides the per-method call deadlines. Zero values keep the
// defaults.
type Options struct {
	HandshakeDeadline time.Duration
	PromptDeadline    time.Duration
	DefaultDeadline   time.Duration
}

func (o Options) deadlineFor(method string) time.Duration {
	switch method {
	case protocol.MethodInitialize, protocol.MethodSessionNew:
		if o.HandshakeDeadline > 0 {
			return o.HandshakeDeadline
		}
		return DeadlineHandshake
	case protocol.MethodSessionPrompt:
		if o.PromptDeadline > 0 {
			return o.PromptDeadline
		}
		return DeadlinePrompt
	default:
		if o.DefaultDeadline > 0 {
			return o.DefaultDeadline
		}
		return DeadlineDefault
	}
}

// UpdateHandler receives session/update notifications in arrival order.
type UpdateHandler func(n *protocol.SessionNotification)

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

type pendingCall struct {
	method string
	ch     chan callResult
	timer  *time.Timer
}

// Conn drives line-delimited JSON-RPC 2.0 over an agent's stdin/stdout.
// Outgoing calls are tracked in a pending table with per-method deadlines;
// incoming traffic is classified into responses, agent-initiated requests
// (answered by the Responder) and session/update notifications.
type Conn struct {
	stdin     io.Writer
	stdout    io.Reader
	responder *Responder
	opts      Options
	logger    *logger.Logger

	requestID atomic.Int64
	pending   map[int64]*pendingCall
	pendingMu sync.Mutex

	updateHandler UpdateHandler
	updateMu      sync.RWMutex

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn creates a connection over the given pipes. Call Start to begin
// reading.
func NewConn(stdin io.Writer, stdout io.Reader, responder *Responder, log *logger.Logger, opts Options) *Conn {
	return &Conn{
		stdin:     stdin,
		stdout:    stdout,
		responder: responder,
		opts:      opts,
		logger:    log.WithComponent("acp-conn"),
		pending:   make(map[int64]*pendingCall),
		done:      make(chan struct{}),
	}
}

// SetUpdateHandler registers the session/update receiver.
func (c *Conn) SetUpdateHandler(h UpdateHandler) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	c.updateHandler = h
}

// Start launches the read loop.
func (c *Conn) Start() {
	go c.readLoop()
}

// Close stops the connection and fails all pending calls.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.FailAll(apperrors.Transport("connection closed", nil))
	})
}

// Call sends a request and blocks until the response, the method deadline,
// the context, or connection shutdown. A non-nil result is filled from the
// response payload.
func (c *Conn) Call(ctx context.Context, method string, params, result interface{}) error {
	id := c.requestID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return apperrors.Protocol(fmt.Sprintf("failed to encode %s request", method), err)
	}

	deadline := c.opts.deadlineFor(method)
	pc := &pendingCall{method: method, ch: make(chan callResult, 1)}

	c.pendingMu.Lock()
	c.pending[id] = pc
	pc.timer = time.AfterFunc(deadline, func() { c.expire(id, method, deadline) })
	c.pendingMu.Unlock()

	if err := c.send(req); err != nil {
		c.remove(id)
		return apperrors.Transport(fmt.Sprintf("failed to send %s request", method), err)
	}

	select {
	case res := <-pc.ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return apperrors.Protocol(fmt.Sprintf("%s rejected by agent", method), res.resp.Error)
		}
		if result != nil && len(res.resp.Result) > 0 {
			if err := json.Unmarshal(res.resp.Result, result); err != nil {
				return apperrors.Protocol(fmt.Sprintf("failed to decode %s result", method), err)
			}
		}
		return nil
	case <-ctx.Done():
		c.remove(id)
		return ctx.Err()
	case <-c.done:
		c.remove(id)
		return apperrors.Transport("connection closed", nil)
	}
}

// Notify sends a notification; no response is expected.
func (c *Conn) Notify(method string, params interface{}) error {
	notif, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return apperrors.Protocol(fmt.Sprintf("failed to encode %s notification", method), err)
	}
	if err := c.send(notif); err != nil {
		return apperrors.Transport(fmt.Sprintf("failed to send %s notification", method), err)
	}
	return nil
}

// FailAll rejects every pending call with err. Used on child exit and on
// connection shutdown.
func (c *Conn) FailAll(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, pc := range c.pending {
		delete(c.pending, id)
		pc.timer.Stop()
		pc.ch <- callResult{err: err}
	}
}

func (c *Conn) expire(id int64, method string, deadline time.Duration) {
	c.pendingMu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if ok {
		c.logger.Warn("request deadline expired",
			zap.Int64("id", id),
			zap.String("method", method),
			zap.Duration("deadline", deadline))
		pc.ch <- callResult{err: apperrors.Timeout(method, deadline)}
	}
}

func (c *Conn) remove(id int64) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if pc, ok := c.pending[id]; ok {
		delete(c.pending, id)
		pc.timer.Stop()
	}
}

func (c *Conn) send(msg interface{}) error {
	data, err := jsonrpc.EncodeLine(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return err
	}
	c.logger.Debug("sent message", zap.String("data", truncate(data)))
	return nil
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}
		c.handleLine(scanner.Bytes())
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

// handleLine decodes one line from the agent. The happy path is a single
// JSON object per line. Agents under load sometimes concatenate objects or
// truncate frames; those lines go through the brace splitter and one repair
// attempt before anything is dropped.
func (c *Conn) handleLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	c.logger.Debug("received message", zap.String("data", truncate(line)))

	var msg jsonrpc.Message
	if err := json.Unmarshal(line, &msg); err == nil {
		c.dispatch(&msg)
		return
	}

	objects, rest := jsonrpc.SplitObjects(line)
	if len(rest) > 0 {
		objects = append(objects, rest)
	}
	if len(objects) == 0 {
		c.logger.Warn("skipping non-protocol output", zap.String("data", truncate(line)))
		return
	}
	for _, obj := range objects {
		m, err := decodeFrame(obj)
		if err != nil {
			c.logger.Warn("skipping unrecoverable frame",
				zap.String("data", truncate(obj)),
				zap.Error(err))
			continue
		}
		c.dispatch(m)
	}
}

// decodeFrame parses a frame, falling back to a single repair pass for
// truncated or malformed fragments.
func decodeFrame(frame []byte) (*jsonrpc.Message, error) {
	var msg jsonrpc.Message
	if err := json.Unmarshal(frame, &msg); err == nil {
		return &msg, nil
	}

	repaired, err := jsonrepair.JSONRepair(string(frame))
	if err != nil {
		return nil, fmt.Errorf("repair failed: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &msg); err != nil {
		return nil, fmt.Errorf("repaired frame still invalid: %w", err)
	}
	return &msg, nil
}

func (c *Conn) dispatch(msg *jsonrpc.Message) {
	switch msg.Kind() {
	case jsonrpc.KindResponse:
		c.handleResponse(msg)
	case jsonrpc.KindRequest:
		// Host operations can touch the filesystem; answer off the read
		// loop so updates keep flowing.
		go c.handleRequest(msg.Request())
	case jsonrpc.KindNotification:
		c.handleNotification(msg)
	default:
		c.logger.Debug("skipping unclassifiable message", zap.String("data", truncate(msg.Params)))
	}
}

func (c *Conn) handleResponse(msg *jsonrpc.Message) {
	id := *msg.ID

	c.pendingMu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		pc.timer.Stop()
	}
	c.pendingMu.Unlock()

	if !ok {
		// Deadline already rejected the call; the straggler is harmless.
		c.logger.Debug("late response for expired request", zap.Int64("id", id))
		return
	}
	pc.ch <- callResult{resp: msg.Response()}
}

func (c *Conn) handleRequest(req *jsonrpc.Request) {
	var resp *jsonrpc.Response
	if c.responder != nil {
		resp = c.responder.Handle(req)
	} else {
		resp = jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method))
	}
	if err := c.send(resp); err != nil {
		c.logger.Error("failed to answer agent request",
			zap.String("method", req.Method),
			zap.Error(err))
	}
}

func (c *Conn) handleNotification(msg *jsonrpc.Message) {
	if msg.Method != protocol.NotificationSessionUpdate {
		c.logger.Debug("ignoring notification", zap.String("method", msg.Method))
		return
	}

	var n protocol.SessionNotification
	if err := json.Unmarshal(msg.Params, &n); err != nil {
		c.logger.Warn("failed to decode session update", zap.Error(err))
		return
	}

	c.updateMu.RLock()
	handler := c.updateHandler
	c.updateMu.RUnlock()
	if handler != nil {
		handler(&n)
	}
}

func truncate(data []byte) string {
	const max = 256
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}
