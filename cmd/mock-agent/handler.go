package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atelier-dev/atelier/pkg/acp/jsonrpc"
	"github.com/atelier-dev/atelier/pkg/acp/protocol"
)

// hostCallTimeout bounds how long a script waits for the host to answer a
// permission or file request before carrying on without it.
const hostCallTimeout = 5 * time.Second

// agent holds the protocol state for this process: the open session, its
// operating mode and the in-flight prompt if any. Prompts run off the read
// loop so a session/cancel notification still lands mid-turn.
type agent struct {
	script string
	delay  time.Duration
	out    *frameWriter

	mu        sync.Mutex
	cwd       string
	modeID    string
	cancel    context.CancelFunc
	prompting bool

	callID  atomic.Int64
	pendMu  sync.Mutex
	pending map[int64]chan *jsonrpc.Message
}

func newAgent(script string, delay time.Duration, w io.Writer) *agent {
	return &agent{
		script:  script,
		delay:   delay,
		out:     &frameWriter{w: w},
		modeID:  ModePlan,
		pending: make(map[int64]chan *jsonrpc.Message),
	}
}

// dispatch routes one decoded stdin message.
func (a *agent) dispatch(msg *jsonrpc.Message) {
	switch msg.Kind() {
	case jsonrpc.KindRequest:
		a.handleRequest(msg.Request())
	case jsonrpc.KindResponse:
		a.handleResponse(msg)
	case jsonrpc.KindNotification:
		a.handleNotification(msg)
	}
}

func (a *agent) handleRequest(req *jsonrpc.Request) {
	switch req.Method {
	case protocol.MethodInitialize:
		a.reply(req.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.ProtocolVersion,
			AgentInfo:       &protocol.Implementation{Name: "mock-agent", Version: "0.3.0"},
		})

	case protocol.MethodSessionNew:
		var params protocol.NewSessionParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			a.fail(req.ID, jsonrpc.CodeInvalidParams, err.Error())
			return
		}
		a.mu.Lock()
		a.cwd = params.Cwd
		a.mu.Unlock()
		a.reply(req.ID, protocol.NewSessionResult{
			SessionID: sessionID,
			Modes: &protocol.SessionModeState{
				CurrentModeID: ModePlan,
				AvailableModes: []protocol.SessionMode{
					{ID: ModePlan, Name: "Plan"},
					{ID: ModeBuild, Name: "Build"},
				},
			},
		})

	case protocol.MethodSessionSetMode:
		var params protocol.SetModeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			a.fail(req.ID, jsonrpc.CodeInvalidParams, err.Error())
			return
		}
		a.mu.Lock()
		a.modeID = params.ModeID
		a.mu.Unlock()
		a.reply(req.ID, protocol.SetModeResult{})

	case protocol.MethodSessionPrompt:
		a.handlePrompt(req)

	default:
		a.fail(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// handlePrompt starts the scripted turn. The response is sent when the
// script finishes, carrying the stop reason it ended with.
func (a *agent) handlePrompt(req *jsonrpc.Request) {
	var params protocol.PromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		a.fail(req.ID, jsonrpc.CodeInvalidParams, err.Error())
		return
	}

	a.mu.Lock()
	if a.prompting {
		a.mu.Unlock()
		a.fail(req.ID, jsonrpc.CodeInvalidRequest, "a prompt is already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.prompting = true
	a.cancel = cancel
	a.mu.Unlock()

	go func() {
		defer cancel()
		stop := a.runScript(ctx, promptText(params.Prompt))

		a.mu.Lock()
		a.prompting = false
		a.cancel = nil
		a.mu.Unlock()

		a.reply(req.ID, protocol.PromptResult{StopReason: stop})
	}()
}

func (a *agent) handleNotification(msg *jsonrpc.Message) {
	if msg.Method != protocol.MethodSessionCancel {
		return
	}
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleResponse delivers a host answer to the script waiting on it.
func (a *agent) handleResponse(msg *jsonrpc.Message) {
	a.pendMu.Lock()
	ch, ok := a.pending[*msg.ID]
	if ok {
		delete(a.pending, *msg.ID)
	}
	a.pendMu.Unlock()
	if ok {
		ch <- msg
	}
}

// callHost issues a request to the host and waits for its response. Scripts
// treat failures as advisory; the turn continues either way.
func (a *agent) callHost(ctx context.Context, method string, params, result interface{}) error {
	id := a.callID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *jsonrpc.Message, 1)
	a.pendMu.Lock()
	a.pending[id] = ch
	a.pendMu.Unlock()
	defer func() {
		a.pendMu.Lock()
		delete(a.pending, id)
		a.pendMu.Unlock()
	}()

	if err := a.out.writeFrame(req); err != nil {
		return err
	}

	select {
	case msg := <-ch:
		resp := msg.Response()
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-time.After(hostCallTimeout):
		return fmt.Errorf("%s: no response from host", method)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *agent) reply(id *int64, result interface{}) {
	resp, err := jsonrpc.NewResult(id, result)
	if err != nil {
		resp = jsonrpc.NewError(id, jsonrpc.CodeInternalError, "failed to encode result")
	}
	_ = a.out.writeFrame(resp)
}

func (a *agent) fail(id *int64, code int, message string) {
	_ = a.out.writeFrame(jsonrpc.NewError(id, code, message))
}

// update emits one session/update notification.
func (a *agent) update(u protocol.SessionUpdate) {
	notif, err := jsonrpc.NewNotification(protocol.NotificationSessionUpdate, protocol.SessionNotification{
		SessionID: sessionID,
		Update:    u,
	})
	if err != nil {
		return
	}
	_ = a.out.writeFrame(notif)
}

// updateFrame marshals a session/update notification without the line
// terminator. The garbled script assembles its broken lines from these.
func (a *agent) updateFrame(u protocol.SessionUpdate) []byte {
	notif, err := jsonrpc.NewNotification(protocol.NotificationSessionUpdate, protocol.SessionNotification{
		SessionID: sessionID,
		Update:    u,
	})
	if err != nil {
		return nil
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return nil
	}
	return data
}

// workspaceRoot returns the cwd announced at session/new.
func (a *agent) workspaceRoot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cwd
}

// promptText flattens the text blocks of a prompt into one string.
func promptText(blocks []protocol.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == protocol.ContentTypeText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// frameWriter serializes frame writes. The prompt script runs off the read
// goroutine, so responses and updates interleave on stdout.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *frameWriter) writeFrame(msg interface{}) error {
	data, err := jsonrpc.EncodeLine(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(data)
	return err
}

// writeRaw puts pre-built bytes on the wire untouched. The garbled script
// uses it to emit deliberately broken framing.
func (w *frameWriter) writeRaw(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(data)
	return err
}
