package main

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/taskparse"
	"github.com/atelier-dev/atelier/pkg/acp/jsonrpc"
	"github.com/atelier-dev/atelier/pkg/acp/protocol"
)

func TestParseDelayFromArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want time.Duration
	}{
		{
			name: "no flag returns default",
			args: []string{"mock-agent"},
			want: 50 * time.Millisecond,
		},
		{
			name: "separate flag and value",
			args: []string{"mock-agent", "--delay", "200ms"},
			want: 200 * time.Millisecond,
		},
		{
			name: "equals syntax",
			args: []string{"mock-agent", "--delay=2s"},
			want: 2 * time.Second,
		},
		{
			name: "flag with other args before",
			args: []string{"mock-agent", "--verbose", "--delay", "1s"},
			want: time.Second,
		},
		{
			name: "zero disables pacing",
			args: []string{"mock-agent", "--delay=0s"},
			want: 0,
		},
		{
			name: "dangling flag without value",
			args: []string{"mock-agent", "--delay"},
			want: 50 * time.Millisecond,
		},
		{
			name: "unparseable value falls back",
			args: []string{"mock-agent", "--delay", "soon"},
			want: 50 * time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseDelayFromArgs(tt.args)
			if got != tt.want {
				t.Errorf("parseDelayFromArgs(%v) = %v, want %v", tt.args, got, tt.want)
			}
		})
	}
}

func TestPickScript(t *testing.T) {
	brief := "Wave 1 finished. Review the following tasks against their definition of done.\n\n@@@task\n# X\n@@@\n"

	tests := []struct {
		name   string
		script string
		mode   string
		prompt string
		want   string
	}{
		{"env override wins", ScriptReject, ModeBuild, "anything", ScriptReject},
		{"build mode implements", "", ModeBuild, "work on the task", ScriptImplement},
		{"verification brief approves", "", ModePlan, brief, ScriptApprove},
		{"plan mode plans", "", ModePlan, "add a login form", ScriptPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAgent(tt.script, 0, io.Discard)
			a.modeID = tt.mode
			if got := a.pickScript(tt.prompt); got != tt.want {
				t.Errorf("pickScript() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPlanTextParses(t *testing.T) {
	log, err := logger.New(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatal(err)
	}

	workspaceFiles = nil
	defer func() { workspaceFiles = nil }()

	tasks := taskparse.NewParser(log).Parse(planText(t.TempDir()), "ws-1")
	if len(tasks) != 2 {
		t.Fatalf("parsed %d tasks from the scripted plan, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.Title == "" {
			t.Error("parsed task has no title")
		}
		if len(task.Scope) == 0 {
			t.Errorf("task %q has no scope", task.Title)
		}
		if len(task.DoD) == 0 {
			t.Errorf("task %q has no definition of done", task.Title)
		}
		if len(task.Verification) == 0 {
			t.Errorf("task %q has no verification", task.Title)
		}
	}
}

// request builds an incoming wire message for dispatch. Marshal failures
// panic; the params in these tests always encode.
func request(id int64, method string, params interface{}) *jsonrpc.Message {
	raw, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: &id, Method: method, Params: raw}
}

func TestPromptTurn(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pr.Close() }()
	a := newAgent(ScriptApprove, 0, pw)
	cwd := t.TempDir()

	go func() {
		a.dispatch(request(1, protocol.MethodInitialize, protocol.InitializeParams{
			ProtocolVersion: protocol.ProtocolVersion,
			ClientInfo:      protocol.Implementation{Name: "test-host", Version: "0.0.1"},
		}))
		a.dispatch(request(2, protocol.MethodSessionNew, protocol.NewSessionParams{
			Cwd:        cwd,
			McpServers: []protocol.McpServerSpec{},
		}))
		a.dispatch(request(3, protocol.MethodSessionPrompt, protocol.PromptParams{
			SessionID: sessionID,
			Prompt:    []protocol.ContentBlock{protocol.TextBlock("judge the wave")},
		}))
	}()

	var (
		sawThought bool
		sawMessage bool
		verdict    string
	)
	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		var msg jsonrpc.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("mock emitted an undecodable frame: %v", err)
		}

		if msg.Kind() == jsonrpc.KindNotification {
			var n protocol.SessionNotification
			if err := json.Unmarshal(msg.Params, &n); err != nil {
				t.Fatalf("bad session update: %v", err)
			}
			if n.SessionID != sessionID {
				t.Errorf("update carries session %q, want %q", n.SessionID, sessionID)
			}
			switch n.Update.Kind {
			case protocol.UpdateAgentThoughtChunk:
				sawThought = true
			case protocol.UpdateAgentMessageChunk:
				sawMessage = true
				verdict = n.Update.Content.Text
			}
			continue
		}

		switch *msg.ID {
		case 1:
			var result protocol.InitializeResult
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				t.Fatal(err)
			}
			if result.ProtocolVersion != protocol.ProtocolVersion {
				t.Errorf("protocol version = %d, want %d", result.ProtocolVersion, protocol.ProtocolVersion)
			}
			if result.AgentInfo == nil || result.AgentInfo.Name != "mock-agent" {
				t.Errorf("agent info = %+v, want name mock-agent", result.AgentInfo)
			}
		case 2:
			var result protocol.NewSessionResult
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				t.Fatal(err)
			}
			if result.SessionID != sessionID {
				t.Errorf("session id = %q, want %q", result.SessionID, sessionID)
			}
			if result.Modes == nil || result.Modes.CurrentModeID != ModePlan {
				t.Errorf("modes = %+v, want current mode plan", result.Modes)
			}
		case 3:
			var result protocol.PromptResult
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				t.Fatal(err)
			}
			if result.StopReason != protocol.StopReasonEndTurn {
				t.Errorf("stop reason = %q, want %q", result.StopReason, protocol.StopReasonEndTurn)
			}
			if !sawThought {
				t.Error("no thought chunk arrived before the prompt response")
			}
			if !sawMessage {
				t.Error("no message chunk arrived before the prompt response")
			}
			if !strings.Contains(verdict, "Verification passed") {
				t.Errorf("verdict = %q, want an approval", verdict)
			}
			return
		default:
			t.Fatalf("response for unknown request id %d", *msg.ID)
		}
	}
	t.Fatal("stream ended before the prompt response")
}

func TestPromptCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pr.Close() }()
	a := newAgent(ScriptSlow, 0, pw)

	go func() {
		a.dispatch(request(1, protocol.MethodSessionPrompt, protocol.PromptParams{
			SessionID: sessionID,
			Prompt:    []protocol.ContentBlock{protocol.TextBlock("take forever")},
		}))
		a.dispatch(&jsonrpc.Message{
			JSONRPC: jsonrpc.Version,
			Method:  protocol.MethodSessionCancel,
			Params:  json.RawMessage(`{"sessionId":"` + sessionID + `"}`),
		})
	}()

	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		var msg jsonrpc.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("mock emitted an undecodable frame: %v", err)
		}
		if msg.Kind() != jsonrpc.KindResponse {
			continue
		}
		var result protocol.PromptResult
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			t.Fatal(err)
		}
		if result.StopReason != protocol.StopReasonCancelled {
			t.Errorf("stop reason = %q, want %q", result.StopReason, protocol.StopReasonCancelled)
		}
		return
	}
	t.Fatal("stream ended before the prompt response")
}

func TestGarbledScriptRecoverable(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pr.Close() }()
	a := newAgent(ScriptGarbled, 0, pw)

	go func() {
		a.dispatch(request(1, protocol.MethodSessionPrompt, protocol.PromptParams{
			SessionID: sessionID,
			Prompt:    []protocol.ContentBlock{protocol.TextBlock("break some frames")},
		}))
	}()

	var brokenLines int
	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)

		var msg jsonrpc.Message
		if err := json.Unmarshal(line, &msg); err == nil {
			if msg.Kind() != jsonrpc.KindResponse {
				continue
			}
			var result protocol.PromptResult
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				t.Fatal(err)
			}
			if result.StopReason != protocol.StopReasonEndTurn {
				t.Errorf("stop reason = %q, want %q", result.StopReason, protocol.StopReasonEndTurn)
			}
			if brokenLines != 2 {
				t.Errorf("saw %d broken lines, want 2 (glued and truncated)", brokenLines)
			}
			return
		}
		brokenLines++

		// Every broken line must yield at least one object for the reader's
		// recovery path to work on.
		objects, rest := jsonrpc.SplitObjects(line)
		if len(rest) > 0 {
			objects = append(objects, rest)
		}
		if len(objects) == 0 {
			t.Errorf("broken line yields no recoverable objects: %q", line)
		}
	}
	t.Fatal("stream ended before the prompt response")
}

func TestReadFileSnippet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	content := "line1\nline2\nline3\nline4\nline5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Run("reads up to maxLines", func(t *testing.T) {
		result := readFileSnippet(path, 3)
		expected := "line1\nline2\nline3\n"
		if result != expected {
			t.Errorf("readFileSnippet(%q, 3) = %q, want %q", path, result, expected)
		}
	})

	t.Run("reads all lines when maxLines exceeds file", func(t *testing.T) {
		result := readFileSnippet(path, 100)
		expected := "line1\nline2\nline3\nline4\nline5\n"
		if result != expected {
			t.Errorf("readFileSnippet(%q, 100) = %q, want %q", path, result, expected)
		}
	})

	t.Run("returns fallback for missing file", func(t *testing.T) {
		result := readFileSnippet("/nonexistent/file.txt", 10)
		if result != "// (file not readable)\n" {
			t.Errorf("readFileSnippet(missing) = %q, want fallback", result)
		}
	})
}

func TestPickEditableFragment(t *testing.T) {
	dir := t.TempDir()

	t.Run("returns fallback for missing file", func(t *testing.T) {
		old, new_ := pickEditableFragment("/nonexistent/file.go")
		if old != "hello" || new_ != "hello_mock" {
			t.Errorf("pickEditableFragment(missing) = (%q, %q), want (\"hello\", \"hello_mock\")", old, new_)
		}
	})

	t.Run("returns fallback for file with only short lines", func(t *testing.T) {
		path := filepath.Join(dir, "short.txt")
		if err := os.WriteFile(path, []byte("a\nb\nc\n"), 0644); err != nil {
			t.Fatal(err)
		}
		old, new_ := pickEditableFragment(path)
		if old != "original" || new_ != "modified" {
			t.Errorf("pickEditableFragment(short) = (%q, %q), want (\"original\", \"modified\")", old, new_)
		}
	})

	t.Run("produces different old and new strings", func(t *testing.T) {
		path := filepath.Join(dir, "code.go")
		content := "package main\n\nfunc main() {\n\tfmt.Println(\"hello world\")\n}\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		old, new_ := pickEditableFragment(path)
		if old == new_ {
			t.Errorf("pickEditableFragment should produce different old and new, got %q", old)
		}
		if old == "" {
			t.Error("old string should not be empty")
		}
	})
}

func TestDiscoverFiles(t *testing.T) {
	workspaceFiles = nil
	defer func() { workspaceFiles = nil }()

	dir := t.TempDir()
	for _, f := range []struct{ name, content string }{
		{"main.go", "package main"},
		{"util.ts", "export {}"},
		{"image.png", "fake png"}, // skipped, not a text extension
	} {
		if err := os.WriteFile(filepath.Join(dir, f.name), []byte(f.content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "node_modules"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node_modules", "lib.js"), []byte("//"), 0644); err != nil {
		t.Fatal(err)
	}

	files := discoverFiles(dir)

	foundGo, foundTs, foundPng, foundNodeModules := false, false, false, false
	for _, f := range files {
		switch filepath.Base(f.absPath) {
		case "main.go":
			foundGo = true
		case "util.ts":
			foundTs = true
		case "image.png":
			foundPng = true
		case "lib.js":
			foundNodeModules = true
		}
	}

	if !foundGo {
		t.Error("expected to find main.go")
	}
	if !foundTs {
		t.Error("expected to find util.ts")
	}
	if foundPng {
		t.Error("should not find image.png (not a text extension)")
	}
	if foundNodeModules {
		t.Error("should not find files in node_modules")
	}
}
