// Package main implements a mock agent binary that speaks the line-delimited
// JSON-RPC agent protocol over stdin/stdout. It plays back scripted planning,
// implementation and verification turns for demos and integration tests of
// the supervisor stack, without ever touching the workspace.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/atelier-dev/atelier/pkg/acp/jsonrpc"
)

// sessionID is a unique identifier for this mock-agent process instance.
// The supervisor spawns one process per agent, so using PID ensures
// uniqueness across parallel agents.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	a := newAgent(os.Getenv("MOCK_AGENT_SCRIPT"), parseDelayFromArgs(os.Args), os.Stdout)

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg jsonrpc.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		a.dispatch(&msg)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// parseDelayFromArgs extracts the --delay value from the given args slice.
// The delay paces chunk emission during a prompt turn.
func parseDelayFromArgs(args []string) time.Duration {
	const fallback = 50 * time.Millisecond
	for i, arg := range args[1:] {
		if arg == "--delay" && i+1 < len(args)-1 {
			if d, err := time.ParseDuration(args[i+2]); err == nil && d >= 0 {
				return d
			}
			return fallback
		}
		if strings.HasPrefix(arg, "--delay=") {
			if d, err := time.ParseDuration(strings.TrimPrefix(arg, "--delay=")); err == nil && d >= 0 {
				return d
			}
			return fallback
		}
	}
	return fallback
}
