// Package subprocess is an agentbackend.Handle that drives a
// configured agent binary as a long-lived child process, exchanging
// newline-delimited JSON messages over its stdin/stdout — the same
// shape as the reference implementation's ACP subprocess protocol.
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/nextlevelbuilder/gorp/internal/agentbackend"
)

// Kind is the registry name this package registers itself under.
const Kind = "subprocess"

type wireRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type wireEvent struct {
	Type         string  `json:"type"`
	SessionID    string  `json:"session_id,omitempty"`
	Name         string  `json:"name,omitempty"`
	Input        string  `json:"input,omitempty"`
	Text         string  `json:"text,omitempty"`
	Code         string  `json:"code,omitempty"`
	Message      string  `json:"message,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	NewSessionID string  `json:"new_session_id,omitempty"`
	Kind         string  `json:"kind,omitempty"`
	Payload      string  `json:"payload,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	OK           bool    `json:"ok"`
	Error        string  `json:"error,omitempty"`
}

// Backend drives one agent subprocess for the lifetime of a single
// warm session handle.
type Backend struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	mu sync.Mutex // serializes request/response round-trips on the control channel
}

// New starts binary in workingDir, passing each extra entry as a
// --key=value argument, and returns a Backend driving that process.
func New(ctx context.Context, binary, workingDir string, extra map[string]string) (*Backend, error) {
	if binary == "" {
		return nil, fmt.Errorf("subprocess: no agent binary configured")
	}
	args := make([]string, 0, len(extra))
	for k, v := range extra {
		args = append(args, fmt.Sprintf("--%s=%s", k, v))
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = workingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("subprocess: start %s: %w", binary, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &Backend{cmd: cmd, stdin: stdin, stdout: scanner}, nil
}

var _ agentbackend.Handle = (*Backend)(nil)

// Factory is the agentbackend.Factory for Kind: it spawns a fresh
// subprocess per session using cfg.Binary/cfg.WorkingDir/cfg.Extra.
func Factory(ctx context.Context, cfg agentbackend.Config) (agentbackend.Handle, error) {
	return New(ctx, cfg.Binary, cfg.WorkingDir, cfg.Extra)
}

func (b *Backend) writeRequest(req wireRequest) error {
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = b.stdin.Write(line)
	return err
}

// readOne reads and decodes exactly one control-channel response
// line, used for NewSession/LoadSession which are one-shot
// request/response exchanges rather than streams.
func (b *Backend) readOne() (wireEvent, error) {
	if !b.stdout.Scan() {
		if err := b.stdout.Err(); err != nil {
			return wireEvent{}, err
		}
		return wireEvent{}, io.EOF
	}
	var ev wireEvent
	if err := json.Unmarshal(b.stdout.Bytes(), &ev); err != nil {
		return wireEvent{}, fmt.Errorf("subprocess: decode response: %w", err)
	}
	return ev, nil
}

func (b *Backend) NewSession(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writeRequest(wireRequest{Type: "new_session"}); err != nil {
		return "", err
	}
	ev, err := b.readOne()
	if err != nil {
		return "", err
	}
	if !ev.OK {
		return "", fmt.Errorf("subprocess: new_session failed: %s", ev.Error)
	}
	return ev.SessionID, nil
}

func (b *Backend) LoadSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writeRequest(wireRequest{Type: "load_session", SessionID: sessionID}); err != nil {
		return err
	}
	ev, err := b.readOne()
	if err != nil {
		return err
	}
	if !ev.OK {
		return fmt.Errorf("subprocess: load_session failed: %s", ev.Error)
	}
	return nil
}

// Prompt writes a prompt request and streams decoded events off
// stdout until a terminal event (result/error) or EOF. The scan loop
// runs on its own goroutine so the caller's receiver is lazy, per the
// Agent Backend contract.
func (b *Backend) Prompt(ctx context.Context, sessionID, text string) (agentbackend.EventReceiver, error) {
	b.mu.Lock()
	if err := b.writeRequest(wireRequest{Type: "prompt", SessionID: sessionID, Text: text}); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	out := make(chan agentbackend.AgentEvent, 16)
	go func() {
		defer b.mu.Unlock()
		defer close(out)
		for b.stdout.Scan() {
			var ev wireEvent
			if err := json.Unmarshal(b.stdout.Bytes(), &ev); err != nil {
				out <- errorEvent("decode_error", err.Error())
				return
			}
			if translate(ev, out) {
				return
			}
		}
		if err := b.stdout.Err(); err != nil {
			out <- errorEvent("stream_error", err.Error())
			return
		}
		out <- errorEvent("Unknown", "agent process closed stdout before a result")
	}()
	return out, nil
}

// translate decodes one wire event into an AgentEvent and sends it,
// reporting whether the stream has reached its terminal event.
func translate(ev wireEvent, out chan<- agentbackend.AgentEvent) (terminal bool) {
	switch ev.Type {
	case "tool_start":
		out <- agentbackend.AgentEvent{Kind: agentbackend.EventToolStart, ToolName: ev.Name, ToolInput: ev.Input}
	case "tool_end":
		out <- agentbackend.AgentEvent{Kind: agentbackend.EventToolEnd, ToolName: ev.Name}
	case "tool_progress":
		out <- agentbackend.AgentEvent{Kind: agentbackend.EventToolProgress, ToolName: ev.Name}
	case "text":
		out <- agentbackend.AgentEvent{Kind: agentbackend.EventText, TextChunk: ev.Text}
	case "result":
		out <- agentbackend.AgentEvent{
			Kind:       agentbackend.EventResult,
			ResultText: ev.Text,
			ResultUsage: agentbackend.Usage{
				InputTokens:  ev.InputTokens,
				OutputTokens: ev.OutputTokens,
				CostUSD:      ev.CostUSD,
			},
		}
		return true
	case "error":
		out <- agentbackend.AgentEvent{Kind: agentbackend.EventError, ErrorCode: agentbackend.ErrorCode(ev.Code), ErrorMessage: ev.Message}
		return true
	case "session_invalid":
		out <- agentbackend.AgentEvent{Kind: agentbackend.EventSessionInvalid, ErrorMessage: ev.Reason}
		return true
	case "session_changed":
		out <- agentbackend.AgentEvent{Kind: agentbackend.EventSessionChanged, NewSessionID: ev.NewSessionID}
	case "custom":
		out <- agentbackend.AgentEvent{Kind: agentbackend.EventCustom, CustomKind: ev.Kind, CustomPayload: ev.Payload}
	default:
		slog.Warn("subprocess: unrecognized event type", "type", ev.Type)
	}
	return false
}

func errorEvent(code, message string) agentbackend.AgentEvent {
	return agentbackend.AgentEvent{Kind: agentbackend.EventError, ErrorCode: agentbackend.ErrorCode(code), ErrorMessage: message}
}

func (b *Backend) Cancel(ctx context.Context, requestID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeRequest(wireRequest{Type: "cancel", RequestID: requestID})
}

func (b *Backend) Close() error {
	if b.stdin != nil {
		_ = b.stdin.Close()
	}
	if b.cmd != nil && b.cmd.Process != nil {
		if err := b.cmd.Wait(); err != nil {
			slog.Debug("subprocess exited", "error", err)
		}
	}
	return nil
}
