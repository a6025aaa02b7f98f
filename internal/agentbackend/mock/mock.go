// Package mock is a deterministic agentbackend.Handle used by tests
// and by local development without a real agent subprocess.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gorp/internal/agentbackend"
)

// Kind is the registry name this package registers itself under.
const Kind = "mock"

// Script lets a test script a handle's response to the next Prompt
// call: either a canned result text, or a scripted error code.
type Script struct {
	ResultText string
	ErrorCode  agentbackend.ErrorCode
}

// Backend is a mock agentbackend.Handle. Next points at the script
// to use for the next Prompt call; if nil, Prompt echoes the input
// text back as the result.
type Backend struct {
	mu        sync.Mutex
	sessions  map[string]bool
	closed    atomic.Bool
	Next      *Script
	PromptLog []string
}

var _ agentbackend.Handle = (*Backend)(nil)

// NewFactory returns an agentbackend.Factory that always returns the
// same *Backend, so tests can script and inspect it.
func NewFactory(b *Backend) agentbackend.Factory {
	return func(ctx context.Context, cfg agentbackend.Config) (agentbackend.Handle, error) {
		return b, nil
	}
}

// New creates a fresh mock backend with no scripted behavior.
func New() *Backend {
	return &Backend{sessions: make(map[string]bool)}
}

func (b *Backend) NewSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	b.mu.Lock()
	b.sessions[id] = true
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) LoadSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.sessions[sessionID] {
		return fmt.Errorf("mock: unknown session %q", sessionID)
	}
	return nil
}

func (b *Backend) Prompt(ctx context.Context, sessionID, text string) (agentbackend.EventReceiver, error) {
	b.mu.Lock()
	b.PromptLog = append(b.PromptLog, text)
	script := b.Next
	b.Next = nil
	b.mu.Unlock()

	ch := make(chan agentbackend.AgentEvent, 4)
	go func() {
		defer close(ch)
		if script != nil && script.ErrorCode != "" {
			ch <- agentbackend.AgentEvent{Kind: agentbackend.EventError, ErrorCode: script.ErrorCode, ErrorMessage: "mock scripted error"}
			return
		}
		result := text
		if script != nil && script.ResultText != "" {
			result = script.ResultText
		}
		ch <- agentbackend.AgentEvent{Kind: agentbackend.EventText, TextChunk: result}
		ch <- agentbackend.AgentEvent{Kind: agentbackend.EventResult, ResultText: result}
	}()
	return ch, nil
}

func (b *Backend) Cancel(ctx context.Context, requestID string) error { return nil }

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *Backend) Closed() bool { return b.closed.Load() }
