// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and obtain the Conn created for each
// call. Use Conn to inject remote events and to inspect the audio the code
// under test transmitted.
//
// Example:
//
//	p := &mock.Provider{AutoOpen: true}
//	conn, _ := p.Connect(ctx, cfg, handler)
//	p.LastConn().Emit(s2s.Event{Kind: s2s.EventMessage, Message: &s2s.ServerMessage{Audio: b64}})
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider = (*Provider)(nil)
	_ s2s.Conn     = (*Conn)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// AutoOpen makes every new Conn deliver EventOpen right after Connect
	// returns, as a remote completing its handshake would.
	AutoOpen bool

	// AfterOpen is delivered right behind the automatic EventOpen on the same
	// goroutine, as a remote that starts talking immediately would.
	AfterOpen []s2s.Event

	// SendError, if non-nil, is copied into every new Conn.
	SendError error

	// SendGate, if non-nil, is copied into every new Conn.
	SendGate chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	conns []*Conn
}

// Connect records the call and returns a new Conn bound to handler.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, handler s2s.Handler) (s2s.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if handler == nil {
		handler = func(s2s.Event) {}
	}
	c := &Conn{handler: handler, SendError: p.SendError, SendGate: p.SendGate}
	p.conns = append(p.conns, c)
	if p.AutoOpen {
		greeting := p.AfterOpen
		go func() {
			c.Emit(s2s.Event{Kind: s2s.EventOpen})
			for _, e := range greeting {
				c.Emit(e)
			}
		}()
	}
	return c, nil
}

// ConnectCount returns how many times Connect was called.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastConn returns the most recently created Conn, or nil.
func (p *Provider) LastConn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.conns = nil
}

// Conn is a mock implementation of s2s.Conn.
type Conn struct {
	// emitMu serialises event delivery the way a single receive goroutine would.
	emitMu   sync.Mutex
	handler  s2s.Handler
	finished bool

	mu sync.Mutex

	// SendError, if non-nil, is wrapped in a TransmitError and returned by
	// SendAudio. The chunk is not recorded.
	SendError error

	// SendGate, if non-nil, makes SendAudio block until a value is received
	// from it or the context is cancelled.
	SendGate chan struct{}

	sent       []audio.EncodedChunk
	sendCalls  int
	closeCount int
}

// Emit delivers e to the handler synchronously. Events emitted after the
// EventClose has been delivered are discarded. It reports whether e was
// delivered.
func (c *Conn) Emit(e s2s.Event) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.finished {
		return false
	}
	if e.Kind == s2s.EventClose {
		c.finished = true
	}
	c.handler(e)
	return true
}

// SendAudio implements s2s.Conn.
func (c *Conn) SendAudio(ctx context.Context, chunk audio.EncodedChunk) error {
	c.mu.Lock()
	gate := c.SendGate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			c.mu.Lock()
			c.sendCalls++
			c.mu.Unlock()
			return &s2s.TransmitError{Err: ctx.Err()}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCalls++
	if c.closeCount > 0 {
		return &s2s.TransmitError{Err: errors.New("mock: connection closed")}
	}
	if c.SendError != nil {
		return &s2s.TransmitError{Err: c.SendError}
	}
	c.sent = append(c.sent, chunk)
	return nil
}

// Close implements s2s.Conn. The first call delivers a clean EventClose from
// a separate goroutine, as the real receive loop would.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCount++
	first := c.closeCount == 1
	c.mu.Unlock()
	if first {
		go c.Emit(s2s.Event{Kind: s2s.EventClose})
	}
	return nil
}

// SetSendError replaces SendError under the mock's lock.
func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendError = err
}

// Sent returns a copy of every successfully transmitted chunk in order.
func (c *Conn) Sent() []audio.EncodedChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.EncodedChunk, len(c.sent))
	copy(out, c.sent)
	return out
}

// SendCalls returns how many SendAudio calls have completed, including
// failures. A call blocked on SendGate is not counted yet.
func (c *Conn) SendCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCalls
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// WaitSendCalls polls until SendAudio has been called at least n times or the
// timeout elapses. It reports whether the count was reached.
func (c *Conn) WaitSendCalls(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.SendCalls() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
