// Package ipc implements the JSON-lines request/response protocol that
// spec §4.G defines between the Scheduler and Core processes: one UTF-8
// JSON object per line, requestId correlation, and heartbeat liveness.
package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxMessageBytes is the default per-line size ceiling.
const DefaultMaxMessageBytes = 1 << 20 // 1 MiB

// Handler processes an inbound message that doesn't resolve a pending
// request (i.e. a request the peer initiated, like submit_job arriving
// at Core). Implementations reply via Protocol.Send.
type Handler func(msg InboundMessage)

// Protocol frames a bidirectional JSON-lines stream over r/w. It is
// transport-agnostic: callers wire it to a subprocess's stdin/stdout
// pipes (Supervisor, component H) or to an in-process pipe in tests.
type Protocol struct {
	w               io.Writer
	writeMu         sync.Mutex
	maxMessageBytes int
	logger          *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan OutboundMessage

	handler Handler

	stopOnce sync.Once
	stopped  chan struct{}
}

// Option configures a Protocol at construction time.
type Option func(*Protocol)

// WithMaxMessageBytes overrides DefaultMaxMessageBytes.
func WithMaxMessageBytes(n int) Option {
	return func(p *Protocol) { p.maxMessageBytes = n }
}

// WithHandler installs the callback for unsolicited inbound messages.
func WithHandler(h Handler) Option {
	return func(p *Protocol) { p.handler = h }
}

// WithLogger attaches a logger for parse errors and dropped responses.
func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) { p.logger = l }
}

// NewScheduler creates the Scheduler-side half: it writes
// InboundMessage frames and reads OutboundMessage frames.
func NewScheduler(r io.Reader, w io.Writer, opts ...Option) *Protocol {
	p := newProtocol(w, opts...)
	go p.readOutbound(r)
	return p
}

// NewCore creates the Core-side half: it writes OutboundMessage frames
// and reads InboundMessage frames, dispatching each to the installed
// Handler.
func NewCore(r io.Reader, w io.Writer, opts ...Option) *Protocol {
	p := newProtocol(w, opts...)
	go p.readInbound(r)
	return p
}

func newProtocol(w io.Writer, opts ...Option) *Protocol {
	p := &Protocol{
		w:               w,
		maxMessageBytes: DefaultMaxMessageBytes,
		pending:         make(map[string]chan OutboundMessage),
		stopped:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Protocol) logf(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}

// scanLines is a bufio.SplitFunc identical to bufio.ScanLines except it
// reports BufferOverflowError before bufio would silently return
// ErrTooLong, so callers get the typed error spec §4.G requires.
func (p *Protocol) scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line := data[:i]
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) > p.maxMessageBytes {
			return 0, nil, &BufferOverflowError{MaxMessageBytes: p.maxMessageBytes}
		}
		return i + 1, line, nil
	}
	if len(data) > p.maxMessageBytes {
		return 0, nil, &BufferOverflowError{MaxMessageBytes: p.maxMessageBytes}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func snippet(b []byte) string {
	if len(b) > 200 {
		return string(b[:200])
	}
	return string(b)
}

// readOutbound is the Scheduler-side read loop: every line is an
// OutboundMessage, routed to its pending requestId or dropped with a
// warning if unmatched.
func (p *Protocol) readOutbound(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), p.maxMessageBytes+1)
	scanner.Split(p.scanLines)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg OutboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			p.logf("ipc: discarding unparseable line", "error", err)
			continue
		}
		p.resolve(msg)
	}
	p.rejectAllPending()
}

// readInbound is the Core-side read loop: every line is an
// InboundMessage, dispatched to the installed Handler.
func (p *Protocol) readInbound(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), p.maxMessageBytes+1)
	scanner.Split(p.scanLines)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg InboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			p.logf("ipc: discarding unparseable line", "error", err, "snippet", snippet(line))
			continue
		}
		if p.handler != nil {
			p.handler(msg)
		}
	}
}

func (p *Protocol) resolve(msg OutboundMessage) {
	if msg.RequestID == "" {
		return
	}
	p.pendingMu.Lock()
	ch, ok := p.pending[msg.RequestID]
	if ok {
		delete(p.pending, msg.RequestID)
	}
	p.pendingMu.Unlock()

	if !ok {
		p.logf("ipc: unmatched requestId", "requestId", msg.RequestID, "type", msg.Type)
		return
	}
	ch <- msg
}

func (p *Protocol) rejectAllPending() {
	p.pendingMu.Lock()
	pending := p.pending
	p.pending = make(map[string]chan OutboundMessage)
	p.pendingMu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (p *Protocol) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &SerializeError{Cause: err}
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.w.Write(data)
	return err
}

// Call sends an InboundMessage (Scheduler→Core) and blocks for the
// matching OutboundMessage, a TimeoutError at deadline, or a
// StoppedError if the protocol is stopped first.
func (p *Protocol) Call(ctx context.Context, typ InboundType, payload interface{}, deadline time.Duration) (OutboundMessage, error) {
	req := InboundMessage{RequestID: uuid.NewString(), Type: typ, Payload: payload}

	ch := make(chan OutboundMessage, 1)
	p.pendingMu.Lock()
	p.pending[req.RequestID] = ch
	p.pendingMu.Unlock()

	if err := p.writeLine(req); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, req.RequestID)
		p.pendingMu.Unlock()
		return OutboundMessage{}, err
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return OutboundMessage{}, &StoppedError{RequestID: req.RequestID}
		}
		return resp, nil
	case <-timer.C:
		p.pendingMu.Lock()
		delete(p.pending, req.RequestID)
		p.pendingMu.Unlock()
		return OutboundMessage{}, &TimeoutError{RequestID: req.RequestID}
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, req.RequestID)
		p.pendingMu.Unlock()
		return OutboundMessage{}, ctx.Err()
	case <-p.stopped:
		return OutboundMessage{}, &StoppedError{RequestID: req.RequestID}
	}
}

// Reply sends an OutboundMessage (Core→Scheduler) that answers
// requestId.
func (p *Protocol) Reply(requestID string, typ OutboundType, payload interface{}) error {
	return p.writeLine(OutboundMessage{RequestID: requestID, Type: typ, Payload: payload})
}

// SendHeartbeat sends a heartbeat frame with a freshly minted
// requestId, used by both the Scheduler's liveness probe and Core's
// unsolicited heartbeats.
func (p *Protocol) SendHeartbeat() error {
	return p.writeLine(InboundMessage{RequestID: uuid.NewString(), Type: HeartbeatIn})
}

// Stop halts the protocol, rejecting every pending Call with
// StoppedError.
func (p *Protocol) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.rejectAllPending()
	})
}
