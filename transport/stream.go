// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/clock"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/codec"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
)

// ErrClosed is returned by send operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// MatchError reports a failed match registration, delivered through
// StreamConfig.OnMatchError because RegisterMatch itself is
// fire-and-forget.
type MatchError struct {
	// Rule is the canonical rule key the registration carried.
	Rule string
	// Name is the protocol error name from the bus.
	Name string
	// Text is the human-readable error text.
	Text string
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("transport: match rule %q: %s: %s", e.Rule, e.Name, e.Text)
}

// defaultMaxMessageSize bounds a single inbound message. Bodies are
// structured values, not bulk payloads; 4 MB is far above anything a
// well-behaved peer sends.
const defaultMaxMessageSize = 4 * 1024 * 1024

// matchCallTimeout bounds the internal AddMatch/RemoveMatch calls so a
// stalled bus daemon cannot leak pending entries forever.
const matchCallTimeout = 25 * time.Second

// StreamConfig configures a Stream transport.
type StreamConfig struct {
	// Conn carries the CBOR message stream. Required. A Unix domain
	// socket in practice, but any net.Conn works.
	Conn net.Conn

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Clock drives reply deadlines. If nil, the real clock is used.
	Clock clock.Clock

	// OnMatchError receives failures of fire-and-forget match
	// registrations, as *MatchError values. If nil, failures are
	// logged and ignored.
	OnMatchError func(err error)

	// MaxMessageSize bounds one inbound message's encoded size.
	// Zero means the default (4 MB).
	MaxMessageSize int
}

// Stream is a Transport over a net.Conn. Messages are CBOR envelopes;
// CBOR is self-delimiting so the stream needs no framing protocol.
//
// Outbound writes are serialized by a write mutex. Inbound messages
// are decoded and delivered by a single read-loop goroutine, which
// starts at the first SetHandler call.
type Stream struct {
	conn           net.Conn
	logger         *slog.Logger
	clk            clock.Clock
	onMatchError   func(err error)
	maxMessageSize int

	serial atomic.Uint64

	writeMu sync.Mutex
	encoder *codec.Encoder

	mu          sync.Mutex
	handler     Handler
	open        bool
	loopStarted bool
	pending     map[uint64]*streamPending

	// matchQueue holds queued AddMatch/RemoveMatch control calls.
	// They are issued one at a time in submission order, so an add
	// and a later remove of the same rule cannot overtake each other
	// on the way to the daemon.
	matchMu    sync.Mutex
	matchQueue []matchRequest
	matchBusy  bool

	paths *pathTable

	readDone chan struct{}
}

// matchRequest is one queued match control call.
type matchRequest struct {
	member ref.MemberName
	key    string
}

// streamPending pairs an outstanding request with its deadline timer.
type streamPending struct {
	p     *Pending
	timer *clock.Timer
}

// Compile-time interface check.
var _ Transport = (*Stream)(nil)

// NewStream creates a Stream over config.Conn. Inbound delivery does
// not begin until SetHandler is called.
func NewStream(config StreamConfig) (*Stream, error) {
	if config.Conn == nil {
		return nil, fmt.Errorf("transport: StreamConfig.Conn is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	maxSize := config.MaxMessageSize
	if maxSize == 0 {
		maxSize = defaultMaxMessageSize
	}
	s := &Stream{
		conn:           config.Conn,
		logger:         logger,
		clk:            clk,
		onMatchError:   config.OnMatchError,
		maxMessageSize: maxSize,
		encoder:        codec.NewEncoder(config.Conn),
		open:           true,
		pending:        make(map[uint64]*streamPending),
		paths:          newPathTable(),
		readDone:       make(chan struct{}),
	}
	return s, nil
}

// SetHandler installs the inbound delivery callback and starts the
// read loop on first call.
func (s *Stream) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	start := !s.loopStarted && s.open
	if start {
		s.loopStarted = true
	}
	s.mu.Unlock()
	if start {
		go s.readLoop()
	}
}

// IsOpen reports whether the transport can still send.
func (s *Stream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Send transmits a one-way message, assigning its serial if zero.
func (s *Stream) Send(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Serial == 0 {
		m.Serial = s.serial.Add(1)
	}
	return s.write(m)
}

// SendWithReply transmits a call and registers a Pending for its
// reply. A timeout of zero means no deadline.
func (s *Stream) SendWithReply(m *Message, timeout time.Duration) (*Pending, error) {
	if m.Kind != KindCall {
		return nil, fmt.Errorf("transport: SendWithReply requires a call message, got %s", m.Kind)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.NoReply {
		return nil, fmt.Errorf("transport: SendWithReply on a NoReply call")
	}
	if m.Serial == 0 {
		m.Serial = s.serial.Add(1)
	}

	p := newPending(m.Serial)
	entry := &streamPending{p: p}

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending[m.Serial] = entry
	if timeout > 0 {
		entry.timer = s.clk.AfterFunc(timeout, func() {
			s.completeLocal(p.Serial(), ErrorTimedOut, "no reply within the requested timeout")
		})
	}
	s.mu.Unlock()

	if err := s.write(m); err != nil {
		s.mu.Lock()
		s.removeLocked(m.Serial)
		s.mu.Unlock()
		return nil, err
	}
	return p, nil
}

// Cancel completes p with ErrorCancelled if it is still outstanding.
func (s *Stream) Cancel(p *Pending) {
	s.completeLocal(p.Serial(), ErrorCancelled, "request cancelled by caller")
}

// RegisterMatch asks the bus daemon to route messages matching key to
// this connection. The AddMatch call happens asynchronously, after
// every previously queued control call; failures reach OnMatchError.
func (s *Stream) RegisterMatch(key string) {
	s.enqueueMatch(MemberAddMatch, key)
}

// UnregisterMatch retracts a rule key, asynchronously like
// RegisterMatch and ordered after it.
func (s *Stream) UnregisterMatch(key string) {
	s.enqueueMatch(MemberRemoveMatch, key)
}

// enqueueMatch appends a control call and starts the worker if none is
// draining the queue.
func (s *Stream) enqueueMatch(member ref.MemberName, key string) {
	s.matchMu.Lock()
	s.matchQueue = append(s.matchQueue, matchRequest{member: member, key: key})
	start := !s.matchBusy
	if start {
		s.matchBusy = true
	}
	s.matchMu.Unlock()
	if start {
		go s.matchWorker()
	}
}

// matchWorker drains the control-call queue, waiting out each call's
// reply before issuing the next.
func (s *Stream) matchWorker() {
	for {
		s.matchMu.Lock()
		if len(s.matchQueue) == 0 {
			s.matchBusy = false
			s.matchMu.Unlock()
			return
		}
		request := s.matchQueue[0]
		s.matchQueue = s.matchQueue[1:]
		s.matchMu.Unlock()
		s.matchCall(request.member, request.key)
	}
}

// ClaimPath records a local path claim.
func (s *Stream) ClaimPath(path ref.ObjectPath) bool {
	return s.paths.claim(path)
}

// ReleasePath retracts a path claim.
func (s *Stream) ReleasePath(path ref.ObjectPath) {
	s.paths.release(path)
}

// ChildPaths returns the immediate child segments of claimed paths
// below path.
func (s *Stream) ChildPaths(path ref.ObjectPath) []string {
	return s.paths.children(path)
}

// Close tears down the transport: the connection is closed, the read
// loop drains, outstanding requests complete with ErrorDisconnected,
// and the handler receives one final local Disconnected message.
// Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if !s.open {
		loopStarted := s.loopStarted
		s.mu.Unlock()
		if loopStarted {
			<-s.readDone
		}
		return nil
	}
	s.open = false
	loopStarted := s.loopStarted
	s.mu.Unlock()

	err := s.conn.Close()
	if loopStarted {
		// The read loop notices the closed conn and runs teardown,
		// keeping handler delivery on a single goroutine.
		<-s.readDone
	} else {
		s.teardown()
	}
	if err != nil {
		return fmt.Errorf("transport: closing stream conn: %w", err)
	}
	return nil
}

// write encodes m under the write mutex.
func (s *Stream) write(m *Message) error {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.encoder.Encode(m); err != nil {
		// A write can hit the dying conn before the read loop has
		// noticed the disconnect and flipped s.open. That is the same
		// "not connected" condition as a send after teardown, not a
		// send failure the caller should escalate.
		if isDisconnect(err) {
			return ErrClosed
		}
		return fmt.Errorf("transport: writing %s message: %w", m.Kind, err)
	}
	return nil
}

// isDisconnect reports whether a conn write error means the connection
// is gone, as opposed to the message being unencodable.
func isDisconnect(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// readLoop decodes inbound messages until the conn fails, then runs
// teardown. All handler invocations happen here, one at a time.
func (s *Stream) readLoop() {
	defer close(s.readDone)
	defer s.teardown()

	decoder := codec.NewDecoder(s.conn)
	for {
		// Decode the raw envelope first so oversized messages are
		// rejected on size alone, before field decoding.
		var raw codec.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			s.mu.Lock()
			open := s.open
			s.mu.Unlock()
			if open {
				s.logger.Debug("stream transport read failed", "error", err)
			}
			return
		}
		if len(raw) > s.maxMessageSize {
			s.logger.Error("inbound message exceeds size limit",
				"size", len(raw),
				"limit", s.maxMessageSize,
			)
			return
		}

		var m Message
		if err := codec.Unmarshal(raw, &m); err != nil {
			// A peer speaking valid CBOR but not our envelope is a
			// protocol violation; drop the message, keep the stream.
			s.logger.Error("dropping undecodable message", "error", err)
			continue
		}
		s.dispatch(&m)
	}
}

// dispatch completes any matching pending request, then hands the
// message to the handler. Both happen for replies: the connection
// core observes reply traffic too (a match rule can select it).
func (s *Stream) dispatch(m *Message) {
	if m.ReplySerial != 0 && (m.Kind == KindReply || m.Kind == KindError) {
		s.mu.Lock()
		entry := s.removeLocked(m.ReplySerial)
		s.mu.Unlock()
		if entry != nil {
			entry.p.complete(m)
		}
	}

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(m)
	}
}

// completeLocal finishes an outstanding request with a synthesized
// error, if it is still outstanding.
func (s *Stream) completeLocal(serial uint64, name, text string) {
	s.mu.Lock()
	entry := s.removeLocked(serial)
	s.mu.Unlock()
	if entry != nil {
		entry.p.complete(localError(serial, name, text))
	}
}

// removeLocked detaches a pending entry and stops its timer. Caller
// holds s.mu.
func (s *Stream) removeLocked(serial uint64) *streamPending {
	entry, ok := s.pending[serial]
	if !ok {
		return nil
	}
	delete(s.pending, serial)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry
}

// teardown completes all outstanding requests with ErrorDisconnected
// and delivers the final local Disconnected message.
func (s *Stream) teardown() {
	s.mu.Lock()
	s.open = false
	outstanding := make([]*streamPending, 0, len(s.pending))
	for serial := range s.pending {
		outstanding = append(outstanding, s.removeLocked(serial))
	}
	handler := s.handler
	s.mu.Unlock()

	for _, entry := range outstanding {
		entry.p.complete(localError(entry.p.Serial(), ErrorDisconnected, "connection closed"))
	}
	if handler != nil {
		handler(localDisconnected())
	}
}

// matchCall performs one AddMatch or RemoveMatch control call and
// reports failures.
func (s *Stream) matchCall(member ref.MemberName, key string) {
	call, err := NewCall(DaemonName, DaemonPath, DaemonInterface, member, key)
	if err != nil {
		s.reportMatchError(&MatchError{Rule: key, Name: ErrorCancelled, Text: err.Error()})
		return
	}
	p, err := s.SendWithReply(call, matchCallTimeout)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			// Teardown raced the registration. The bus drops our
			// rules with the connection, nothing to report.
			return
		}
		s.reportMatchError(&MatchError{Rule: key, Name: ErrorDisconnected, Text: err.Error()})
		return
	}
	reply := <-p.C()
	if reply.Kind == KindError && reply.ErrorName != ErrorDisconnected {
		s.reportMatchError(&MatchError{
			Rule: key,
			Name: reply.ErrorName,
			Text: reply.ErrorText(),
		})
	}
}

func (s *Stream) reportMatchError(matchErr *MatchError) {
	if s.onMatchError != nil {
		s.onMatchError(matchErr)
		return
	}
	s.logger.Error("match registration failed",
		"rule", matchErr.Rule,
		"error_name", matchErr.Name,
		"error", matchErr.Text,
	)
}
