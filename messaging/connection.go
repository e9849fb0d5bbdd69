// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/clock"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/transport"
)

// Config configures a Conn.
type Config struct {
	// Transport carries the messages. Required.
	Transport transport.Transport

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Clock is used for call deadlines. If nil, the real clock is
	// used.
	Clock clock.Clock

	// CallTimeout bounds calls whose context has no deadline. Zero
	// means 25 seconds.
	CallTimeout time.Duration

	// SkipHello suppresses the daemon introduction at setup, for
	// peer-to-peer links with no bus daemon. The connection then has
	// no unique name and serves every call addressed to it.
	SkipHello bool

	// OnSendFatal replaces the default handling of unrecoverable
	// send failures (which logs and aborts the process). A bus that
	// cannot accept our traffic is deliberately treated as fatal
	// rather than silently dropping protocol messages; tests override
	// this hook.
	OnSendFatal func(err error)
}

// Conn is one connection to the bus: the owner of the match registry,
// the export table, and the outbound-call bridge. All methods are
// safe for concurrent use. One mutex guards all registries and is
// held only for bookkeeping — never across a user callback or a
// blocking transport operation.
type Conn struct {
	transport    transport.Transport
	logger       *slog.Logger
	clk          clock.Clock
	callTimeout  time.Duration
	onSendFatal  func(err error)
	defaultLoop  *Loop
	reservedKeys map[string]bool

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	closed     bool
	uniqueName ref.BusName
	matches    *matchRegistry
	exports    *exportTable
}

// Connect builds a Conn over an existing transport and, unless
// SkipHello is set, introduces itself to the bus daemon to obtain its
// unique name. The transport's handler is claimed by the connection;
// route the transport's match-error callback to HandleMatchError.
func Connect(config Config) (*Conn, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("messaging: Config.Transport is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	callTimeout := config.CallTimeout
	if callTimeout == 0 {
		callTimeout = defaultCallTimeout
	}

	c := &Conn{
		transport:   config.Transport,
		logger:      logger,
		clk:         clk,
		callTimeout: callTimeout,
		onSendFatal: config.OnSendFatal,
		defaultLoop: NewLoop(),
		done:        make(chan struct{}),
		matches:     newMatchRegistry(),
		exports:     newExportTable(),
	}

	// The two ownership-notification rules the daemon serves without
	// registration. Subscribing to them must not send AddMatch.
	c.reservedKeys = map[string]bool{
		MatchRule{
			Kind:      transport.KindSignal,
			Sender:    transport.DaemonName,
			Interface: transport.DaemonInterface,
			Member:    transport.MemberNameOwnerChanged,
		}.Key(): true,
		MatchRule{
			Kind:      transport.KindSignal,
			Sender:    transport.DaemonName,
			Interface: transport.DaemonInterface,
			Member:    transport.MemberNameLost,
		}.Key(): true,
	}

	c.transport.SetHandler(c.onMessage)

	if !config.SkipHello {
		if err := c.hello(); err != nil {
			c.transport.Close()
			c.defaultLoop.Close()
			return nil, err
		}
	}
	return c, nil
}

// Dial connects to the bus daemon at a Unix socket address.
func Dial(ctx context.Context, address string, config Config) (*Conn, error) {
	if config.Transport != nil {
		return nil, fmt.Errorf("messaging: Dial builds its own transport; Config.Transport must be nil")
	}
	var dialer net.Dialer
	sock, err := dialer.DialContext(ctx, "unix", address)
	if err != nil {
		return nil, fmt.Errorf("messaging: dialing bus at %s: %w", address, err)
	}

	relay := &matchErrorRelay{}
	stream, err := transport.NewStream(transport.StreamConfig{
		Conn:         sock,
		Logger:       config.Logger,
		Clock:        config.Clock,
		OnMatchError: relay.report,
	})
	if err != nil {
		sock.Close()
		return nil, err
	}
	config.Transport = stream
	conn, err := Connect(config)
	if err != nil {
		return nil, err
	}
	relay.bind(conn.HandleMatchError)
	return conn, nil
}

// matchErrorRelay buffers transport match errors raised before the
// Conn exists (the stream starts delivering during Connect).
type matchErrorRelay struct {
	mu      sync.Mutex
	fn      func(error)
	backlog []error
}

func (r *matchErrorRelay) report(err error) {
	r.mu.Lock()
	fn := r.fn
	if fn == nil {
		r.backlog = append(r.backlog, err)
	}
	r.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (r *matchErrorRelay) bind(fn func(error)) {
	r.mu.Lock()
	r.fn = fn
	backlog := r.backlog
	r.backlog = nil
	r.mu.Unlock()
	for _, err := range backlog {
		fn(err)
	}
}

// hello introduces the connection to the daemon and records the
// unique name it assigns.
func (c *Conn) hello() error {
	call, err := transport.NewCall(transport.DaemonName, transport.DaemonPath, transport.DaemonInterface, transport.MemberHello)
	if err != nil {
		return fmt.Errorf("messaging: building hello: %w", err)
	}
	pending, err := c.transport.SendWithReply(call, c.callTimeout)
	if err != nil {
		return fmt.Errorf("messaging: sending hello: %w", err)
	}
	reply := <-pending.C()
	if reply.Kind == transport.KindError {
		return fmt.Errorf("messaging: hello rejected: %w", busErrorFromMessage(reply))
	}
	raw, ok := reply.Arg0String()
	if !ok {
		return fmt.Errorf("messaging: hello reply carries no unique name")
	}
	name, err := ref.ParseBusName(raw)
	if err != nil {
		return fmt.Errorf("messaging: hello reply: %w", err)
	}

	c.mu.Lock()
	c.uniqueName = name
	c.mu.Unlock()
	c.logger.Info("connected to bus", "unique_name", name)
	return nil
}

// UniqueName returns the name the daemon assigned at setup. Zero when
// SkipHello was set.
func (c *Conn) UniqueName() ref.BusName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

// IsOpen reports whether the connection can still send.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Done is closed exactly once when the connection disconnects,
// whether by local Close or remote teardown.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// DefaultLoop returns the Loop used by subscriptions and exports that
// do not name their own.
func (c *Conn) DefaultLoop() *Loop {
	return c.defaultLoop
}

// onMessage is the dispatcher: the single entry point for every
// inbound message, invoked serially by the transport. Checks run in
// order: connection liveness, then the match registry for every
// message kind, then the export table for calls addressed here. The
// registry and table steps are independent; both can fire for one
// message.
func (c *Conn) onMessage(m *transport.Message) {
	if m.Kind == transport.KindSignal &&
		m.Sender.IsZero() &&
		m.Interface == transport.LocalInterface &&
		m.Member == transport.MemberDisconnected {
		c.markClosed()
		// Local-only: no sender, so the registry drops it below.
	}

	// Messages with no sender are local-only and never dispatched to
	// subscribers.
	if !m.Sender.IsZero() {
		c.mu.Lock()
		subs := c.matches.match(m)
		c.mu.Unlock()
		for _, sub := range subs {
			handler := sub.handler
			sub.loop.postHigh(func() { handler(m) })
		}
	}

	if m.Kind == transport.KindCall && c.isLocalDestination(m.Destination) {
		c.dispatchCall(m)
	}
}

// isLocalDestination reports whether a call is addressed to this
// connection. Eavesdropped calls destined elsewhere reach subscribers
// but never the export table.
func (c *Conn) isLocalDestination(destination ref.BusName) bool {
	if destination.IsZero() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return destination == c.uniqueName
}

// markClosed flips the connection to disconnected and signals Done,
// exactly once. Subscriptions and exports survive a disconnect; only
// an explicit Close purges them.
func (c *Conn) markClosed() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
	c.logger.Info("bus connection closed")
}

// Subscribe installs a match-rule subscription and returns its id
// (process-unique, monotonically increasing, never reused). The first
// subscriber of a new rule registers the rule key with the transport,
// fire-and-forget, unless the rule is reserved. Subscribing on a
// closed connection is a contract violation and fails eagerly.
func (c *Conn) Subscribe(sub Subscription) (uint64, error) {
	if sub.Handler == nil {
		return 0, fmt.Errorf("messaging: Subscription.Handler is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	loop := sub.Loop
	if loop == nil {
		loop = c.defaultLoop
	}
	key := sub.Rule.Key()
	reserved := c.reservedKeys[key]
	record, created := c.matches.add(sub.Rule, reserved, loop, sub.Handler, sub.Cleanup)
	c.mu.Unlock()

	if created && !reserved {
		c.transport.RegisterMatch(key)
	}
	c.logger.Debug("subscription added", "rule", key, "subscription_id", record.id)
	return record.id, nil
}

// Unsubscribe removes a subscription by id. Unknown ids — including
// ids already purged by Close — are a no-op. The last subscriber of a
// non-reserved rule retracts the rule key from the transport, and the
// subscription's Cleanup runs outside the connection lock.
func (c *Conn) Unsubscribe(id uint64) {
	c.mu.Lock()
	sub, removedEntry := c.matches.remove(id)
	live := !c.closed
	c.mu.Unlock()
	if sub == nil {
		return
	}
	if removedEntry != nil && !removedEntry.reserved && live {
		c.transport.UnregisterMatch(removedEntry.key)
	}
	if sub.cleanup != nil {
		sub.cleanup()
	}
	c.logger.Debug("subscription removed", "subscription_id", id)
}

// Emit broadcasts a signal from an object path.
func (c *Conn) Emit(path ref.ObjectPath, iface ref.InterfaceName, member ref.MemberName, args ...any) error {
	return c.EmitTo(ref.BusName{}, path, iface, member, args...)
}

// EmitTo sends a signal to one destination. A zero destination
// broadcasts.
func (c *Conn) EmitTo(destination ref.BusName, path ref.ObjectPath, iface ref.InterfaceName, member ref.MemberName, args ...any) error {
	signal, err := transport.NewSignal(path, iface, member, args...)
	if err != nil {
		return err
	}
	signal.Destination = destination

	c.mu.Lock()
	closed := c.closed
	signal.Sender = c.uniqueName
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}

	if err := c.transport.Send(signal); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("messaging: emitting %s.%s: %w", iface, member, err)
	}
	return nil
}

// Close tears down the connection: the transport closes (completing
// outstanding calls with a Disconnected error), every subscription
// and export is purged with its cleanup hooks run outside the lock,
// and the default Loop drains.
func (c *Conn) Close() error {
	err := c.transport.Close()
	c.markClosed()

	c.mu.Lock()
	subs := c.matches.purge()
	exports := c.exports.purge()
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.cleanup != nil {
			sub.cleanup()
		}
	}
	for _, entry := range exports {
		if entry.export.OnUnregister != nil {
			entry.export.OnUnregister()
		}
	}
	c.defaultLoop.Close()
	return err
}

// HandleMatchError receives failures of fire-and-forget match
// registrations from the transport. A daemon reporting resource
// exhaustion is unrecoverable by policy: a bus that cannot add a
// match rule would silently starve subscribers, which is judged worse
// than aborting. Other failures are logged.
func (c *Conn) HandleMatchError(err error) {
	var matchErr *transport.MatchError
	if errors.As(err, &matchErr) && matchErr.Name == ErrorNoMemory {
		c.fatal(fmt.Errorf("messaging: bus out of memory registering match rule %q", matchErr.Rule))
		return
	}
	c.logger.Error("match registration failed", "error", err)
}

// send transmits a reply, error, or signal produced by dispatch.
// Failures other than a closed transport are unrecoverable.
func (c *Conn) send(m *transport.Message) {
	err := c.transport.Send(m)
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrClosed) {
		c.logger.Debug("dropping outbound message on closed connection",
			"kind", m.Kind,
			"member", m.Member,
		)
		return
	}
	c.fatal(fmt.Errorf("messaging: sending %s: %w", m.Kind, err))
}

// sendReply transmits a method reply built by an Invocation.
func (c *Conn) sendReply(reply *transport.Message) {
	c.send(reply)
}

// sendError answers call with a named error reply. Name and message
// are always non-empty on the wire.
func (c *Conn) sendError(call *transport.Message, name, message string) {
	if call.NoReply {
		return
	}
	if name == "" {
		name = ErrorFailed
	}
	if message == "" {
		message = name
	}
	c.send(transport.NewError(call, name, message))
}

// fatal applies the unrecoverable-send policy.
func (c *Conn) fatal(err error) {
	if c.onSendFatal != nil {
		c.onSendFatal(err)
		return
	}
	c.logger.Error("unrecoverable bus send failure", "error", err)
	os.Exit(1)
}
