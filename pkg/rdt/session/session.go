// Package session implements the per-transfer endpoint named in spec §4.3:
// the state machine, the handshake, and the single event loop that
// multiplexes socket receive with ARQ timer expiry (spec §9, "Timer
// discipline"). A Session owns exactly one socket and one ARQ engine for
// the lifetime of one transfer — the same ownership split
// `pkg/vif/tcp/handler.go`'s handler struct keeps between the TUN-facing
// reader, the mgr-facing stream, and its own per-connection state. The
// FileSource/FileSink handle is held by the transfer package function that
// drives the Session, not by the Session itself.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/arqtransfer/rdt/pkg/rdt/arq"
	"github.com/arqtransfer/rdt/pkg/rdt/config"
	"github.com/arqtransfer/rdt/pkg/rdt/rdterr"
	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
	"github.com/arqtransfer/rdt/pkg/rdt/wire"
)

// Conn is the subset of net.PacketConn a Session needs. Production code
// passes a *net.UDPConn; tests substitute an in-memory pipe.
type Conn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// Role identifies which side of the transfer this Session's local process
// plays: the one reading chunks from a FileSource, or the one writing them
// to a FileSink.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

// Session is one endpoint of one transfer (spec §3 "Session"). It owns its
// socket, its ARQ engine, and its state for the duration of the transfer;
// nothing about it is shared with any other Session.
type Session struct {
	cfg      config.Config
	conn     Conn
	engine   arq.Engine
	role     Role
	op       Operation
	protocol config.Protocol
	log      rlog.Logger
	key      string

	remoteMu sync.Mutex
	remote   net.Addr

	stateMu      sync.Mutex
	state        State
	lastActivity time.Time

	chunks chan []byte

	doneOnce sync.Once
	doneCh   chan struct{}
	errMu    sync.Mutex
	err      error

	finMu       sync.Mutex
	finPending  bool
	finDeadline time.Time

	// cleanup, if non-nil, is invoked exactly once, when the session
	// reaches CLOSED. The server's Demultiplexer does not use it: its
	// workers report termination over the listener's termination channel.
	cleanup func(*Session)
}

// New constructs a Session in state initial. The client and the server
// worker both build their Session after ClientHandshake/ServerHandshake
// has completed, so they pass StateEstablished.
func New(cfg config.Config, conn Conn, remote net.Addr, role Role, op Operation, protocol config.Protocol, log rlog.Logger, engine arq.Engine, initial State, cleanup func(*Session)) *Session {
	s := &Session{
		cfg:          cfg,
		conn:         conn,
		engine:       engine,
		role:         role,
		op:           op,
		protocol:     protocol,
		log:          log,
		key:          remote.String(),
		remote:       remote,
		state:        initial,
		lastActivity: time.Now(),
		chunks:       make(chan []byte, 64),
		doneCh:       make(chan struct{}),
		cleanup:      cleanup,
	}
	return s
}

// Key identifies the session by its peer's address string, the same form
// the Demultiplexer's address→worker table is keyed by (spec §4.6).
func (s *Session) Key() string { return s.key }

func (s *Session) Engine() arq.Engine { return s.engine }

func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// setState validates and logs the transition, mirroring
// pkg/vif/tcp/handler.go's setState/illegalStateTransition pair: an illegal
// transition is logged and ignored rather than panicking, since a stray
// duplicate packet should never crash a session.
func (s *Session) setState(ctx context.Context, to State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	from := s.state
	if !canTransition(from, to) {
		s.log.Warnf(ctx, "session %s: illegal state transition %s -> %s ignored", s.key, from, to)
		return
	}
	if from != to {
		s.log.Tracef(ctx, "session %s: %s -> %s", s.key, from, to)
	}
	s.state = to
}

func (s *Session) RemoteAddr() net.Addr {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	return s.remote
}

// SetRemoteAddr retargets the session's peer, implementing the client-side
// address migration of spec §4.4: once SYN|ACK arrives from the server's
// new ephemeral port, all further traffic goes there.
func (s *Session) SetRemoteAddr(addr net.Addr) {
	s.remoteMu.Lock()
	s.remote = addr
	s.remoteMu.Unlock()
}

// Chunks delivers payload bytes in FileSink order; closed once the peer's
// FIN has been processed (receiver role) or the session aborts.
func (s *Session) Chunks() <-chan []byte { return s.chunks }

// Done is closed once the session reaches CLOSED, successfully or not.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Err returns the terminal error, if the session closed abnormally.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Session) finish(ctx context.Context, err error) {
	if err != nil {
		s.setErr(err)
	}
	s.disarmFin()
	s.setState(ctx, StateClosed)
	s.doneOnce.Do(func() {
		close(s.chunks)
		close(s.doneCh)
		if s.cleanup != nil {
			s.cleanup(s)
		}
	})
}

// OfferSend admits payload into the ARQ engine's send pipeline (spec §4.2),
// transmitting it over the session's socket.
func (s *Session) OfferSend(ctx context.Context, payload []byte) error {
	return s.engine.OfferSend(ctx, payload)
}

func (s *Session) sendPacket(pkt wire.Packet) error {
	b, err := wire.Encode(pkt.Header, pkt.Payload)
	if err != nil {
		return fmt.Errorf("session %s: encode outbound packet: %w", s.key, err)
	}
	_, err = s.conn.WriteTo(b, s.RemoteAddr())
	return err
}

// Sender returns the callback an ARQ engine uses to transmit packets over
// this session's socket (spec §4.2's offer_send/tick write through it).
func (s *Session) Sender() arq.Sender { return s.sendPacket }

// PacketSender builds the Sender callback an ARQ engine is constructed
// with, before a Session wrapping it exists yet: both the client and the
// server worker know conn and remote are fixed by the time the handshake
// hands control to the data phase (spec §4.4 migration only ever happens
// during the handshake itself), so the engine can be built first and
// wired into the Session afterward.
func PacketSender(conn Conn, remote net.Addr) arq.Sender {
	return func(pkt wire.Packet) error {
		b, err := wire.Encode(pkt.Header, pkt.Payload)
		if err != nil {
			return err
		}
		_, err = conn.WriteTo(b, remote)
		return err
	}
}

// NewEngine picks the ARQ engine a handshake negotiated, per spec §9
// ("Polymorphism over ARQ ... do not leak engine-internal state into the
// Session state machine"). Both the client and the server worker share
// this constructor so the two sides can never disagree about how a
// negotiated protocol maps to an Engine.
func NewEngine(protocol config.Protocol, send arq.Sender, cfg config.Config, log rlog.Logger) arq.Engine {
	if protocol == config.StopAndWait {
		return arq.NewStopAndWait(send, cfg.SocketTimeout, log)
	}
	return arq.NewSelectiveRepeat(send, cfg.Window, cfg.SocketTimeout, log)
}

// FinishSending drains the engine, waits for every outstanding segment to
// be acknowledged, then sends FIN and moves to FIN_SENT (spec §4.3,
// "sender of data sends FIN after all segments are ACKed"). Only the
// RoleSender side of a transfer calls this.
func (s *Session) FinishSending(ctx context.Context) error {
	s.engine.Drain()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !s.engine.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.doneCh:
			return s.Err()
		case <-ticker.C:
		}
	}
	if err := s.sendPacket(wire.NewFin()); err != nil {
		return err
	}
	s.setState(ctx, StateFinSent)
	s.armFin()
	return nil
}

// armFin starts the FIN retransmit deadline: while FIN_SENT is waiting for
// FIN|ACK, Serve's event loop retransmits FIN on SocketTimeout expiry, the
// same timer discipline the ARQ engines apply to unacknowledged DATA and
// handshake.go applies to SYN/SYN|ACK. Without this, a single dropped FIN
// is never recovered and the peer — even one that received every byte —
// sits until MaxIdle and tears down with PeerGone.
func (s *Session) armFin() {
	s.finMu.Lock()
	s.finPending = true
	s.finDeadline = time.Now().Add(s.cfg.SocketTimeout)
	s.finMu.Unlock()
}

func (s *Session) disarmFin() {
	s.finMu.Lock()
	s.finPending = false
	s.finMu.Unlock()
}

// finNextDeadline reports the FIN retransmit deadline, if one is armed, so
// Serve can fold it into the socket's read deadline alongside the ARQ
// engine's own NextDeadline.
func (s *Session) finNextDeadline() (time.Time, bool) {
	s.finMu.Lock()
	defer s.finMu.Unlock()
	if !s.finPending {
		return time.Time{}, false
	}
	return s.finDeadline, true
}

// tickFin resends FIN once its retransmit deadline has passed, mirroring
// the ARQ engines' Tick-driven retransmission of unacknowledged DATA.
func (s *Session) tickFin(ctx context.Context, now time.Time) {
	s.finMu.Lock()
	if !s.finPending || now.Before(s.finDeadline) {
		s.finMu.Unlock()
		return
	}
	s.finDeadline = now.Add(s.cfg.SocketTimeout)
	s.finMu.Unlock()
	if err := s.sendPacket(wire.NewFin()); err != nil {
		s.log.Tracef(ctx, "session %s: FIN retransmit failed: %v", s.key, err)
	}
}

// Abort cancels the session immediately: no FIN exchange, socket closed,
// cleanup invoked. Safe to call more than once (spec §5, "cancellation is
// idempotent").
func (s *Session) Abort(ctx context.Context) {
	s.finish(ctx, rdterr.PeerGone{})
	_ = s.conn.Close()
}

// AbortLocalIO aborts the session after a FileSource/FileSink failure,
// reporting ERR to the peer before closing (spec §7, "LocalIO: send ERR to
// peer").
func (s *Session) AbortLocalIO(ctx context.Context, err error) {
	_ = s.sendPacket(wire.NewErr(rdterr.LocalIO{Err: err}.Error()))
	s.finish(ctx, rdterr.LocalIO{Err: err})
}

// Serve runs the session's single event loop: it multiplexes the socket's
// receive with the ARQ engine's nearest retransmit deadline, per spec §9
// ("a single scheduler task per session ... min(timer_deadline)"). It
// returns once the session reaches CLOSED.
func (s *Session) Serve(ctx context.Context) error {
	buf := make([]byte, config.MaxDatagram)
	for {
		select {
		case <-ctx.Done():
			s.finish(ctx, ctx.Err())
			return ctx.Err()
		default:
		}

		if s.State() == StateClosed {
			return s.Err()
		}

		now := time.Now()
		deadline := now.Add(s.cfg.SocketTimeout)
		if d, ok := s.engine.NextDeadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if d, ok := s.finNextDeadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			s.AbortLocalIO(ctx, err)
			return s.err
		}

		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				now := time.Now()
				s.engine.Tick(now)
				s.tickFin(ctx, now)
				if time.Since(s.lastActivityLocked()) > s.cfg.MaxIdle {
					s.finish(ctx, rdterr.PeerGone{})
					return s.err
				}
				continue
			}
			s.AbortLocalIO(ctx, err)
			return s.err
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			// CodecError: malformed packets are dropped silently, never
			// surfaced (spec §3, §7).
			s.log.Tracef(ctx, "session %s: dropped malformed datagram from %s: %v", s.key, addr, err)
			continue
		}
		s.touch()
		s.handle(ctx, pkt)
	}
}

func (s *Session) lastActivityLocked() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.stateMu.Lock()
	s.lastActivity = time.Now()
	s.stateMu.Unlock()
}

// HandleOne feeds a single already-decoded packet into the session as if
// it had just arrived on the socket. Used to replay a DATA packet the
// handshake consumed in place of the client's final ACK (spec §4.4,
// "self-healing ... or first DATA").
func (s *Session) HandleOne(ctx context.Context, pkt wire.Packet) {
	s.touch()
	s.handle(ctx, pkt)
}

func (s *Session) handle(ctx context.Context, pkt wire.Packet) {
	switch {
	case pkt.HasFlag(wire.FlagERR):
		s.log.Warnf(ctx, "session %s: peer reported error: %s", s.key, string(pkt.Payload))
		_ = s.conn.Close()
		s.finish(ctx, rdterr.PeerError{Reason: string(pkt.Payload)})

	case pkt.HasFlag(wire.FlagFIN) && pkt.HasFlag(wire.FlagACK):
		// Sender side: peer confirms it saw our FIN.
		if s.State() != StateFinSent {
			s.log.Warnf(ctx, "session %s: unexpected FIN|ACK in state %s", s.key, s.State())
			return
		}
		s.finish(ctx, nil)

	case pkt.HasFlag(wire.FlagFIN):
		// Receiver side: peer has no more data. Everything in-order has
		// already been delivered, since the sender only sends FIN once
		// every segment is ACKed (spec §4.3).
		s.setState(ctx, StateFinRcvd)
		_ = s.sendPacket(wire.NewFinAck())
		s.finish(ctx, nil)

	case pkt.HasFlag(wire.FlagSYN) && pkt.HasFlag(wire.FlagACK):
		// The server is still retransmitting SYN|ACK, so the handshake's
		// final ACK was lost: send it again instead of treating the
		// SYN|ACK as a data-phase ACK (spec §4.4).
		_ = s.sendPacket(wire.NewAck(0))

	case pkt.HasFlag(wire.FlagDATA):
		out := s.engine.OnData(pkt)
		for _, c := range out.Chunks {
			select {
			case s.chunks <- c:
			case <-ctx.Done():
				return
			}
		}

	case pkt.HasFlag(wire.FlagACK):
		s.engine.OnAck(pkt)

	default:
		// A flag combination wire.Decode lets through (it's individually
		// valid per spec §4.1) but impossible for a live Session to see
		// outside a handshake, e.g. a stray SYN reaching an
		// already-ESTABLISHED session (spec §7, "ProtocolViolation").
		reason := fmt.Sprintf("unexpected flags %#x in state %s", pkt.Header.Flags, s.State())
		s.log.Warnf(ctx, "session %s: %s", s.key, reason)
		_ = s.sendPacket(wire.NewErr(reason))
		s.finish(ctx, rdterr.ProtocolViolation{Reason: reason})
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
