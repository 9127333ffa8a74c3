package arq

import (
	"context"
	"sync"
	"time"

	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
	"github.com/arqtransfer/rdt/pkg/rdt/wire"
)

// StopAndWait implements window-1 ARQ per spec §4.2.1. At most one DATA
// segment is ever unacknowledged at a time.
type StopAndWait struct {
	send    Sender
	timeout time.Duration
	log     rlog.Logger

	mu       sync.Mutex
	nextSeq  uint32
	pending  *wire.Packet
	deadline time.Time
	drained  bool
	freed    chan struct{}

	// receiver-side state
	expected uint32
}

func NewStopAndWait(send Sender, timeout time.Duration, log rlog.Logger) *StopAndWait {
	return &StopAndWait{
		send:    send,
		timeout: timeout,
		log:     log,
		freed:   make(chan struct{}, 1),
	}
}

func (s *StopAndWait) OfferSend(ctx context.Context, payload []byte) error {
	for {
		s.mu.Lock()
		if s.pending == nil {
			seq := s.nextSeq
			pkt := wire.NewData(seq, payload)
			s.pending = &pkt
			s.deadline = time.Now().Add(s.timeout)
			s.mu.Unlock()
			return s.send(pkt)
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.freed:
		}
	}
}

func (s *StopAndWait) OnAck(pkt wire.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return
	}
	// ack_number names the next expected sequence (spec §4.2.1).
	if pkt.Header.Ack == s.pending.Header.Sequence+1 {
		s.pending = nil
		s.nextSeq++
		s.notifyFreed()
	}
}

func (s *StopAndWait) notifyFreed() {
	select {
	case s.freed <- struct{}{}:
	default:
	}
}

func (s *StopAndWait) OnData(pkt wire.Packet) DataOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := pkt.Header.Sequence
	switch {
	case seq == s.expected:
		s.expected++
		_ = s.send(wire.NewAck(s.expected))
		return DataOutcome{Status: StatusDelivered, Chunks: [][]byte{pkt.Payload}}
	case seq < s.expected:
		// Duplicate of an already-acknowledged packet: the peer's prior
		// ACK was likely lost. Re-send it to recover.
		_ = s.send(wire.NewAck(s.expected))
		return DataOutcome{Status: StatusDuplicate}
	default:
		// seq > expected: out of order, drop silently; sender will retransmit.
		return DataOutcome{Status: StatusDropped}
	}
}

func (s *StopAndWait) Tick(now time.Time) {
	s.mu.Lock()
	if s.pending == nil || now.Before(s.deadline) {
		s.mu.Unlock()
		return
	}
	s.deadline = now.Add(s.timeout)
	pkt := *s.pending
	// Send outside the lock, as OfferSend does, so a Sender that feeds an
	// ACK straight back into OnAck cannot deadlock.
	s.mu.Unlock()
	_ = s.send(pkt)
}

func (s *StopAndWait) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return time.Time{}, false
	}
	return s.deadline, true
}

func (s *StopAndWait) Drain() {
	s.mu.Lock()
	s.drained = true
	s.mu.Unlock()
}

func (s *StopAndWait) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained && s.pending == nil
}
