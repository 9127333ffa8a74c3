package arq

import (
	"context"
	"sync"
	"time"

	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
	"github.com/arqtransfer/rdt/pkg/rdt/wire"
)

type segment struct {
	payload  []byte
	deadline time.Time
	acked    bool
}

// SelectiveRepeat implements window-N ARQ with independent per-segment
// timers and selective (non-cumulative) ACKs, per spec §4.2.2.
type SelectiveRepeat struct {
	send    Sender
	window  uint32
	timeout time.Duration
	log     rlog.Logger

	mu       sync.Mutex
	base     uint32
	nextSeq  uint32
	inFlight map[uint32]*segment
	drained  bool
	freed    chan struct{}

	// receiver-side state
	expected uint32
	recvBuf  map[uint32][]byte
}

func NewSelectiveRepeat(send Sender, window uint32, timeout time.Duration, log rlog.Logger) *SelectiveRepeat {
	return &SelectiveRepeat{
		send:     send,
		window:   window,
		timeout:  timeout,
		log:      log,
		inFlight: make(map[uint32]*segment),
		recvBuf:  make(map[uint32][]byte),
		freed:    make(chan struct{}, 1),
	}
}

func (s *SelectiveRepeat) OfferSend(ctx context.Context, payload []byte) error {
	for {
		s.mu.Lock()
		if s.nextSeq-s.base < s.window {
			seq := s.nextSeq
			s.nextSeq++
			s.inFlight[seq] = &segment{payload: payload, deadline: time.Now().Add(s.timeout)}
			s.mu.Unlock()
			return s.send(wire.NewData(seq, payload))
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.freed:
		}
	}
}

func (s *SelectiveRepeat) OnAck(pkt wire.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := pkt.Header.Ack
	if seg, ok := s.inFlight[seq]; ok {
		seg.acked = true
	}
	slid := false
	for {
		seg, ok := s.inFlight[s.base]
		if !ok || !seg.acked {
			break
		}
		delete(s.inFlight, s.base)
		s.base++
		slid = true
	}
	if slid {
		s.notifyFreed()
	}
}

func (s *SelectiveRepeat) notifyFreed() {
	select {
	case s.freed <- struct{}{}:
	default:
	}
}

func (s *SelectiveRepeat) OnData(pkt wire.Packet) DataOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := pkt.Header.Sequence
	switch {
	case seq < s.expected:
		_ = s.send(wire.NewSelectiveAck(seq))
		return DataOutcome{Status: StatusDuplicate}
	case seq >= s.expected+s.window:
		// Outside the receive window: drop silently.
		return DataOutcome{Status: StatusDropped}
	default:
		if _, exists := s.recvBuf[seq]; !exists {
			s.recvBuf[seq] = pkt.Payload
		}
		_ = s.send(wire.NewSelectiveAck(seq))
		if seq != s.expected {
			return DataOutcome{Status: StatusBuffered}
		}
		var chunks [][]byte
		for {
			data, ok := s.recvBuf[s.expected]
			if !ok {
				break
			}
			chunks = append(chunks, data)
			delete(s.recvBuf, s.expected)
			s.expected++
		}
		return DataOutcome{Status: StatusDelivered, Chunks: chunks}
	}
}

func (s *SelectiveRepeat) Tick(now time.Time) {
	s.mu.Lock()
	var due []wire.Packet
	for seq, seg := range s.inFlight {
		if seg.acked || now.Before(seg.deadline) {
			continue
		}
		seg.deadline = now.Add(s.timeout)
		due = append(due, wire.NewData(seq, seg.payload))
	}
	// Send outside the lock, as OfferSend does, so a Sender that feeds an
	// ACK straight back into OnAck cannot deadlock.
	s.mu.Unlock()
	for _, pkt := range due {
		_ = s.send(pkt)
	}
}

func (s *SelectiveRepeat) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		earliest time.Time
		found    bool
	)
	for _, seg := range s.inFlight {
		if seg.acked {
			continue
		}
		if !found || seg.deadline.Before(earliest) {
			earliest = seg.deadline
			found = true
		}
	}
	return earliest, found
}

func (s *SelectiveRepeat) Drain() {
	s.mu.Lock()
	s.drained = true
	s.mu.Unlock()
}

func (s *SelectiveRepeat) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained && len(s.inFlight) == 0
}
