// Package arq implements the two interchangeable Automatic Repeat reQuest
// engines — Stop-and-Wait and Selective Repeat — behind a single Engine
// interface, per spec §4.2. A Session drives an Engine without knowing
// which strategy is plugged in (spec §9, "Polymorphism over ARQ").
package arq

import (
	"context"
	"time"

	"github.com/arqtransfer/rdt/pkg/rdt/wire"
)

// Sender transmits a fully-formed packet to the session's peer. Engines
// never touch a socket directly; the Session supplies this callback so the
// engine stays transport-agnostic and trivially testable.
type Sender func(pkt wire.Packet) error

// DataStatus classifies the outcome of feeding a DATA packet to on_data.
type DataStatus int

const (
	StatusDelivered DataStatus = iota
	StatusBuffered
	StatusDuplicate
	StatusDropped
)

// DataOutcome is the result of Engine.OnData: Chunks holds any payloads now
// deliverable to the FileSink in order (possibly more than one, when a
// Selective Repeat buffer gap closes).
type DataOutcome struct {
	Status DataStatus
	Chunks [][]byte
}

// Engine is the capability set both ARQ strategies expose to a Session
// (spec §4.2). Implementations own their internal mutex; all methods are
// safe to call concurrently from the session's receive-dispatch goroutine
// and the transfer layer's send goroutine.
type Engine interface {
	// OfferSend admits payload into the send pipeline, transmitting it
	// immediately if the window allows or blocking (cooperative
	// suspension) until it does. Returns ctx.Err() if ctx is canceled
	// while blocked.
	OfferSend(ctx context.Context, payload []byte) error

	// OnAck consumes an inbound ACK packet, advancing the send window and
	// canceling the relevant retransmit timer(s).
	OnAck(pkt wire.Packet)

	// OnData consumes an inbound DATA packet and reports what, if
	// anything, is now deliverable in order.
	OnData(pkt wire.Packet) DataOutcome

	// Tick fires any retransmit timers that have expired as of now.
	Tick(now time.Time)

	// NextDeadline reports the earliest pending retransmit deadline, if
	// any, so the Session's event loop can size its receive timeout.
	NextDeadline() (time.Time, bool)

	// Drain signals that no more sends will be offered. The engine
	// remains live until Idle reports true.
	Drain()

	// Idle reports whether the engine has been drained and every
	// outstanding segment has been acknowledged.
	Idle() bool
}
