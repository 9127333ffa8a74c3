package session

import (
	"context"
	"net"
	"time"

	"github.com/arqtransfer/rdt/pkg/rdt/config"
	"github.com/arqtransfer/rdt/pkg/rdt/rdterr"
	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
	"github.com/arqtransfer/rdt/pkg/rdt/wire"
)

// ClientHandshake drives the client side of spec §4.4: it sends SYN on
// conn, retransmitting on RTO (at most cfg.MaxSynRetries sends in all), until it sees
// SYN|ACK — at which point it migrates to the server's new ephemeral port
// and sends the (unretransmitted) final ACK. It returns the grant carried
// in SYN|ACK and the address the session should use from then on.
func ClientHandshake(ctx context.Context, conn Conn, serverAddr net.Addr, req Request, cfg config.Config, log rlog.Logger) (grant uint64, sessionAddr net.Addr, err error) {
	synBytes, err := wire.Encode(wire.NewSyn(EncodeRequest(req)).Header, EncodeRequest(req))
	if err != nil {
		return 0, nil, err
	}

	buf := make([]byte, config.MaxDatagram)
	for attempt := 0; attempt < cfg.MaxSynRetries; attempt++ {
		if _, err := conn.WriteTo(synBytes, serverAddr); err != nil {
			return 0, nil, rdterr.LocalIO{Err: err}
		}
		if err := conn.SetReadDeadline(time.Now().Add(cfg.SocketTimeout)); err != nil {
			return 0, nil, rdterr.LocalIO{Err: err}
		}

		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				log.Tracef(ctx, "client handshake: SYN attempt %d timed out, retrying", attempt+1)
				continue
			}
			return 0, nil, rdterr.LocalIO{Err: err}
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			log.Tracef(ctx, "client handshake: dropped malformed datagram: %v", err)
			continue
		}
		if pkt.HasFlag(wire.FlagERR) {
			return 0, nil, rdterr.PeerError{Reason: string(pkt.Payload)}
		}
		if !pkt.HasFlag(wire.FlagSYN) || !pkt.HasFlag(wire.FlagACK) {
			continue
		}

		grant, err = DecodeGrant(pkt.Payload)
		if err != nil {
			return 0, nil, rdterr.HandshakeFailed{Reason: err.Error()}
		}
		ackBytes, err := wire.Encode(wire.NewAck(0).Header, nil)
		if err != nil {
			return 0, nil, err
		}
		if _, err := conn.WriteTo(ackBytes, addr); err != nil {
			return 0, nil, rdterr.LocalIO{Err: err}
		}
		return grant, addr, nil
	}
	return 0, nil, rdterr.HandshakeFailed{Reason: "SYN retries exhausted"}
}

// ServerHandshake drives the server worker side of spec §4.4 from the
// session's freshly allocated ephemeral socket: it sends SYN|ACK carrying
// grant, retransmitting on RTO, until the client's final ACK arrives. Per
// spec §4.4 ("self-healing until the first DATA arrives"), a DATA packet
// observed in place of the final ACK is treated as an implicit ACK and
// handed back to the caller so it isn't lost.
func ServerHandshake(ctx context.Context, conn Conn, clientAddr net.Addr, grant uint64, cfg config.Config, log rlog.Logger) (firstData *wire.Packet, err error) {
	synAckBytes, err := wire.Encode(wire.NewSynAck(EncodeGrant(grant)).Header, EncodeGrant(grant))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, config.MaxDatagram)
	for attempt := 0; attempt < cfg.MaxSynRetries; attempt++ {
		if _, err := conn.WriteTo(synAckBytes, clientAddr); err != nil {
			return nil, rdterr.LocalIO{Err: err}
		}
		if err := conn.SetReadDeadline(time.Now().Add(cfg.SocketTimeout)); err != nil {
			return nil, rdterr.LocalIO{Err: err}
		}

		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				log.Tracef(ctx, "server handshake: SYN|ACK attempt %d timed out, retrying", attempt+1)
				continue
			}
			return nil, rdterr.LocalIO{Err: err}
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			log.Tracef(ctx, "server handshake: dropped malformed datagram: %v", err)
			continue
		}
		if pkt.HasFlag(wire.FlagERR) {
			return nil, rdterr.PeerError{Reason: string(pkt.Payload)}
		}
		if pkt.HasFlag(wire.FlagSYN) {
			// Client hasn't seen our SYN|ACK yet; loop resends it.
			continue
		}
		if pkt.HasFlag(wire.FlagDATA) {
			p := pkt
			return &p, nil
		}
		if pkt.HasFlag(wire.FlagACK) {
			return nil, nil
		}
	}
	return nil, rdterr.HandshakeFailed{Reason: "SYN|ACK retries exhausted awaiting final ACK"}
}
