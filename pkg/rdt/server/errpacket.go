package server

import "github.com/arqtransfer/rdt/pkg/rdt/wire"

// wireErrPacket encodes an ERR datagram carrying reason, for the cases
// spec §4.4/§4.6 send one before a session exists: a malformed request, a
// missing DOWNLOAD file, or a saturated worker pool.
func wireErrPacket(reason string) []byte {
	pkt := wire.NewErr(reason)
	b, err := wire.Encode(pkt.Header, pkt.Payload)
	if err != nil {
		// reason is always valid UTF-8 and under MaxPayload; this cannot fail.
		panic(err)
	}
	return b
}
