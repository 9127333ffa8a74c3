package session

import (
	"encoding/binary"
	"fmt"

	"github.com/arqtransfer/rdt/pkg/rdt/config"
)

// Operation names which direction a transfer moves bytes, carried in the
// SYN payload per spec §4.4.
type Operation byte

const (
	OpUpload Operation = iota
	OpDownload
)

func (o Operation) String() string {
	if o == OpUpload {
		return "UPLOAD"
	}
	return "DOWNLOAD"
}

// Request is the decoded form of a SYN payload: the operation, filename,
// and protocol the client is proposing for this transfer.
type Request struct {
	Op       Operation
	Filename string
	Protocol config.Protocol
}

// EncodeRequest serializes a Request into the SYN negotiation payload:
// one operation byte, one protocol byte, then a uint16 length-prefixed
// UTF-8 filename.
func EncodeRequest(r Request) []byte {
	name := []byte(r.Filename)
	buf := make([]byte, 2+2+len(name))
	buf[0] = byte(r.Op)
	buf[1] = byte(r.Protocol)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(name)))
	copy(buf[4:], name)
	return buf
}

// DecodeRequest parses a SYN payload produced by EncodeRequest.
func DecodeRequest(b []byte) (Request, error) {
	if len(b) < 4 {
		return Request{}, fmt.Errorf("session: SYN payload too short (%d bytes)", len(b))
	}
	op := Operation(b[0])
	if op != OpUpload && op != OpDownload {
		return Request{}, fmt.Errorf("session: unknown operation byte %d", b[0])
	}
	proto, err := config.ProtocolFromByte(b[1])
	if err != nil {
		return Request{}, err
	}
	nameLen := binary.BigEndian.Uint16(b[2:4])
	if len(b) < 4+int(nameLen) {
		return Request{}, fmt.Errorf("session: SYN payload declares %d-byte filename but only has %d bytes left", nameLen, len(b)-4)
	}
	return Request{
		Op:       op,
		Filename: string(b[4 : 4+int(nameLen)]),
		Protocol: proto,
	}, nil
}

// EncodeGrant serializes the SYN|ACK payload: for DOWNLOAD, the file size
// in bytes; for UPLOAD, an all-zero acknowledgement-only payload (spec
// §4.4 point 3).
func EncodeGrant(fileSize uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, fileSize)
	return buf
}

// DecodeGrant parses a SYN|ACK payload produced by EncodeGrant.
func DecodeGrant(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("session: SYN|ACK payload must be 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
