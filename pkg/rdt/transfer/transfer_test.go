package transfer

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/arqtransfer/rdt/pkg/rdt/arq"
	"github.com/arqtransfer/rdt/pkg/rdt/config"
	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
	"github.com/arqtransfer/rdt/pkg/rdt/session"
	"github.com/arqtransfer/rdt/pkg/rdt/storage"
	"github.com/arqtransfer/rdt/pkg/rdt/wire"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return a, b
}

func runTransferPair(t *testing.T, protocol config.Protocol, window uint32, fileContent []byte) []byte {
	t.Helper()
	senderConn, receiverConn := udpPair(t)
	cfg := config.Default()
	cfg.SocketTimeout = 20 * time.Millisecond
	cfg.Window = window

	newEngine := func(send arq.Sender) arq.Engine {
		if protocol == config.StopAndWait {
			return arq.NewStopAndWait(send, cfg.SocketTimeout, rlog.Dlog())
		}
		return arq.NewSelectiveRepeat(send, window, cfg.SocketTimeout, rlog.Dlog())
	}

	senderEngine := newEngine(session.PacketSender(senderConn, receiverConn.LocalAddr()))
	receiverEngine := newEngine(session.PacketSender(receiverConn, senderConn.LocalAddr()))

	senderSession := session.New(cfg, senderConn, receiverConn.LocalAddr(), session.RoleSender, session.OpUpload, protocol, rlog.Dlog(), senderEngine, session.StateEstablished, nil)
	receiverSession := session.New(cfg, receiverConn, senderConn.LocalAddr(), session.RoleReceiver, session.OpUpload, protocol, rlog.Dlog(), receiverEngine, session.StateEstablished, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveErrs := make(chan error, 2)
	go func() { serveErrs <- senderSession.Serve(ctx) }()
	go func() { serveErrs <- receiverSession.Serve(ctx) }()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/src", 0o755))
	require.NoError(t, fs.MkdirAll("/dst", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/src/file.bin", fileContent, 0o644))

	src, err := storage.OpenSource(fs, "/src", "file.bin")
	require.NoError(t, err)
	defer src.Close()

	sink, err := storage.CreateSink(fs, "/dst", "file.bin")
	require.NoError(t, err)

	recvErrs := make(chan error, 2)
	go func() { recvErrs <- RunReceiver(ctx, receiverSession, sink, rlog.Dlog()) }()
	go func() { recvErrs <- RunSender(ctx, senderSession, src, rlog.Dlog()) }()

	require.NoError(t, <-recvErrs)
	require.NoError(t, <-recvErrs)
	require.NoError(t, <-serveErrs)
	require.NoError(t, <-serveErrs)

	got, err := afero.ReadFile(fs, "/dst/file.bin")
	require.NoError(t, err)
	return got
}

func TestTransferStopAndWaitWholeFile(t *testing.T) {
	content := bytes.Repeat([]byte("abcd"), 1024) // 4096 bytes, 4 chunks at 1024 cap
	got := runTransferPair(t, config.StopAndWait, 1, content)
	assert.Equal(t, content, got)
}

func TestTransferSelectiveRepeatWholeFile(t *testing.T) {
	content := bytes.Repeat([]byte("wxyz"), 2048) // 8192 bytes, 8 chunks
	got := runTransferPair(t, config.SelectiveRepeat, 4, content)
	assert.Equal(t, content, got)
}

func TestTransferEmptyFile(t *testing.T) {
	got := runTransferPair(t, config.StopAndWait, 1, nil)
	assert.Empty(t, got)
}

// corruptEveryNth wraps a session.Conn and flips a byte inside the
// checksum field of every Nth outgoing datagram, forcing the peer's
// wire.Decode to reject it — a deterministic stand-in for "checksum
// corrupted on every third packet": the receiver must silently drop each
// corrupted segment and let Selective Repeat's retransmit timer recover it
// rather than surface a CodecError to the transfer layer.
type corruptEveryNth struct {
	session.Conn
	n     int
	count int
}

func (c *corruptEveryNth) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.count++
	if c.count%c.n == 0 && len(p) >= wire.HeaderLen {
		b := append([]byte(nil), p...)
		b[8] ^= 0xff
		return c.Conn.WriteTo(b, addr)
	}
	return c.Conn.WriteTo(p, addr)
}

func TestTransferSurvivesCorruptedChecksum(t *testing.T) {
	senderConn, receiverConn := udpPair(t)
	cfg := config.Default()
	cfg.SocketTimeout = 20 * time.Millisecond
	cfg.Window = 4
	protocol := config.SelectiveRepeat

	corruptedSender := &corruptEveryNth{Conn: senderConn, n: 3}

	senderEngine := arq.NewSelectiveRepeat(session.PacketSender(corruptedSender, receiverConn.LocalAddr()), cfg.Window, cfg.SocketTimeout, rlog.Dlog())
	receiverEngine := arq.NewSelectiveRepeat(session.PacketSender(receiverConn, senderConn.LocalAddr()), cfg.Window, cfg.SocketTimeout, rlog.Dlog())

	senderSession := session.New(cfg, corruptedSender, receiverConn.LocalAddr(), session.RoleSender, session.OpUpload, protocol, rlog.Dlog(), senderEngine, session.StateEstablished, nil)
	receiverSession := session.New(cfg, receiverConn, senderConn.LocalAddr(), session.RoleReceiver, session.OpUpload, protocol, rlog.Dlog(), receiverEngine, session.StateEstablished, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveErrs := make(chan error, 2)
	go func() { serveErrs <- senderSession.Serve(ctx) }()
	go func() { serveErrs <- receiverSession.Serve(ctx) }()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/src", 0o755))
	require.NoError(t, fs.MkdirAll("/dst", 0o755))
	content := bytes.Repeat([]byte("qrstuv"), 3000) // several windows' worth of chunks
	require.NoError(t, afero.WriteFile(fs, "/src/file.bin", content, 0o644))

	src, err := storage.OpenSource(fs, "/src", "file.bin")
	require.NoError(t, err)
	defer src.Close()

	sink, err := storage.CreateSink(fs, "/dst", "file.bin")
	require.NoError(t, err)

	recvErrs := make(chan error, 2)
	go func() { recvErrs <- RunReceiver(ctx, receiverSession, sink, rlog.Dlog()) }()
	go func() { recvErrs <- RunSender(ctx, senderSession, src, rlog.Dlog()) }()

	require.NoError(t, <-recvErrs)
	require.NoError(t, <-recvErrs)
	require.NoError(t, <-serveErrs)
	require.NoError(t, <-serveErrs)

	got, err := afero.ReadFile(fs, "/dst/file.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
