package server

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqtransfer/rdt/pkg/rdt/client"
	"github.com/arqtransfer/rdt/pkg/rdt/config"
	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
	"github.com/arqtransfer/rdt/pkg/rdt/session"
	"github.com/arqtransfer/rdt/pkg/rdt/wire"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Port = 0
	cfg.SocketTimeout = 30 * time.Millisecond
	cfg.MaxSynRetries = 40
	cfg.Dir = "/srv"
	return cfg
}

func startDemux(t *testing.T, cfg config.Config, fs afero.Fs) (*Demultiplexer, func()) {
	t.Helper()
	d, err := New(cfg, fs, rlog.Dlog())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- d.Run(ctx) }()

	return d, func() {
		cancel()
		<-runErrCh
	}
}

func serverAddrConfig(cfg config.Config, d *Demultiplexer) config.Config {
	udpAddr := d.Addr().(*net.UDPAddr)
	cfg.Port = udpAddr.Port
	return cfg
}

func TestUploadThenDownloadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()
	d, stop := startDemux(t, cfg, fs)
	defer stop()

	clientCfg := serverAddrConfig(cfg, d)

	content := []byte("the quick brown fox jumps over the lazy dog, repeated many times\n")
	big := make([]byte, 0, len(content)*200)
	for i := 0; i < 200; i++ {
		big = append(big, content...)
	}

	localFs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(localFs, "/local/src.txt", big, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := client.Upload(ctx, localFs, client.UploadRequest{
		Cfg:        clientCfg,
		SourcePath: "/local/src.txt",
		RemoteName: "uploaded.txt",
		Protocol:   config.SelectiveRepeat,
	}, rlog.Dlog())
	require.NoError(t, err)

	remoteBytes, err := afero.ReadFile(fs, "/srv/uploaded.txt")
	require.NoError(t, err)
	assert.Equal(t, big, remoteBytes)

	dlFs := afero.NewMemMapFs()
	err = client.Download(ctx, dlFs, client.DownloadRequest{
		Cfg:        clientCfg,
		RemoteName: "uploaded.txt",
		DestPath:   "/local/dst.txt",
		Protocol:   config.SelectiveRepeat,
	}, rlog.Dlog())
	require.NoError(t, err)

	dlBytes, err := afero.ReadFile(dlFs, "/local/dst.txt")
	require.NoError(t, err)
	assert.Equal(t, big, dlBytes)
}

// TestConcurrentUploadsDistinctFiles drives two simultaneous uploads of
// distinct filenames through one Demultiplexer with a small Selective
// Repeat window, asserting each worker's session lands its own bytes
// without cross-talk between the two ephemeral-port sockets.
func TestConcurrentUploadsDistinctFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.Window = 3
	d, stop := startDemux(t, cfg, fs)
	defer stop()

	clientCfg := serverAddrConfig(cfg, d)

	contentA := bytes.Repeat([]byte("A"), 1024*9+17)
	contentB := bytes.Repeat([]byte("B"), 1024*11+3)

	localFs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(localFs, "/local/a.txt", contentA, 0o644))
	require.NoError(t, afero.WriteFile(localFs, "/local/b.txt", contentB, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- client.Upload(ctx, localFs, client.UploadRequest{
			Cfg: clientCfg, SourcePath: "/local/a.txt", RemoteName: "a.txt", Protocol: config.SelectiveRepeat,
		}, rlog.Dlog())
	}()
	go func() {
		errCh <- client.Upload(ctx, localFs, client.UploadRequest{
			Cfg: clientCfg, SourcePath: "/local/b.txt", RemoteName: "b.txt", Protocol: config.SelectiveRepeat,
		}, rlog.Dlog())
	}()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	gotA, err := afero.ReadFile(fs, "/srv/a.txt")
	require.NoError(t, err)
	assert.Equal(t, contentA, gotA)

	gotB, err := afero.ReadFile(fs, "/srv/b.txt")
	require.NoError(t, err)
	assert.Equal(t, contentB, gotB)
}

// TestKilledClientFreesWorkerSlot simulates a client process dying
// mid-transfer: it completes the handshake, sends one DATA segment, then
// goes silent forever (no FIN). With a one-worker pool, a second upload
// can only succeed once the server has noticed the first session is idle
// past MaxIdle and reclaimed its slot — proving a dead client never leaks
// a worker or its ephemeral-port socket.
func TestKilledClientFreesWorkerSlot(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxIdle = 150 * time.Millisecond
	d, stop := startDemux(t, cfg, fs)
	defer stop()

	clientCfg := serverAddrConfig(cfg, d)
	serverAddr := &net.UDPAddr{IP: net.ParseIP(clientCfg.Addr), Port: clientCfg.Port}

	deadConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer deadConn.Close()

	req := session.Request{Op: session.OpUpload, Filename: "killed.txt", Protocol: config.StopAndWait}
	_, sessionAddr, err := session.ClientHandshake(context.Background(), deadConn, serverAddr, req, clientCfg, rlog.Dlog())
	require.NoError(t, err)

	dataPkt, err := wire.Encode(wire.NewData(0, []byte("partial")).Header, []byte("partial"))
	require.NoError(t, err)
	_, err = deadConn.WriteTo(dataPkt, sessionAddr)
	require.NoError(t, err)
	// deadConn falls silent from here on: no FIN, no more DATA.

	localFs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(localFs, "/local/second.txt", []byte("second upload content"), 0o644))

	var uploadErr error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		uploadErr = client.Upload(ctx, localFs, client.UploadRequest{
			Cfg:        clientCfg,
			SourcePath: "/local/second.txt",
			RemoteName: "second.txt",
			Protocol:   config.StopAndWait,
		}, rlog.Dlog())
		cancel()
		if uploadErr == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, uploadErr, "server never freed the dead client's worker slot")

	got, err := afero.ReadFile(fs, "/srv/second.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("second upload content"), got)
}

func TestDownloadMissingFileFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()
	d, stop := startDemux(t, cfg, fs)
	defer stop()

	clientCfg := serverAddrConfig(cfg, d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dlFs := afero.NewMemMapFs()
	err := client.Download(ctx, dlFs, client.DownloadRequest{
		Cfg:        clientCfg,
		RemoteName: "nope.txt",
		DestPath:   "/local/dst.txt",
		Protocol:   config.StopAndWait,
	}, rlog.Dlog())
	require.Error(t, err)
}
