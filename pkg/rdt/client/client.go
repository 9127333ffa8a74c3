// Package client implements the two CLI-facing operations of spec §4.5
// from the requesting side: upload (local FileSource → remote FileSink)
// and download (remote FileSource → local FileSink). Both drive the same
// session.Session/transfer machinery the server worker uses; the only
// asymmetry is which side opens the handshake.
package client

import (
	"context"
	"fmt"
	"net"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/arqtransfer/rdt/pkg/rdt/config"
	"github.com/arqtransfer/rdt/pkg/rdt/rdterr"
	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
	"github.com/arqtransfer/rdt/pkg/rdt/session"
	"github.com/arqtransfer/rdt/pkg/rdt/storage"
	"github.com/arqtransfer/rdt/pkg/rdt/transfer"
)

// UploadRequest names the arguments for an upload, mirroring the `-s`/`-n`/
// `-r` flags of the `upload` CLI (spec §6).
type UploadRequest struct {
	Cfg        config.Config
	SourcePath string
	RemoteName string
	Protocol   config.Protocol
}

// DownloadRequest names the arguments for a download, mirroring the `-d`/
// `-n`/`-r` flags of the `download` CLI (spec §6).
type DownloadRequest struct {
	Cfg        config.Config
	RemoteName string
	DestPath   string
	Protocol   config.Protocol
}

// SourceError wraps a failure to open the local file an upload reads from,
// distinct from rdterr.LocalIO so cmd/upload can tell "can't read the
// source" (exit 3) apart from "can't reach the server" (exit 1).
type SourceError struct{ Err error }

func (e SourceError) Error() string { return fmt.Sprintf("source unreadable: %v", e.Err) }
func (e SourceError) Unwrap() error { return e.Err }

// DestinationError wraps a failure to create the local file a download
// writes to, distinct from rdterr.LocalIO so cmd/download can tell "can't
// write the destination" (exit 3) apart from "can't reach the server"
// (exit 1).
type DestinationError struct{ Err error }

func (e DestinationError) Error() string { return fmt.Sprintf("destination unwritable: %v", e.Err) }
func (e DestinationError) Unwrap() error { return e.Err }

func dial(cfg config.Config) (*net.UDPConn, net.Addr, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, nil, rdterr.LocalIO{Err: err}
	}
	serverAddr := &net.UDPAddr{IP: net.ParseIP(cfg.Addr), Port: cfg.Port}
	return conn, serverAddr, nil
}

// Upload reads srcFs:req.SourcePath and sends it to the server under
// req.RemoteName.
func Upload(ctx context.Context, srcFs afero.Fs, req UploadRequest, log rlog.Logger) error {
	conn, serverAddr, err := dial(req.Cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	srcDir, srcName := filepath.Split(req.SourcePath)
	src, err := storage.OpenSource(srcFs, srcDir, srcName)
	if err != nil {
		return SourceError{Err: err}
	}
	defer src.Close()

	request := session.Request{Op: session.OpUpload, Filename: req.RemoteName, Protocol: req.Protocol}
	_, sessionAddr, err := session.ClientHandshake(ctx, conn, serverAddr, request, req.Cfg, log)
	if err != nil {
		return err
	}

	engine := session.NewEngine(req.Protocol, session.PacketSender(conn, sessionAddr), req.Cfg, log)
	sess := session.New(req.Cfg, conn, sessionAddr, session.RoleSender, session.OpUpload, req.Protocol, log, engine, session.StateEstablished, nil)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- sess.Serve(ctx) }()

	opErr := transfer.RunSender(ctx, sess, src, log)
	serveErr := <-serveErrCh
	return combineErrors(opErr, serveErr)
}

// Download fetches req.RemoteName from the server and writes it under
// dstFs:req.DestPath.
func Download(ctx context.Context, dstFs afero.Fs, req DownloadRequest, log rlog.Logger) error {
	conn, serverAddr, err := dial(req.Cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	request := session.Request{Op: session.OpDownload, Filename: req.RemoteName, Protocol: req.Protocol}
	_, sessionAddr, err := session.ClientHandshake(ctx, conn, serverAddr, request, req.Cfg, log)
	if err != nil {
		return err
	}

	dstDir, dstName := filepath.Split(req.DestPath)
	if err := dstFs.MkdirAll(dstDir, 0o755); err != nil {
		return DestinationError{Err: err}
	}
	sink, err := storage.CreateSink(dstFs, dstDir, dstName)
	if err != nil {
		return DestinationError{Err: err}
	}

	engine := session.NewEngine(req.Protocol, session.PacketSender(conn, sessionAddr), req.Cfg, log)
	sess := session.New(req.Cfg, conn, sessionAddr, session.RoleReceiver, session.OpDownload, req.Protocol, log, engine, session.StateEstablished, nil)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- sess.Serve(ctx) }()

	opErr := transfer.RunReceiver(ctx, sess, sink, log)
	serveErr := <-serveErrCh
	return combineErrors(opErr, serveErr)
}

// combineErrors folds the transfer-operation error and the session
// event-loop error into one: usually only one is non-nil, but a hung
// transfer that both times out and fails local I/O needs both reported
// rather than the second silently dropped.
func combineErrors(errs ...error) error {
	var merged *multierror.Error
	for _, err := range errs {
		if err != nil {
			merged = multierror.Append(merged, err)
		}
	}
	return merged.ErrorOrNil()
}
