// Package transfer implements the four file-transfer operations of spec
// §4.5 atop a session.Session and a storage FileSource/FileSink: upload
// sender, upload receiver, download sender, download receiver. None of
// these functions know whether they're running in the client process or a
// server worker — they only see the Session and storage abstractions,
// exactly the "external collaborator" boundary spec §1 draws around
// FileSource/FileSink/Logger.
package transfer

import (
	"context"
	"io"

	"github.com/arqtransfer/rdt/pkg/rdt/config"
	"github.com/arqtransfer/rdt/pkg/rdt/rdterr"
	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
	"github.com/arqtransfer/rdt/pkg/rdt/session"
	"github.com/arqtransfer/rdt/pkg/rdt/storage"
)

// RunSender drives the sending half of a transfer (upload's client side or
// download's server side): read chunks from src in order and offer each to
// the session's ARQ engine, then drain and send FIN once every segment is
// acknowledged (spec §4.5).
func RunSender(ctx context.Context, s *session.Session, src storage.FileSource, log rlog.Logger) error {
	offset := int64(0)
	for {
		select {
		case <-s.Done():
			if err := s.Err(); err != nil {
				return err
			}
			return nil
		default:
		}

		chunk, err := src.ReadAt(ctx, offset, config.MaxPayload)
		if err != nil && err != io.EOF {
			s.AbortLocalIO(ctx, err)
			return rdterr.LocalIO{Err: err}
		}
		// A final short read may return its bytes together with io.EOF.
		if len(chunk) > 0 {
			if err := s.OfferSend(ctx, chunk); err != nil {
				return err
			}
			offset += int64(len(chunk))
		}
		if err == io.EOF {
			break
		}
	}

	if err := s.FinishSending(ctx); err != nil {
		return err
	}

	select {
	case <-s.Done():
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunReceiver drives the receiving half of a transfer (upload's server
// side or download's client side): consume chunks delivered in order from
// the session and append them to dst, finalizing once the session closes
// cleanly (peer's FIN processed) or aborting on error.
func RunReceiver(ctx context.Context, s *session.Session, dst storage.FileSink, log rlog.Logger) error {
	for {
		select {
		case chunk, ok := <-s.Chunks():
			if !ok {
				if err := s.Err(); err != nil {
					_ = dst.Abort(ctx)
					return err
				}
				return dst.Finalize(ctx)
			}
			if err := dst.Append(ctx, chunk); err != nil {
				_ = dst.Abort(ctx)
				s.AbortLocalIO(ctx, err)
				return rdterr.LocalIO{Err: err}
			}
		case <-ctx.Done():
			_ = dst.Abort(ctx)
			return ctx.Err()
		}
	}
}
