// Command download fetches a file from an RDT server, per spec §6's
// `download` CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/arqtransfer/rdt/cmd/internal/rdtcli"
	"github.com/arqtransfer/rdt/pkg/rdt/client"
	"github.com/arqtransfer/rdt/pkg/rdt/config"
	"github.com/arqtransfer/rdt/pkg/rdt/rdterr"
	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	envCfg, err := config.FromEnv(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "download:", err)
		return 2
	}

	var (
		verbosity    rdtcli.Verbosity
		addr         string
		port         int
		destPath     string
		remoteName   string
		protocolFlag string
	)

	cmd := &cobra.Command{
		Use:           "download",
		Short:         "Download a file from an RDT server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := verbosity.Validate(); err != nil {
				return err
			}
			if remoteName == "" {
				return rdtcli.BadArgs{Reason: "-n is required"}
			}
			protocol, err := config.ParseProtocol(protocolFlag)
			if err != nil {
				return rdtcli.BadArgs{Reason: err.Error()}
			}

			dest := destPath
			if dest == "" {
				dest = remoteName
			}

			cfg := envCfg
			cfg.Addr = addr
			cfg.Port = port

			ctx := verbosity.WithLogger(cmd.Context())
			req := client.DownloadRequest{
				Cfg:        cfg,
				RemoteName: remoteName,
				DestPath:   dest,
				Protocol:   protocol,
			}
			return client.Download(ctx, afero.NewOsFs(), req, rlog.Dlog())
		},
	}

	flags := cmd.Flags()
	verbosity.AddFlags(flags)
	flags.StringVarP(&addr, "addr", "H", envCfg.Addr, "server address (env RDT_ADDR)")
	flags.IntVarP(&port, "port", "p", envCfg.Port, "server port (env RDT_PORT)")
	flags.StringVarP(&destPath, "dest", "d", "", "local destination path (default: current directory, server-provided name)")
	flags.StringVarP(&remoteName, "name", "n", "", "remote file name (required)")
	flags.StringVarP(&protocolFlag, "protocol", "r", "stop_and_wait", "stop_and_wait|selective_repeat")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, filepath.Base(os.Args[0])+":", err)
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	var badArgs rdtcli.BadArgs
	if errors.As(err, &badArgs) {
		return 2
	}
	var dstErr client.DestinationError
	if errors.As(err, &dstErr) {
		return 3
	}
	var peerErr rdterr.PeerError
	if errors.As(err, &peerErr) {
		if peerErr.Reason == "file not found" {
			return 5
		}
		return 4
	}
	return 1
}
