// Command upload sends a local file to an RDT server, per spec §6's
// `upload` CLI.
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
		fmt.Fprintln(os.Stderr, "upload:", err)
		return 2
	}

	var (
		verbosity    rdtcli.Verbosity
		addr         string
		port         int
		srcPath      string
		remoteName   string
		protocolFlag string
	)

	cmd := &cobra.Command{
		Use:           "upload",
		Short:         "Upload a file to an RDT server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := verbosity.Validate(); err != nil {
				return err
			}
			if srcPath == "" {
				return rdtcli.BadArgs{Reason: "-s is required"}
			}
			if remoteName == "" {
				return rdtcli.BadArgs{Reason: "-n is required"}
			}
			protocol, err := config.ParseProtocol(protocolFlag)
			if err != nil {
				return rdtcli.BadArgs{Reason: err.Error()}
			}

			cfg := envCfg
			cfg.Addr = addr
			cfg.Port = port

			ctx := verbosity.WithLogger(cmd.Context())
			req := client.UploadRequest{
				Cfg:        cfg,
				SourcePath: srcPath,
				RemoteName: remoteName,
				Protocol:   protocol,
			}
			return client.Upload(ctx, afero.NewOsFs(), req, rlog.Dlog())
		},
	}

	flags := cmd.Flags()
	verbosity.AddFlags(flags)
	flags.StringVarP(&addr, "addr", "H", envCfg.Addr, "server address (env RDT_ADDR)")
	flags.IntVarP(&port, "port", "p", envCfg.Port, "server port (env RDT_PORT)")
	flags.StringVarP(&srcPath, "source", "s", "", "local file to upload (required)")
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
	var srcErr client.SourceError
	if errors.As(err, &srcErr) {
		return 3
	}
	var peerErr rdterr.PeerError
	if errors.As(err, &peerErr) {
		return 4
	}
	return 1
}
