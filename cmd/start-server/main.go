// Command start-server runs the RDT listener/worker-pool demultiplexer
// described in spec §4.6, with the flags spec §6 names for it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/arqtransfer/rdt/cmd/internal/rdtcli"
	"github.com/arqtransfer/rdt/pkg/rdt/config"
	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
	"github.com/arqtransfer/rdt/pkg/rdt/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	envCfg, err := config.FromEnv(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "start-server:", err)
		return 2
	}

	var (
		verbosity rdtcli.Verbosity
		addr      string
		port      int
		dir       string
	)

	cmd := &cobra.Command{
		Use:           "start-server",
		Short:         "Serve uploads and downloads over the RDT protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := verbosity.Validate(); err != nil {
				return err
			}
			cfg := envCfg
			cfg.Addr = addr
			cfg.Port = port
			cfg.Dir = dir

			ctx := verbosity.WithLogger(cmd.Context())
			fs := afero.NewOsFs()

			d, err := server.New(cfg, fs, rlog.Dlog())
			if err != nil {
				return err
			}
			dlog.Infof(ctx, "start-server: listening on %s", d.Addr())
			return d.Run(ctx)
		},
	}

	flags := cmd.Flags()
	verbosity.AddFlags(flags)
	flags.StringVarP(&addr, "addr", "H", envCfg.Addr, "bind address (env RDT_ADDR)")
	flags.IntVarP(&port, "port", "p", envCfg.Port, "bind port (env RDT_PORT)")
	flags.StringVarP(&dir, "storage", "s", envCfg.Dir, "storage directory (env RDT_DIR)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "start-server:", err)
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	var badArgs rdtcli.BadArgs
	if errors.As(err, &badArgs) {
		return 2
	}
	// Everything else - bind failure, a mid-run I/O error - is spec §6's
	// generic "1 bind failure" code; start-server has no finer-grained cases.
	return 1
}
