// Package rdtcli holds the bits shared by all three CLI binaries (spec
// §6): the -v/-q verbosity flags wired to dlog through a logrus backend,
// the way the teacher's userd.Command wires dlog into a long-running
// service, and the bad-argument marker RunE uses to ask main for exit
// code 2.
package rdtcli

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// BadArgs marks a RunE error as spec §6's "bad arguments" case (exit code
// 2 on every CLI) rather than a runtime failure.
type BadArgs struct{ Reason string }

func (e BadArgs) Error() string { return e.Reason }

// Verbosity holds the -v/-q flags, mutually exclusive per spec §6.
type Verbosity struct {
	Verbose bool
	Quiet   bool
}

// AddFlags registers -v/-q on cmd's flag set.
func (v *Verbosity) AddFlags(flags *pflag.FlagSet) {
	flags.BoolVarP(&v.Verbose, "verbose", "v", false, "log at debug level")
	flags.BoolVarP(&v.Quiet, "quiet", "q", false, "log only warnings and errors")
}

// Validate rejects -v and -q together.
func (v Verbosity) Validate() error {
	if v.Verbose && v.Quiet {
		return BadArgs{Reason: "-v and -q are mutually exclusive"}
	}
	return nil
}

// WithLogger installs a logrus-backed dlog.Logger in ctx at the level v
// selects, the same dlog.WithLogger wiring the teacher's daemon
// entrypoints use before any dlog.Info/Errorf call can be observed.
func (v Verbosity) WithLogger(ctx context.Context) context.Context {
	l := logrus.New()
	switch {
	case v.Verbose:
		l.SetLevel(logrus.DebugLevel)
	case v.Quiet:
		l.SetLevel(logrus.WarnLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	return dlog.WithLogger(ctx, dlog.WrapLogrus(l))
}
