package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"

	tc "github.com/linnemanlabs/tripwire/internal/cfg"
)

const envPrefix = "TRIPWIRE_"

// config gathers the flag-backed settings of every package the server wires.
type config struct {
	app     tc.Config
	http    httpserver.Config
	httpmw  httpmw.Config
	log     log.Config
	ops     opshttp.Config
	prof    prof.Config
	trace   otelx.Config
	version bool
}

func (c *config) register(fs *flag.FlagSet) {
	c.app.RegisterFlags(fs)
	c.http.RegisterFlags(fs)
	c.httpmw.RegisterFlags(fs)
	c.log.RegisterFlags(fs)
	c.ops.RegisterFlags(fs)
	c.prof.RegisterFlags(fs)
	c.trace.RegisterFlags(fs)
	fs.BoolVar(&c.version, "V", false, "Print version+build information and exit")
}

// load parses args, then fills anything left unset from TRIPWIRE_ env vars.
// Flags given on the command line win over the environment.
func (c *config) load(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.version {
		return nil
	}
	cfg.FillFromEnv(fs, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	return c.validate()
}

func (c *config) validate() error {
	if err := errors.Join(
		c.app.Validate(),
		c.http.Validate(),
		c.httpmw.Validate(),
		c.log.Validate(),
		c.ops.Validate(),
		c.prof.Validate(),
		c.trace.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.app.APIPort == c.ops.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", c.app.APIPort)
	}
	return nil
}
