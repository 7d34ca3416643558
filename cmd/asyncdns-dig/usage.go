package main

import (
	"fmt"
	"io"
	"text/template"
	"time"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative tty
// width for the usage output.

const usageMessageTemplate = `
NAME
          {{.DigProgramName}} -- a traditional DNS query program

SYNOPSIS
          {{.DigProgramName}} [options] FQDN [DNS-qType]

DESCRIPTION
          {{.DigProgramName}} issues DNS queries over UDP and TCP to traditional name servers.
          Only qClass=IN is supported. If a DNS-qType is not supplied then qType=A is used.

          Name servers are taken from -s options if any are present, otherwise from the
          resolv.conf nominated with -c. Retry, rotation, EDNS0 downgrade and truncation
          fallback to TCP all behave exactly as they do for a long-running forwarder because
          {{.DigProgramName}} purposely uses the same resolver engine as {{.ProxyProgramName}}.

          **********
          Production Use Alert: {{.DigProgramName}} is a diagnostic program which will almost certainly
          change with each new package release. Please do not rely on its current behaviour
          or output format and definitely do not use it in a shell script.
          **********

EXAMPLES
            $ {{.DigProgramName}} yahoo.com MX
            $ {{.DigProgramName}} -s 8.8.8.8 -s 8.8.4.4 --rotate yahoo.com AAAA
            $ {{.DigProgramName}} -c /etc/resolv.conf --no-edns --short yahoo.com

OPTIONS
          [-hv] [--short] [--version]

          [-s name server address...] [-p port] [-c resolv.conf path]

          [-r repeat count] [-t per-attempt timeout] [--tries per-server attempts]

          [--no-edns] [--rotate] [--ignore-tc]

          [--gops]
`

//////////////////////////////////////////////////////////////////////

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err) // We've messed up our template
	}
	err = tmpl.Execute(out, consts)
	if err != nil {
		panic(err) // We've messed up our template
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses the supplied command line
// arguments. It starts from scratch each time to make it easier for test wrappers to use.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose engine logging to Stderr")
	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	flagSet.Var(&cfg.servers, "s", "Name server `address` to query (repeatable; overrides -c)")
	flagSet.IntVar(&cfg.port, "p", 53, "`Port` applied to -s name servers")
	flagSet.StringVar(&cfg.resolvConf, "c", "/etc/resolv.conf", "resolv.conf `path` consulted when no -s servers")

	flagSet.IntVar(&cfg.repeatCount, "r", 1, "`Number` of times to issue the query (GE zero)")
	flagSet.IntVar(&cfg.tries, "tries", 0, "Per-server `attempts` (0 = resolv.conf or engine default)")
	flagSet.DurationVar(&cfg.timeout, "t", 0, "Per-attempt `timeout` (0 = resolv.conf or engine default)")

	edns := flagSet.Bool("no-edns", false, "Do not advertise EDNS0 on outbound queries")
	flagSet.BoolVar(&cfg.rotate, "rotate", false, "Start successive queries at successive servers")
	flagSet.BoolVar(&cfg.ignoreTC, "ignore-tc", false, "Deliver truncated responses; never re-query over TCP")

	flagSet.BoolVar(&cfg.short, "short", false, "Generate short output showing only Answer RRs")

	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")

	err := flagSet.Parse(args[1:])
	cfg.edns = !*edns

	return err
}

// durationOrDefault prefers the explicit flag, then the resolv.conf value, then zero which lets
// the engine apply its own default.
func durationOrDefault(flagValue, fromConf time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}

	return fromConf
}
