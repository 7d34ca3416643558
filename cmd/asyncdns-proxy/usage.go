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
          {{.ProxyProgramName}} -- a forwarding DNS proxy over the asyncdns resolver engine

SYNOPSIS
          {{.ProxyProgramName}} [options]

DESCRIPTION
          {{.ProxyProgramName}} listens for traditional DNS queries on UDP and TCP and forwards
          each one to the upstream name servers found in resolv.conf, with retry, server
          rotation, EDNS0 downgrade and truncation fallback handled by the shared resolver
          engine. With -w the upstream server list follows resolv.conf as it changes on disk.

          Responses larger than a UDP client can accept are truncated honoring any EDNS0
          size the client advertised; an upstream TC=1 is never cleared.

EXAMPLES
            # {{.ProxyProgramName}} -a 127.0.0.1:53 --udp --tcp
            # {{.ProxyProgramName}} -a :5353 --udp -c /etc/resolv.conf -w -i 5m
            # {{.ProxyProgramName}} -a :53 --udp --tcp --setuid nobody --chroot /var/empty

OPTIONS
          [-hv] [--version]

          [-a listen address...] [--udp] [--tcp]

          [-c resolv.conf path] [-w] [-i status report interval]

          [-t per-attempt timeout] [--tries per-server attempts]
          [--rotate] [--no-edns] [--udp-max-queries n]

          [--log-client-out]

          [--setuid user] [--setgid group] [--chroot directory]

          [--gops] [--cpu-profile file] [--mem-profile file]
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
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose logging to Stdout")
	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	flagSet.Var(&cfg.listenAddresses, "a", "Listen `address` for inbound DNS queries (repeatable)")
	flagSet.BoolVar(&cfg.udp, "udp", false, "Listen on UDP")
	flagSet.BoolVar(&cfg.tcp, "tcp", false, "Listen on TCP")

	flagSet.StringVar(&cfg.resolvConf, "c", "/etc/resolv.conf", "resolv.conf `path` supplying upstream servers")
	flagSet.BoolVar(&cfg.watchResolvConf, "w", false, "Re-load upstream servers when resolv.conf changes")
	flagSet.DurationVar(&cfg.statusInterval, "i", 15*time.Minute, "Status report `interval` (0 = never)")

	flagSet.DurationVar(&cfg.timeout, "t", 0, "Upstream per-attempt `timeout` (0 = resolv.conf or engine default)")
	flagSet.IntVar(&cfg.tries, "tries", 0, "Upstream per-server `attempts` (0 = resolv.conf or engine default)")
	flagSet.BoolVar(&cfg.rotate, "rotate", false, "Start successive queries at successive upstream servers")
	flagSet.BoolVar(&cfg.noEDNS, "no-edns", false, "Do not advertise EDNS0 on upstream queries")
	flagSet.IntVar(&cfg.udpMaxQueries, "udp-max-queries", 0, "Retire an upstream UDP socket after `n` queries (0 = never)")

	flagSet.BoolVar(&cfg.logClientOut, "log-client-out", false, "Print the DNS response returned to the client")

	flagSet.StringVar(&cfg.setuidName, "setuid", "", "Downgrade process to `user` after listen sockets open")
	flagSet.StringVar(&cfg.setgidName, "setgid", "", "Downgrade process to `group` after listen sockets open")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "Chroot to `directory` after listen sockets open")

	// gops and go pprof settings
	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")
	flagSet.StringVar(&cfg.cpuprofile, "cpu-profile", "", "Write a CPU profile to `file` at exit")
	flagSet.StringVar(&cfg.memprofile, "mem-profile", "", "Write a memory profile to `file` at exit")

	return flagSet.Parse(args[1:])
}
