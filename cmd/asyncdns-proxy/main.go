// Listen for inbound DNS queries and forward them through the asyncdns resolver engine
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/markdingo/asyncdns"
	"github.com/markdingo/asyncdns/internal/constants"
	"github.com/markdingo/asyncdns/internal/osutil"
	"github.com/markdingo/asyncdns/internal/reporter"
	"github.com/markdingo/asyncdns/internal/sysconfig"

	"github.com/google/gops/agent"
	"github.com/hashicorp/go-hclog"
)

// Program-wide variables
var (
	consts           = constants.Get()
	cfg              *config
	listenTransports = []string{}

	stdout io.Writer // All I/O goes via these writers
	stderr io.Writer

	startTime                = time.Now()
	mainStarted, mainStopped bool // Record state transitions thru main (used by tests)
	stopChannel              chan os.Signal
	flagSet                  *flag.FlagSet
)

//////////////////////////////////////////////////////////////////////

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ProxyProgramName, ": ")
	fmt.Fprintln(stderr, args...)

	return 1
}

func stopMain() {
	stopChannel <- syscall.SIGINT
}

//////////////////////////////////////////////////////////////////////
// main wrappers make it easy for test programs
//////////////////////////////////////////////////////////////////////

// mainInit resets everything such that mainExecute() can be called multiple times in one program
// execution. stopChannel is buffered as the reader may disappear if there is a fatal error and
// multiple writers may try and write to the channel and we don't want those writers to stall
// forever.
func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	listenTransports = []string{}
	stdout = out
	stderr = err
	mainStarted = false
	mainStopped = false
	stopChannel = make(chan os.Signal, 4) // All reasonable signals cause us to quit or stats report
	osutil.SignalNotify(stopChannel)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	err := parseCommandLine(args)
	if err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProxyProgramName, "Version:", consts.Version)
		return 0
	}

	// Validate transport settings

	if cfg.udp {
		listenTransports = append(listenTransports, consts.DNSUDPTransport)
	}
	if cfg.tcp {
		listenTransports = append(listenTransports, consts.DNSTCPTransport)
	}
	if len(listenTransports) == 0 {
		return fatal("Must have one of --tcp or --udp set")
	}

	if cfg.listenAddresses.NArg() == 0 { // Use wildcard if none supplied
		cfg.listenAddresses.Set("")
	}

	level := hclog.Info
	if cfg.verbose {
		level = hclog.Debug
	}
	log := hclog.New(&hclog.LoggerOptions{Name: consts.ProxyProgramName, Level: level, Output: stdout})

	// Upstream servers and retry suggestions come from resolv.conf

	sysConf, err := sysconfig.Load(cfg.resolvConf)
	if err != nil {
		return fatal(err)
	}
	timeout := cfg.timeout
	if timeout == 0 {
		timeout = sysConf.Timeout
	}
	tries := cfg.tries
	if tries == 0 {
		tries = sysConf.Attempts
	}

	var channelFlags asyncdns.Flags
	if !cfg.noEDNS {
		channelFlags = asyncdns.FlagEDNS
	}

	// Start CPU profiling now that most error checking is complete

	if len(cfg.cpuprofile) > 0 {
		f, err := os.Create(cfg.cpuprofile)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	// Memory profile is triggered at the end of the program but we open the output file and
	// hold it open prior to any possible chroot/setuid/setgid action.

	var memProfileFile *os.File
	if len(cfg.memprofile) > 0 {
		memProfileFile, err = os.Create(cfg.memprofile)
		if err != nil {
			return fatal(err)
		}
		defer memProfileFile.Close()
	}

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal(err)
		}
		defer agent.Close()
	}

	// The forwarder owns the resolver engine for the life of the program

	fwd, err := newForwarder(asyncdns.Config{
		Servers:       serverAddrs(sysConf),
		Flags:         channelFlags,
		Timeout:       timeout,
		Tries:         tries,
		Rotate:        cfg.rotate,
		UDPMaxQueries: cfg.udpMaxQueries,
		Logger:        log.Named("engine"),
	}, log)
	if err != nil {
		return fatal(err)
	}

	var watcher *sysconfig.Watcher
	if cfg.watchResolvConf {
		watcher, err = sysconfig.NewWatcher(cfg.resolvConf, log, func(newConf *sysconfig.Config) {
			fwd.setServers(serverAddrs(newConf))
		})
		if err != nil {
			return fatal(err)
		}
	}

	// Start a listen server per address per transport

	var servers []*server
	var reporters []reporter.Reporter // Keep track of all reportable listeners
	errorChan := make(chan error, 8)
	var wg sync.WaitGroup
	for _, addr := range cfg.listenAddresses.Args() {
		for _, transport := range listenTransports {
			srv := &server{stdout: stdout, forwarder: fwd,
				listenAddress: addr, transport: transport}
			srv.start(errorChan, &wg)
			servers = append(servers, srv)
			reporters = append(reporters, srv)
			log.Info("listening", "transport", transport, "address", addr)
		}
	}

	// Constrain the process now that all sockets are open

	err = osutil.Constrain(cfg.setuidName, cfg.setgidName, cfg.chrootDir)
	if err != nil {
		return fatal(err)
	}
	if cfg.verbose {
		fmt.Fprintln(stdout, osutil.ConstraintReport())
	}

	mainStarted = true
	rc := signalLoop(fwd, reporters, errorChan, log)
	mainStopped = true

	if watcher != nil {
		watcher.Close()
	}
	for _, srv := range servers {
		srv.stop()
	}
	wg.Wait()
	fwd.stop()

	if memProfileFile != nil {
		runtime.GC()
		pprof.WriteHeapProfile(memProfileFile)
	}

	return rc
}

// signalLoop blocks until a terminating signal or a server failure. USR1 and the periodic ticker
// emit statistics reports.
func signalLoop(fwd *forwarder, reporters []reporter.Reporter, errorChan chan error, log hclog.Logger) int {
	var tick <-chan time.Time
	if cfg.statusInterval > 0 {
		ticker := time.NewTicker(cfg.statusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case sig := <-stopChannel:
			if osutil.IsSignalUSR1(sig) {
				printReports(fwd, reporters)
				continue
			}
			log.Info("signal exit", "signal", sig.String(), "uptime",
				time.Now().Sub(startTime).Truncate(time.Second))
			return 0

		case <-tick:
			printReports(fwd, reporters)

		case err := <-errorChan:
			if err != nil {
				fatal(err)
				return 1
			}
		}
	}
}

// printReports writes every reporter's statistics to stdout, one prefixed line each. The engine's
// own report travels through the forwarder as the channel may only be touched by its go-routine.
func printReports(fwd *forwarder, reporters []reporter.Reporter) {
	now := time.Now().Format("2006-01-02T15:04:05")
	for _, line := range strings.Split(fwd.report(), "\n") {
		fmt.Fprintln(stdout, now, "Engine:", line)
	}
	for _, rep := range reporters {
		for _, line := range strings.Split(rep.Report(true), "\n") {
			fmt.Fprintln(stdout, now, rep.Name()+":", line)
		}
	}
}

// serverAddrs converts the sysconfig server list into engine server addresses.
func serverAddrs(sysConf *sysconfig.Config) []asyncdns.ServerAddr {
	var servers []asyncdns.ServerAddr
	for _, ap := range sysConf.Servers {
		servers = append(servers, asyncdns.ServerAddr{Addr: ap.Addr(),
			UDPPort: ap.Port(), TCPPort: ap.Port()})
	}

	return servers
}
