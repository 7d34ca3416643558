// Issue traditional DNS queries using the asyncdns resolver engine
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/markdingo/asyncdns"
	"github.com/markdingo/asyncdns/internal/constants"
	"github.com/markdingo/asyncdns/internal/sysconfig"

	"github.com/google/gops/agent"
	"github.com/hashicorp/go-hclog"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"
)

// Program-wide variables
var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer
	stderr io.Writer

	flagSet *flag.FlagSet
)

//////////////////////////////////////////////////////////////////////

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.DigProgramName, ": ")
	fmt.Fprintln(stderr, args...)

	return 1
}

//////////////////////////////////////////////////////////////////////
// main is a wrapper for mainExecute() so tests can call mainExecute()
//////////////////////////////////////////////////////////////////////

func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
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
		fmt.Fprintln(stdout, consts.DigProgramName, "Version:", consts.Version)
		return 0
	}

	if cfg.repeatCount < 0 {
		return fatal("Repeat count (-r) must be GE zero, not", cfg.repeatCount)
	}
	if cfg.port < 1 || cfg.port > 65535 {
		return fatal("Port (-p) out of range:", cfg.port)
	}

	// Validate qName/qType from the remaining command line

	remainingOptions := flagSet.NArg()
	optionIndex := 0
	if remainingOptions < 1 {
		return fatal("Require FQDN on command line. Consider -h")
	}
	qName := dns.Fqdn(flagSet.Arg(optionIndex))
	optionIndex++
	remainingOptions--

	qTypeString := dns.TypeToString[dns.TypeA]
	if remainingOptions > 0 {
		qTypeString = strings.ToUpper(flagSet.Arg(optionIndex))
		optionIndex++
		remainingOptions--
	}
	qType, ok := dns.StringToType[qTypeString]
	if !ok {
		return fatal("Unrecognized qType of", qTypeString)
	}
	if remainingOptions > 0 {
		return fatal("Don't know what to do with residual goop on command line:", flagSet.Arg(optionIndex))
	}

	// Assemble the server list: -s options win outright, otherwise resolv.conf supplies both
	// the servers and its timeout/attempts suggestions.

	var servers []asyncdns.ServerAddr
	timeout := cfg.timeout
	tries := cfg.tries
	if cfg.servers.NArg() > 0 {
		for _, addr := range cfg.servers.Args() {
			servers = append(servers, asyncdns.ServerAddr{Addr: addr,
				UDPPort: uint16(cfg.port), TCPPort: uint16(cfg.port)})
		}
	} else {
		sysConf, err := sysconfig.Load(cfg.resolvConf)
		if err != nil {
			return fatal(err)
		}
		for _, ap := range sysConf.Servers {
			servers = append(servers, asyncdns.ServerAddr{Addr: ap.Addr(),
				UDPPort: ap.Port(), TCPPort: ap.Port()})
		}
		timeout = durationOrDefault(cfg.timeout, sysConf.Timeout)
		if tries == 0 {
			tries = sysConf.Attempts
		}
	}

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal(err)
		}
		defer agent.Close()
	}

	level := hclog.Warn
	if cfg.verbose {
		level = hclog.Debug
	}
	log := hclog.New(&hclog.LoggerOptions{Name: consts.DigProgramName, Level: level, Output: stderr})

	var flags asyncdns.Flags
	if cfg.edns {
		flags |= asyncdns.FlagEDNS
	}
	if cfg.ignoreTC {
		flags |= asyncdns.FlagIgnTC
	}

	channel, err := asyncdns.New(asyncdns.Config{
		Servers: servers,
		Flags:   flags,
		Timeout: timeout,
		Tries:   tries,
		Rotate:  cfg.rotate,
		Logger:  log,
	})
	if err != nil {
		return fatal(err)
	}
	defer channel.Destroy()

	// Submit all the queries then crank the engine until every callback has fired

	exitCode := 0
	for qx := 0; qx < cfg.repeatCount; qx++ {
		query := &dns.Msg{}
		query.SetQuestion(qName, qType)
		startTime := time.Now()
		channel.SendMsg(query, func(status asyncdns.Status, timeouts int, reply []byte) {
			if status != asyncdns.StatusSuccess {
				fmt.Fprintln(stderr, "Error:", status, "timeouts:", timeouts)
				exitCode = 1
				return
			}
			printReply(reply, timeouts, time.Now().Sub(startTime))
		})
	}

	err = pollLoop(channel)
	if err != nil {
		return fatal(err)
	}

	return exitCode
}

// pollLoop drives the engine with poll(2) until no queries remain outstanding.
func pollLoop(channel *asyncdns.Channel) error {
	for channel.Pending() > 0 {
		readFds, writeFds := channel.GetSock()

		want := make(map[int]int16)
		for _, fd := range readFds {
			want[fd] |= unix.POLLIN
		}
		for _, fd := range writeFds {
			want[fd] |= unix.POLLOUT
		}
		pfds := make([]unix.PollFd, 0, len(want))
		for fd, events := range want {
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
		}

		waitMs := int(channel.Timeout(time.Second) / time.Millisecond)
		n, err := unix.Poll(pfds, waitMs)
		if err != nil && err != unix.EINTR {
			return err
		}

		var readyReads, readyWrites []int
		if n > 0 {
			for _, p := range pfds {
				// Errors and hangups surface through the read path
				if p.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
					readyReads = append(readyReads, int(p.Fd))
				}
				if p.Revents&unix.POLLOUT != 0 {
					readyWrites = append(readyWrites, int(p.Fd))
				}
			}
		}
		channel.Process(readyReads, readyWrites)
	}

	return nil
}

func printReply(reply []byte, timeouts int, duration time.Duration) {
	msg := &dns.Msg{}
	if msg.Unpack(reply) != nil {
		fmt.Fprintln(stderr, "Error: unparseable response of", len(reply), "bytes")
		return
	}

	if cfg.short {
		for _, rr := range msg.Answer {
			fmt.Fprintln(stdout, rr.String())
		}
		return
	}

	fmt.Fprintln(stdout, msg)
	fmt.Fprintf(stdout, ";; Query Time: %s\n", duration.Truncate(time.Millisecond).String())
	fmt.Fprintf(stdout, ";; Timeouts: %d\n", timeouts)
	fmt.Fprintf(stdout, ";; Payload Size: %d\n", len(reply))
	fmt.Fprintln(stdout)
}
