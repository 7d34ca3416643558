package main

/*

The asyncdns channel is single-threaded by contract while dns.Server handlers arrive on arbitrary
go-routines, so one go-routine here owns the channel outright and everything else talks to it over
buffered channels. The engine go-routine alternates between draining its control channels and
polling the resolver sockets; a self-pipe breaks it out of poll(2) whenever control traffic
arrives so submissions never wait out a poll timeout.

*/

import (
	"time"

	"github.com/markdingo/asyncdns"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

type forwardResult struct {
	status asyncdns.Status
	reply  []byte
}

type submitRequest struct {
	wire   []byte
	respCh chan forwardResult
}

type forwarder struct {
	log     hclog.Logger
	channel *asyncdns.Channel

	submitCh chan submitRequest
	serverCh chan []asyncdns.ServerAddr
	reportCh chan chan string
	stopCh   chan struct{}
	doneCh   chan struct{}

	wakeRead  int
	wakeWrite int
}

func newForwarder(config asyncdns.Config, log hclog.Logger) (*forwarder, error) {
	t := &forwarder{
		log:      log,
		submitCh: make(chan submitRequest, 128),
		serverCh: make(chan []asyncdns.ServerAddr, 1),
		reportCh: make(chan chan string, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	var err error
	t.channel, err = asyncdns.New(config)
	if err != nil {
		return nil, err
	}

	var fds [2]int
	err = unix.Pipe(fds[:])
	if err != nil {
		return nil, err
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	t.wakeRead = fds[0]
	t.wakeWrite = fds[1]

	go t.run()

	return t, nil
}

// wake breaks the engine go-routine out of poll(2). A full pipe means the engine is hopelessly
// behind on wakeups already so the write error is ignorable.
func (t *forwarder) wake() {
	unix.Write(t.wakeWrite, []byte{0})
}

// resolve submits one wire-format query and blocks the calling go-routine until its callback
// fires. Safe from any go-routine.
func (t *forwarder) resolve(wire []byte) (asyncdns.Status, []byte) {
	respCh := make(chan forwardResult, 1)
	t.submitCh <- submitRequest{wire: wire, respCh: respCh}
	t.wake()
	res := <-respCh

	return res.status, res.reply
}

// setServers hands a replacement server list to the engine. An unapplied older list is
// superseded rather than queued - only the newest resolv.conf matters.
func (t *forwarder) setServers(servers []asyncdns.ServerAddr) {
	select {
	case <-t.serverCh:
	default:
	}
	t.serverCh <- servers
	t.wake()
}

// report fetches and resets the engine's statistics line.
func (t *forwarder) report() string {
	respCh := make(chan string, 1)
	t.reportCh <- respCh
	t.wake()

	return <-respCh
}

// stop shuts the engine down. Outstanding queries complete with a cancellation status.
func (t *forwarder) stop() {
	close(t.stopCh)
	t.wake()
	<-t.doneCh
}

func (t *forwarder) run() {
	defer close(t.doneCh)

	for {
	drain:
		for {
			select {
			case req := <-t.submitCh:
				respCh := req.respCh
				t.channel.Send(req.wire,
					func(status asyncdns.Status, timeouts int, reply []byte) {
						respCh <- forwardResult{status: status, reply: reply}
					})

			case servers := <-t.serverCh:
				err := t.channel.SetServers(servers)
				if err != nil { // Queries in flight; the next reload will catch up
					t.log.Warn("deferred server list change", "error", err)
				} else {
					t.log.Info("server list replaced", "servers", len(servers))
				}

			case respCh := <-t.reportCh:
				respCh <- t.channel.Report(true)

			case <-t.stopCh:
				t.channel.Destroy()
				unix.Close(t.wakeRead)
				unix.Close(t.wakeWrite)
				return

			default:
				break drain
			}
		}

		readFds, writeFds := t.channel.GetSock()
		want := make(map[int]int16)
		want[t.wakeRead] = unix.POLLIN
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

		waitMs := int(t.channel.Timeout(time.Second) / time.Millisecond)
		n, err := unix.Poll(pfds, waitMs)
		if err != nil && err != unix.EINTR {
			t.log.Error("poll failed", "error", err)
			time.Sleep(100 * time.Millisecond) // Don't spin on a persistent failure
		}

		var readyReads, readyWrites []int
		if n > 0 {
			for _, p := range pfds {
				if int(p.Fd) == t.wakeRead {
					if p.Revents&unix.POLLIN != 0 {
						var junk [64]byte
						for {
							n, err := unix.Read(t.wakeRead, junk[:])
							if n <= 0 || err != nil {
								break
							}
						}
					}
					continue
				}
				if p.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
					readyReads = append(readyReads, int(p.Fd))
				}
				if p.Revents&unix.POLLOUT != 0 {
					readyWrites = append(readyWrites, int(p.Fd))
				}
			}
		}
		t.channel.Process(readyReads, readyWrites)
	}
}
