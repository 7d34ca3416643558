package asyncdns

import (
	"fmt"

	"github.com/markdingo/asyncdns/internal/reporter"
)

// The channel produces periodic statistics the same way every other reportable in this package
// tree does.
var _ reporter.Reporter = (*Channel)(nil)

// dfx = Drop indeX into the silent-drop counter array. Drops never drive retry policy - the
// affected query, if any, simply keeps waiting for its deadline - but they are worth counting
// because a rising drop rate is the visible symptom of both misbehaving servers and spoofing
// attempts.

type dfxInt int

const (
	dfxParse            dfxInt = iota // Response bytes would not parse
	dfxQidMiss                        // No live query with that transaction id
	dfxQuestionMismatch               // Question section did not echo the query
	dfxWrongSource                    // UDP datagram from an unexpected address
	dfxArraySize
)

// cfx = Completion indeX into the terminal status counter array.

type cfxInt int

const (
	cfxTimeout cfxInt = iota
	cfxServFail
	cfxRefused
	cfxNotImp
	cfxConnRefused
	cfxBadFamily
	cfxCancelled
	cfxOther
	cfxArraySize
)

// channelStats is kept as a separate struct from Channel so that resetting is trivial and
// future-proof via the simple expedient of a struct copy.
type channelStats struct {
	submitted int // Queries accepted from callers
	attempts  int // Wire attempts, including re-sends
	retries   int // Attempts beyond each query's first

	success       int
	timeoutEvents int // Individual attempt expiries (a query can contribute several)
	connErrors    int
	tcpPromotions int
	ednsFallbacks int

	terminal [cfxArraySize]int
	drops    [dfxArraySize]int
}

func (t *channelStats) resetCounters() {
	*t = channelStats{}
}

// countTerminal buckets a completed query by its terminal status.
func (t *Channel) countTerminal(status Status) {
	switch status {
	case StatusSuccess:
		t.success++
	case StatusTimeout:
		t.terminal[cfxTimeout]++
	case StatusServFail:
		t.terminal[cfxServFail]++
	case StatusRefused:
		t.terminal[cfxRefused]++
	case StatusNotImp:
		t.terminal[cfxNotImp]++
	case StatusConnRefused:
		t.terminal[cfxConnRefused]++
	case StatusBadFamily:
		t.terminal[cfxBadFamily]++
	case StatusCancelled:
		t.terminal[cfxCancelled]++
	default:
		t.terminal[cfxOther]++
	}
}

func (t *Channel) Name() string {
	return "Channel"
}

/*
Report returns a single-line string showing stats suitable for printing to a log file. Zero
counters if resetCounters is true.

Totals: q=70 att=82 rt=12 ok=61 to=9 conn=1 tc=2 edns=1 errs=9 (9/0/0/0/0/0/0/0) drops=3 (0/1/2/0)
        ^    ^      ^     ^     ^    ^      ^    ^      ^       ^                 ^       ^
        |    |      |     |     |    |      |    |      |       |                 |       +--Parse/id-miss/question/source
        |    |      |     |     |    |      |    |      |       +--Timeout/ServFail/Refused/NotImp/ConnRef/Family/Cancel/Other
        |    |      |     |     |    |      |    |      +--Failed queries
        |    |      |     |     |    |      |    +--EDNS0 downgrades
        |    |      |     |     |    |      +--Truncation promotions to TCP
        |    |      |     |     |    +--Connection failures
        |    |      |     |     +--Expired attempts
        |    |      |     +--Successful queries
        |    |      +--Re-send attempts
        |    +--Wire attempts
        +--Queries submitted
*/
func (t *Channel) Report(resetCounters bool) string {
	errs := 0
	for _, v := range t.terminal {
		errs += v
	}
	dropped := 0
	for _, v := range t.drops {
		dropped += v
	}

	report := fmt.Sprintf("Totals: q=%d att=%d rt=%d ok=%d to=%d conn=%d tc=%d edns=%d errs=%d (%s) drops=%d (%s)",
		t.submitted, t.attempts, t.retries, t.success, t.timeoutEvents, t.connErrors,
		t.tcpPromotions, t.ednsFallbacks, errs,
		formatCounters("%d", "/", t.terminal[:]),
		dropped, formatCounters("%d", "/", t.drops[:]))

	if resetCounters {
		t.channelStats.resetCounters()
	}

	return report
}

// formatCounters returns a nice %d/%d/%d format from an array of ints. This is less error-prone
// than hard-coding one big ol' Sprintf string but obviously slower which is irrelevant here.
func formatCounters(vfmt string, delim string, vals []int) string {
	res := ""
	for ix, v := range vals {
		if ix > 0 {
			res += delim
		}
		res += fmt.Sprintf(vfmt, v)
	}

	return res
}
