package session

// TermReason records why pagination stopped.
type TermReason int

const (
	TermNone TermReason = iota
	TermEmptyPage
	TermWatermark
	TermDecodeFailure
	TermMaxPages
)

func (r TermReason) String() string {
	switch r {
	case TermEmptyPage:
		return "empty-page"
	case TermWatermark:
		return "watermark-reached"
	case TermDecodeFailure:
		return "decode-failure"
	case TermMaxPages:
		return "max-pages"
	}
	return "running"
}

// Pager drives the "fetch older sessions" protocol for one cycle. The caller
// requests a page whenever Next returns true, then reports the outcome with
// Observe or Fail. State is per-cycle and discarded afterwards.
//
// Termination is guaranteed within maxPages requests: an empty page, a
// decode failure, or a page whose newest record is not newer than the
// watermark all stop immediately; the page ceiling stops with a truncation
// flag (older sessions simply remain for a future cycle, since the watermark
// has not advanced past them).
type Pager struct {
	watermarkTS int64
	maxPages    int

	requested  int
	newestSeen int64
	reason     TermReason
	done       bool
}

// NewPager returns a pager bounded by the cycle watermark and page ceiling.
func NewPager(watermarkTS int64, maxPages int) *Pager {
	return &Pager{watermarkTS: watermarkTS, maxPages: maxPages}
}

// Next reports whether another page request is warranted, counting the
// request when it is.
func (p *Pager) Next() bool {
	if p.done {
		return false
	}
	if p.requested >= p.maxPages {
		p.done = true
		p.reason = TermMaxPages
		return false
	}
	p.requested++
	return true
}

// Observe records the outcome of the last requested page: the newest session
// timestamp it carried and how many records it held.
func (p *Pager) Observe(newestTS int64, count int) {
	if p.done {
		return
	}
	if count == 0 {
		p.done = true
		p.reason = TermEmptyPage
		return
	}
	p.newestSeen = newestTS
	if newestTS <= p.watermarkTS {
		p.done = true
		p.reason = TermWatermark
	}
}

// Fail records a decode failure on the last requested page; pagination stops.
func (p *Pager) Fail() {
	if p.done {
		return
	}
	p.done = true
	p.reason = TermDecodeFailure
}

// Done reports whether pagination has terminated.
func (p *Pager) Done() bool { return p.done }

// Truncated reports whether the page ceiling cut pagination off with older
// sessions possibly unfetched.
func (p *Pager) Truncated() bool { return p.reason == TermMaxPages }

// Reason returns why pagination stopped, or TermNone while running.
func (p *Pager) Reason() TermReason { return p.reason }

// Requested returns how many pages were requested this cycle.
func (p *Pager) Requested() int { return p.requested }
