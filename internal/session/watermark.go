package session

// Decision is the outcome of checking a record against the import watermark.
type Decision int

const (
	Duplicate Decision = iota
	New
)

func (d Decision) String() string {
	if d == New {
		return "new"
	}
	return "duplicate"
}

// Watermark is the persisted per-device import state: the timestamp of the
// newest session ever imported, plus the wear-counter fallback. The device
// exposes no stable session identifier, only a timestamp, so dedup is a
// single-field high-watermark rather than a set of seen ids.
//
// Exactly one cycle goroutine owns a Watermark at a time; it is loaded at
// cycle start and persisted after each accepted session.
type Watermark struct {
	MAC           string
	LastSessionTS int64
	WearCount     int
	// WearHW latches true the first time the device reports a hardware wear
	// indicator; from then on the software session counter stops being
	// authoritative.
	WearHW bool
}

// Admit decides whether a session timestamp is genuinely new. On New the
// watermark advances; it never moves backward, so a later-arriving record
// with an earlier timestamp is Duplicate by definition. Idempotent and
// monotonic: replaying any sequence of records cannot corrupt state.
func (w *Watermark) Admit(ts int64) Decision {
	if ts > w.LastSessionTS {
		w.LastSessionTS = ts
		return New
	}
	return Duplicate
}
