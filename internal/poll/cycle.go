package poll

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"oclean-bridge/internal/protocol"
	"oclean-bridge/internal/session"
	"oclean-bridge/internal/utils"
)

// frameBuffer bounds how many undrained notifications a cycle holds before
// dropping; the device bursts at most a handful of frames per request.
const frameBuffer = 64

// cycle is the per-connection reconciliation state. It is owned by exactly
// one goroutine: the transport callback only feeds the frames channel, all
// decoding and merging happens on the cycle goroutine.
type cycle struct {
	log    *slog.Logger
	frames chan []byte

	// snapshot is the one in-flight session of this cycle. Paginated records
	// with older timestamps are complete on arrival and go straight into
	// historical; push enrichments only ever pertain to the newest session.
	snapshot   *session.Snapshot
	historical []session.Record

	// primaryTS records accepted primary timestamps in arrival order; the
	// pagination loop uses it to compute per-page outcomes.
	primaryTS []int64
	seenTS    map[int64]bool

	status       *protocol.DeviceStatus
	decodeFailed bool
}

func newCycle(log *slog.Logger) *cycle {
	return &cycle{
		log:    log,
		frames: make(chan []byte, frameBuffer),
		seenTS: make(map[int64]bool),
	}
}

// onFrame is the transport notification callback. It must not block: when
// the cycle goroutine is behind, the frame is dropped with a diagnostic.
func (c *cycle) onFrame(frame []byte) {
	data := append([]byte(nil), frame...)
	select {
	case c.frames <- data:
	default:
		c.log.Warn("notification dropped, frame buffer full", "raw", utils.BytesToHex(data))
	}
}

// drain processes inbound frames until the wait window closes, the context
// is cancelled, or until() is satisfied. A timeout here is not an error: the
// cycle proceeds with whatever has accumulated.
func (c *cycle) drain(ctx context.Context, window time.Duration, until func() bool) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		if until != nil && until() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case raw := <-c.frames:
			c.handleFrame(raw)
		}
	}
}

func (c *cycle) handleFrame(raw []byte) {
	ft, payload := protocol.Classify(raw)
	switch ft {
	case protocol.FrameStatus:
		st, derr := protocol.DecodeStatus(payload)
		if derr != nil {
			c.log.Debug("status decode failed", "reason", derr, "raw", utils.BytesToHex(raw))
			return
		}
		c.status = &st

	case protocol.FrameInfo:
		rec, derr := protocol.DecodeInfo(payload)
		if derr != nil {
			c.log.Debug("info decode failed", "reason", derr, "raw", utils.BytesToHex(raw))
			c.decodeFailed = true
			return
		}
		c.acceptPrimary(rec)

	case protocol.FrameInfoType1:
		rec, derr := protocol.DecodeInfoType1(payload)
		if derr != nil {
			c.log.Debug("type1 info decode failed", "reason", derr, "raw", utils.BytesToHex(raw))
			c.decodeFailed = true
			return
		}
		c.acceptPrimary(rec)

	case protocol.FrameScore:
		c.mergeEnrichment(protocol.DecodeScore(payload))

	case protocol.FrameArea:
		c.mergeEnrichment(protocol.DecodeArea(payload))

	case protocol.FrameMetadata:
		c.mergeEnrichment(protocol.DecodeMetadata(payload))

	case protocol.FrameRealtimeGuidance:
		g, derr := protocol.DecodeGuidance(payload)
		if derr != nil {
			c.log.Debug("guidance decode failed", "reason", derr)
			return
		}
		// Live guidance is diagnostic only, never part of a session.
		c.log.Debug("realtime guidance",
			"zone", g.ActiveZone, "brushing", g.Brushing(), "state", g.WorkingState)

	case protocol.FrameDeviceInfoAck, protocol.FrameWearResetAck:
		c.log.Debug("command acknowledged", "type", ft.String(), "ok", protocol.IsAckOK(payload))

	default:
		c.log.Debug("unknown notification", "raw", utils.BytesToHex(raw))
	}
}

// acceptPrimary routes a decoded primary running-data record. The first one
// opens the cycle snapshot; older ones arriving during pagination are
// complete and close immediately; a second record at or above the open
// snapshot's timestamp is a protocol-sequencing anomaly that discards the
// prior snapshot and starts fresh.
func (c *cycle) acceptPrimary(rec protocol.PartialRecord) {
	ts := *rec.TimestampUTC
	if c.seenTS[ts] {
		// Re-notified record; merge so late fields still land.
		if c.snapshot != nil && c.snapshot.TimestampUTC() == ts {
			c.snapshot.Merge(rec)
		}
		return
	}
	c.seenTS[ts] = true

	if c.snapshot == nil || !c.snapshot.HasPrimary() {
		if c.snapshot == nil {
			c.snapshot = &session.Snapshot{}
		}
		c.snapshot.Merge(rec)
		c.primaryTS = append(c.primaryTS, ts)
		return
	}

	current := c.snapshot.TimestampUTC()
	if ts < current {
		s := &session.Snapshot{}
		s.Merge(rec)
		if r, ok := s.Close(); ok {
			c.historical = append(c.historical, r)
			c.primaryTS = append(c.primaryTS, ts)
		}
		return
	}

	c.log.Warn("sequencing anomaly: second primary record before snapshot close, discarding prior",
		"prior_ts", current, "new_ts", ts)
	c.snapshot = &session.Snapshot{}
	c.snapshot.Merge(rec)
	c.primaryTS = append(c.primaryTS, ts)
}

// mergeEnrichment folds a push notification (score, area, metadata) into the
// open snapshot, opening one if the push arrives before any primary record.
func (c *cycle) mergeEnrichment(rec protocol.PartialRecord, derr *protocol.DecodeError) {
	if derr != nil {
		c.log.Debug("enrichment decode failed", "source", rec.Source.String(), "reason", derr)
		return
	}
	if rec.Empty() {
		return
	}
	if c.snapshot == nil {
		c.snapshot = &session.Snapshot{}
	}
	// Newer timestamp wins. A 5A00 push can describe an earlier session than
	// the concurrent info response; letting it through would rewind the open
	// snapshot below the watermark and lose the newest session.
	if rec.TimestampUTC != nil {
		if current := c.snapshot.TimestampUTC(); current != 0 && *rec.TimestampUTC < current {
			c.log.Debug("stale enrichment dropped",
				"source", rec.Source.String(), "ts", *rec.TimestampUTC, "snapshot_ts", current)
			return
		}
	}
	c.snapshot.Merge(rec)
}

// recordCount is the number of accepted primary records so far.
func (c *cycle) recordCount() int { return len(c.primaryTS) }

// pageOutcome returns the newest timestamp and record count accepted since
// the given mark, for the pagination controller.
func (c *cycle) pageOutcome(mark int) (newestTS int64, count int) {
	for _, ts := range c.primaryTS[mark:] {
		if ts > newestTS {
			newestTS = ts
		}
	}
	return newestTS, len(c.primaryTS) - mark
}

// collect closes the snapshot and returns all session records of the cycle
// in ascending timestamp order.
func (c *cycle) collect() []session.Record {
	records := append([]session.Record(nil), c.historical...)
	if c.snapshot != nil {
		if r, ok := c.snapshot.Close(); ok {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].TimestampUTC < records[j].TimestampUTC
	})
	return records
}
