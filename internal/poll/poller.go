package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"oclean-bridge/internal/mqtt"
	"oclean-bridge/internal/protocol"
	"oclean-bridge/internal/session"
	"oclean-bridge/internal/store"
)

// disRefreshInterval bounds how often the Device Information Service strings
// are re-read; they only change after a firmware update.
const disRefreshInterval = 24 * time.Hour

// Sink receives accepted sessions and status reports. *mqtt.Client
// implements it.
type Sink interface {
	PublishSession(msg mqtt.SessionMessage) error
	PublishStatus(msg mqtt.StatusMessage) error
}

// Options are the per-cycle timing bounds.
type Options struct {
	CycleTimeout     time.Duration
	NotificationWait time.Duration
	PageWait         time.Duration
	MaxPages         int
}

// Poller owns one device: its transport, its watermark, and its poll loop.
// The mutex enforces single-flight per device; cycles for different devices
// are independent.
type Poller struct {
	mac       string
	transport Transport
	repo      store.Repository
	sink      Sink
	opts      Options
	log       *slog.Logger

	mu sync.Mutex

	// lastBattery carries the battery level across cycles so a failed poll
	// still reports the device with its last known charge.
	lastBattery *int
}

func New(mac string, t Transport, repo store.Repository, sink Sink, opts Options, log *slog.Logger) *Poller {
	return &Poller{
		mac:       mac,
		transport: t,
		repo:      repo,
		sink:      sink,
		opts:      opts,
		log:       log.With("device", mac),
	}
}

// Run polls the device on the given interval until ctx is cancelled. The
// first cycle starts immediately.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.RunCycle(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("poll cycle failed", "error", err)
			p.publishUnreachable()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle executes one complete poll cycle under the cycle deadline.
// Returns ErrCycleInFlight if the previous cycle is still running.
func (p *Poller) RunCycle(ctx context.Context) error {
	if !p.mu.TryLock() {
		return ErrCycleInFlight
	}
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.opts.CycleTimeout)
	defer cancel()

	return p.runCycle(ctx)
}

func (p *Poller) runCycle(ctx context.Context) error {
	wm, err := p.repo.LoadWatermark(p.mac)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}

	c := newCycle(p.log)

	if err := p.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := p.transport.Disconnect(); err != nil {
			p.log.Debug("disconnect", "error", err)
		}
	}()

	if err := p.transport.CalibrateTime(ctx, time.Now()); err != nil {
		p.log.Warn("time calibration failed", "error", err)
	}
	p.maybeReadDeviceInfo(ctx)

	if err := p.transport.Subscribe(c.onFrame); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := p.transport.QueryStatus(ctx); err != nil {
		p.log.Warn("status query failed", "error", err)
	}

	if err := p.paginate(ctx, c, wm.LastSessionTS); err != nil {
		return err
	}

	battery := p.readBattery(ctx, c)

	// A cycle that blew its deadline is abandoned here: the unclosed
	// snapshot is discarded, never dedup-checked, so an incomplete session
	// can't be imported as if it were final.
	if ctx.Err() != nil {
		return fmt.Errorf("cycle deadline exceeded: %w", ctx.Err())
	}

	records := c.collect()
	imported, err := p.importRecords(records, &wm)
	if err != nil {
		return err
	}

	p.log.Info("poll cycle complete",
		"records", len(records),
		"imported", imported,
		"last_session_ts", wm.LastSessionTS,
		"wear_count", wm.WearCount,
	)

	p.publishStatus(c.status, battery, &wm)
	return nil
}

// paginate drives the running-data request plus the older-page protocol.
// Page 0 is the initial query; later pages reuse the same decoders.
func (p *Poller) paginate(ctx context.Context, c *cycle, watermarkTS int64) error {
	pager := session.NewPager(watermarkTS, p.opts.MaxPages)
	for pager.Next() {
		mark := c.recordCount()

		var reqErr error
		var window time.Duration
		if pager.Requested() == 1 {
			reqErr = p.transport.QueryRunningData(ctx)
			window = p.opts.NotificationWait
		} else {
			reqErr = p.transport.QueryNextPage(ctx)
			window = p.opts.PageWait
		}
		if reqErr != nil {
			if pager.Requested() == 1 {
				return fmt.Errorf("running-data query: %w", reqErr)
			}
			p.log.Debug("page request failed", "page", pager.Requested()-1, "error", reqErr)
			pager.Fail()
			break
		}

		c.drain(ctx, window, func() bool { return c.recordCount() > mark })
		if ctx.Err() != nil {
			return fmt.Errorf("cycle deadline exceeded: %w", ctx.Err())
		}
		if c.decodeFailed {
			pager.Fail()
			break
		}
		pager.Observe(c.pageOutcome(mark))
	}

	// A page drain ends as soon as its primary record lands, so score and
	// per-zone pushes from the last page may still be in flight. Give them
	// one more window before the snapshot closes.
	c.drain(ctx, p.opts.PageWait, nil)
	if ctx.Err() != nil {
		return fmt.Errorf("cycle deadline exceeded: %w", ctx.Err())
	}

	if pager.Truncated() {
		p.log.Warn("pagination truncated at page ceiling; older sessions remain unfetched",
			"pages", pager.Requested())
	} else {
		p.log.Debug("pagination done", "pages", pager.Requested(), "reason", pager.Reason().String())
	}
	return nil
}

// importRecords runs the accepted records through the watermark in ascending
// timestamp order, persisting and publishing only the genuinely new ones.
// The watermark is saved after each accepted record so a mid-cycle failure
// cannot re-import what was already emitted.
func (p *Poller) importRecords(records []session.Record, wm *session.Watermark) (int, error) {
	imported := 0
	for _, rec := range records {
		if wm.Admit(rec.TimestampUTC) != session.New {
			p.log.Debug("session already imported", "ts", rec.TimestampUTC)
			continue
		}

		if rec.WearIndicator != nil {
			// Hardware counter present: it is authoritative from now on.
			wm.WearHW = true
			wm.WearCount = *rec.WearIndicator
		} else if !wm.WearHW {
			wm.WearCount++
		}

		if err := p.repo.InsertSession(p.mac, rec); err != nil {
			return imported, err
		}
		if err := p.repo.SaveWatermark(*wm); err != nil {
			return imported, err
		}
		if err := p.sink.PublishSession(sessionMessage(p.mac, rec)); err != nil {
			p.log.Warn("session publish failed", "ts", rec.TimestampUTC, "error", err)
		}
		imported++
	}
	return imported, nil
}

func (p *Poller) readBattery(ctx context.Context, c *cycle) *int {
	if ctx.Err() != nil {
		return p.lastBattery
	}
	b, err := p.transport.ReadBattery(ctx)
	if err != nil {
		p.log.Warn("battery read failed", "error", err)
	} else if b >= 0 && b <= 100 {
		p.lastBattery = &b
	}
	if p.lastBattery == nil && c.status != nil {
		p.lastBattery = c.status.Battery
	}
	return p.lastBattery
}

func (p *Poller) maybeReadDeviceInfo(ctx context.Context) {
	dev, err := p.repo.GetDevice(p.mac)
	if err != nil {
		p.log.Debug("device lookup failed before DIS read", "error", err)
		return
	}
	if !dev.DISReadAt.IsZero() && time.Since(dev.DISReadAt) < disRefreshInterval {
		return
	}
	info, err := p.transport.ReadDeviceInfo(ctx)
	if err != nil {
		p.log.Debug("device info read skipped", "error", err)
		return
	}
	if info.Model == "" && info.SWVersion == "" {
		return
	}
	if err := p.repo.UpdateDeviceInfo(p.mac, info.Model, info.HWRevision, info.SWVersion); err != nil {
		p.log.Warn("device info update failed", "error", err)
		return
	}
	p.log.Debug("device info refreshed", "model", info.Model, "sw", info.SWVersion)
}

// ResetWearCounter connects briefly to send the wear-counter reset command,
// then clears the persisted counter. Shares the single-flight lock with the
// poll cycle.
func (p *Poller) ResetWearCounter(ctx context.Context) error {
	if !p.mu.TryLock() {
		return ErrCycleInFlight
	}
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.opts.CycleTimeout)
	defer cancel()

	if err := p.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := p.transport.Disconnect(); err != nil {
			p.log.Debug("disconnect", "error", err)
		}
	}()

	if err := p.transport.ResetWearCounter(ctx); err != nil {
		return fmt.Errorf("wear counter reset: %w", err)
	}

	wm, err := p.repo.LoadWatermark(p.mac)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	wm.WearCount = 0
	if err := p.repo.SaveWatermark(wm); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	p.log.Info("wear counter reset")
	return nil
}

func (p *Poller) publishStatus(st *protocol.DeviceStatus, battery *int, wm *session.Watermark) {
	msg := mqtt.StatusMessage{
		MAC:       p.mac,
		Timestamp: time.Now().UTC(),
		Battery:   battery,
		WearCount: &wm.WearCount,
		Reachable: true,
	}
	if st != nil {
		msg.IsBrushing = st.IsBrushing
	}
	if err := p.sink.PublishStatus(msg); err != nil {
		p.log.Warn("status publish failed", "error", err)
	}
}

// publishUnreachable reports the device offline with its last known battery
// level rather than dropping availability entirely.
func (p *Poller) publishUnreachable() {
	msg := mqtt.StatusMessage{
		MAC:       p.mac,
		Timestamp: time.Now().UTC(),
		Battery:   p.lastBattery,
		Reachable: false,
	}
	if err := p.sink.PublishStatus(msg); err != nil {
		p.log.Debug("status publish failed", "error", err)
	}
}

func sessionMessage(mac string, rec session.Record) mqtt.SessionMessage {
	msg := mqtt.SessionMessage{
		MAC:            mac,
		TimestampUTC:   rec.TimestampUTC,
		DurationS:      rec.DurationS,
		ValidDurationS: rec.ValidDurationS,
		Score:          rec.Score,
		SchemeID:       rec.SchemeID,
		SchemeType:     rec.SchemeType,
		Overcross:      rec.OvercrossCount,
		WearIndicator:  rec.WearIndicator,
		Pressure:       rec.Pressure,
		Source:         rec.Source.String(),
	}
	if rec.SchemeID != nil {
		msg.SchemeName = protocol.SchemeName(*rec.SchemeID)
	}
	if len(rec.ZonePressures) > 0 {
		msg.Zones = make(map[string]uint8, len(rec.ZonePressures))
		for z, v := range rec.ZonePressures {
			msg.Zones[z.String()] = v
		}
	}
	return msg
}
