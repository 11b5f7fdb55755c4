package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"oclean-bridge/internal/mqtt"
	"oclean-bridge/internal/session"
	"oclean-bridge/internal/store"
)

// extendedInfoFrame builds a 0308 extended running-data frame; the extended
// layout carries no wear indicator, which the wear-fallback tests rely on.
func extendedInfoFrame(minute byte) []byte {
	payload := []byte{
		0x00, 0x20, // record length 32, BE
		26, 2, 21, 10, minute, 28, // calendar
		21,         // scheme id
		0x00, 0x78, // duration 120s, BE
		0x00, 0x69, // valid duration 105s, BE
		0, 0, 0, 0, 0, 0,
		0, // tz
	}
	payload = append(payload, 10, 20, 30, 40, 50, 60, 70, 80)
	payload = append(payload, 87, 2, 0, 3)
	return append([]byte{0x03, 0x08}, payload...)
}

type fakeTransport struct {
	pages      [][][]byte // frames delivered per page request
	status     []byte     // frame delivered on QueryStatus
	battery    int
	batteryErr error
	connectErr error
	info       DeviceInfo

	onFrame    func([]byte)
	page       int
	connected  bool
	calibrated bool
	infoReads  int
	resets     int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) Subscribe(onFrame func(frame []byte)) error {
	f.onFrame = onFrame
	return nil
}

func (f *fakeTransport) CalibrateTime(ctx context.Context, now time.Time) error {
	f.calibrated = true
	return nil
}

func (f *fakeTransport) QueryStatus(ctx context.Context) error {
	if f.status != nil {
		f.onFrame(f.status)
	}
	return nil
}

func (f *fakeTransport) QueryRunningData(ctx context.Context) error {
	f.page = 0
	f.deliverPage()
	return nil
}

func (f *fakeTransport) QueryNextPage(ctx context.Context) error {
	f.page++
	f.deliverPage()
	return nil
}

func (f *fakeTransport) deliverPage() {
	if f.page >= len(f.pages) {
		return
	}
	for _, frame := range f.pages[f.page] {
		f.onFrame(frame)
	}
}

func (f *fakeTransport) ResetWearCounter(ctx context.Context) error {
	f.resets++
	return nil
}

func (f *fakeTransport) ReadBattery(ctx context.Context) (int, error) {
	if f.batteryErr != nil {
		return 0, f.batteryErr
	}
	return f.battery, nil
}

func (f *fakeTransport) ReadDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	f.infoReads++
	return f.info, nil
}

type fakeRepo struct {
	device   store.Device
	sessions []session.Record
	saves    int
}

func (r *fakeRepo) EnsureDevice(mac string) error { return nil }

func (r *fakeRepo) GetDevice(mac string) (store.Device, error) { return r.device, nil }

func (r *fakeRepo) Devices() ([]store.Device, error) { return []store.Device{r.device}, nil }

func (r *fakeRepo) LoadWatermark(mac string) (session.Watermark, error) {
	return session.Watermark{
		MAC:           mac,
		LastSessionTS: r.device.LastSessionTS,
		WearCount:     r.device.WearCount,
		WearHW:        r.device.WearHW,
	}, nil
}

func (r *fakeRepo) SaveWatermark(w session.Watermark) error {
	r.device.LastSessionTS = w.LastSessionTS
	r.device.WearCount = w.WearCount
	r.device.WearHW = w.WearHW
	r.saves++
	return nil
}

func (r *fakeRepo) InsertSession(mac string, rec session.Record) error {
	r.sessions = append(r.sessions, rec)
	return nil
}

func (r *fakeRepo) RecentSessions(mac string, limit int) ([]store.Session, error) {
	return nil, nil
}

func (r *fakeRepo) UpdateDeviceInfo(mac, model, hwRevision, swVersion string) error {
	r.device.Model = model
	r.device.HWRevision = hwRevision
	r.device.SWVersion = swVersion
	r.device.DISReadAt = time.Now()
	return nil
}

type fakeSink struct {
	sessions []mqtt.SessionMessage
	statuses []mqtt.StatusMessage
}

func (s *fakeSink) PublishSession(msg mqtt.SessionMessage) error {
	s.sessions = append(s.sessions, msg)
	return nil
}

func (s *fakeSink) PublishStatus(msg mqtt.StatusMessage) error {
	s.statuses = append(s.statuses, msg)
	return nil
}

func testOptions() Options {
	return Options{
		CycleTimeout:     5 * time.Second,
		NotificationWait: 200 * time.Millisecond,
		PageWait:         50 * time.Millisecond,
		MaxPages:         5,
	}
}

const testMAC = "AA:BB:CC:DD:EE:FF"

func TestRunCycleImportsNewSession(t *testing.T) {
	tr := &fakeTransport{
		pages:   [][][]byte{{simpleInfoFrame(44), scoreFrame(87)}},
		status:  statusFrame(false, 85),
		battery: 76,
		info:    DeviceInfo{Model: "Oclean X Pro", SWVersion: "3.1.2"},
	}
	repo := &fakeRepo{device: store.Device{MAC: testMAC}}
	sink := &fakeSink{}
	p := New(testMAC, tr, repo, sink, testOptions(), testLogger())

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() err = %v; want nil", err)
	}

	if len(repo.sessions) != 1 {
		t.Fatalf("imported %d sessions; want 1", len(repo.sessions))
	}
	rec := repo.sessions[0]
	if rec.TimestampUTC != frameTS(44) {
		t.Errorf("TimestampUTC = %d; want %d", rec.TimestampUTC, frameTS(44))
	}
	if rec.Score == nil || *rec.Score != 87 {
		t.Errorf("Score = %v; want the late push value 87", rec.Score)
	}

	if repo.device.LastSessionTS != frameTS(44) {
		t.Errorf("watermark = %d; want %d", repo.device.LastSessionTS, frameTS(44))
	}
	// The simple layout carries a hardware wear indicator (5); it is
	// authoritative.
	if !repo.device.WearHW || repo.device.WearCount != 5 {
		t.Errorf("wear = hw:%v count:%d; want hw:true count:5", repo.device.WearHW, repo.device.WearCount)
	}

	if len(sink.sessions) != 1 {
		t.Fatalf("published %d sessions; want 1", len(sink.sessions))
	}
	if sink.sessions[0].SchemeName != "Sensitive Cleaning" {
		t.Errorf("SchemeName = %q; want Sensitive Cleaning", sink.sessions[0].SchemeName)
	}
	if len(sink.statuses) != 1 {
		t.Fatalf("published %d statuses; want 1", len(sink.statuses))
	}
	st := sink.statuses[0]
	if !st.Reachable || st.Battery == nil || *st.Battery != 76 {
		t.Errorf("status = %+v; want reachable with battery 76", st)
	}

	if !tr.calibrated {
		t.Error("time calibration was not sent")
	}
	if repo.device.Model != "Oclean X Pro" {
		t.Errorf("device model = %q; want refreshed DIS strings", repo.device.Model)
	}
	if tr.connected {
		t.Error("transport still connected after the cycle")
	}
}

func TestRunCycleDeduplicates(t *testing.T) {
	tr := &fakeTransport{pages: [][][]byte{{simpleInfoFrame(44)}}}
	repo := &fakeRepo{device: store.Device{MAC: testMAC, LastSessionTS: frameTS(44), DISReadAt: time.Now()}}
	sink := &fakeSink{}
	p := New(testMAC, tr, repo, sink, testOptions(), testLogger())

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() err = %v; want nil", err)
	}
	if len(repo.sessions) != 0 {
		t.Errorf("imported %d sessions; want 0 for an already-seen timestamp", len(repo.sessions))
	}
	if len(sink.sessions) != 0 {
		t.Errorf("published %d sessions; want 0", len(sink.sessions))
	}
}

func TestRunCyclePaginatesToWatermark(t *testing.T) {
	tr := &fakeTransport{
		pages: [][][]byte{
			{simpleInfoFrame(44)},
			{simpleInfoFrame(30)},
			{simpleInfoFrame(15)}, // at the watermark: stop
		},
	}
	repo := &fakeRepo{device: store.Device{MAC: testMAC, LastSessionTS: frameTS(15), DISReadAt: time.Now()}}
	sink := &fakeSink{}
	p := New(testMAC, tr, repo, sink, testOptions(), testLogger())

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() err = %v; want nil", err)
	}

	if len(repo.sessions) != 2 {
		t.Fatalf("imported %d sessions; want 2", len(repo.sessions))
	}
	// Ascending import order so the watermark advances monotonically.
	if repo.sessions[0].TimestampUTC != frameTS(30) || repo.sessions[1].TimestampUTC != frameTS(44) {
		t.Errorf("import order = %d,%d; want %d,%d",
			repo.sessions[0].TimestampUTC, repo.sessions[1].TimestampUTC, frameTS(30), frameTS(44))
	}
	if repo.device.LastSessionTS != frameTS(44) {
		t.Errorf("watermark = %d; want %d", repo.device.LastSessionTS, frameTS(44))
	}
}

func TestRunCycleTerminalPagePushes(t *testing.T) {
	// The page drain returns as soon as the primary record lands; with the
	// page ceiling at 1 there is no further page drain to pick up the score
	// push that follows it.
	tr := &fakeTransport{pages: [][][]byte{{simpleInfoFrame(44), scoreFrame(87)}}}
	repo := &fakeRepo{device: store.Device{MAC: testMAC, DISReadAt: time.Now()}}
	sink := &fakeSink{}
	opts := testOptions()
	opts.MaxPages = 1
	p := New(testMAC, tr, repo, sink, opts, testLogger())

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() err = %v; want nil", err)
	}
	if len(repo.sessions) != 1 {
		t.Fatalf("imported %d sessions; want 1", len(repo.sessions))
	}
	if repo.sessions[0].Score == nil || *repo.sessions[0].Score != 87 {
		t.Errorf("Score = %v; want the trailing push value 87", repo.sessions[0].Score)
	}
}

func TestRunCycleWearFallback(t *testing.T) {
	t.Run("software counter increments without an indicator", func(t *testing.T) {
		tr := &fakeTransport{pages: [][][]byte{{extendedInfoFrame(44)}}}
		repo := &fakeRepo{device: store.Device{MAC: testMAC, WearCount: 3, DISReadAt: time.Now()}}
		p := New(testMAC, tr, repo, &fakeSink{}, testOptions(), testLogger())

		if err := p.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle() err = %v; want nil", err)
		}
		if repo.device.WearHW || repo.device.WearCount != 4 {
			t.Errorf("wear = hw:%v count:%d; want hw:false count:4", repo.device.WearHW, repo.device.WearCount)
		}
	})

	t.Run("latched hardware counter is not incremented", func(t *testing.T) {
		tr := &fakeTransport{pages: [][][]byte{{extendedInfoFrame(44)}}}
		repo := &fakeRepo{device: store.Device{MAC: testMAC, WearCount: 10, WearHW: true, DISReadAt: time.Now()}}
		p := New(testMAC, tr, repo, &fakeSink{}, testOptions(), testLogger())

		if err := p.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle() err = %v; want nil", err)
		}
		if !repo.device.WearHW || repo.device.WearCount != 10 {
			t.Errorf("wear = hw:%v count:%d; want hw:true count:10", repo.device.WearHW, repo.device.WearCount)
		}
	})
}

func TestRunCycleDecodeFailureStopsPagination(t *testing.T) {
	bad := simpleInfoFrame(44)
	bad[3] = 13 // implausible month
	tr := &fakeTransport{pages: [][][]byte{{bad}}}
	repo := &fakeRepo{device: store.Device{MAC: testMAC, DISReadAt: time.Now()}}
	sink := &fakeSink{}
	p := New(testMAC, tr, repo, sink, testOptions(), testLogger())

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() err = %v; want nil (decode failure is not a cycle error)", err)
	}
	if len(repo.sessions) != 0 {
		t.Errorf("imported %d sessions from an undecodable page; want 0", len(repo.sessions))
	}
	if len(sink.statuses) != 1 {
		t.Errorf("published %d statuses; want 1 (the cycle still completes)", len(sink.statuses))
	}
}

func TestRunCycleConnectFailure(t *testing.T) {
	tr := &fakeTransport{connectErr: errors.New("device out of range")}
	p := New(testMAC, tr, &fakeRepo{device: store.Device{MAC: testMAC}}, &fakeSink{}, testOptions(), testLogger())

	if err := p.RunCycle(context.Background()); err == nil {
		t.Fatal("RunCycle() err = nil; want connect error")
	}
}

func TestRunCycleSingleFlight(t *testing.T) {
	p := New(testMAC, &fakeTransport{}, &fakeRepo{}, &fakeSink{}, testOptions(), testLogger())
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.RunCycle(context.Background()); !errors.Is(err, ErrCycleInFlight) {
		t.Fatalf("RunCycle() err = %v; want %v", err, ErrCycleInFlight)
	}
}

func TestResetWearCounter(t *testing.T) {
	tr := &fakeTransport{}
	repo := &fakeRepo{device: store.Device{MAC: testMAC, WearCount: 7}}
	p := New(testMAC, tr, repo, &fakeSink{}, testOptions(), testLogger())

	if err := p.ResetWearCounter(context.Background()); err != nil {
		t.Fatalf("ResetWearCounter() err = %v; want nil", err)
	}
	if tr.resets != 1 {
		t.Errorf("reset command sent %d times; want 1", tr.resets)
	}
	if repo.device.WearCount != 0 {
		t.Errorf("WearCount = %d; want 0", repo.device.WearCount)
	}
}

func TestMaybeReadDeviceInfoCaches(t *testing.T) {
	tr := &fakeTransport{info: DeviceInfo{Model: "Oclean X"}}
	repo := &fakeRepo{device: store.Device{MAC: testMAC, Model: "Oclean X", DISReadAt: time.Now()}}
	p := New(testMAC, tr, repo, &fakeSink{}, testOptions(), testLogger())

	p.maybeReadDeviceInfo(context.Background())
	if tr.infoReads != 0 {
		t.Errorf("DIS read %d times within the refresh interval; want 0", tr.infoReads)
	}

	repo.device.DISReadAt = time.Now().Add(-25 * time.Hour)
	p.maybeReadDeviceInfo(context.Background())
	if tr.infoReads != 1 {
		t.Errorf("DIS read %d times after the interval elapsed; want 1", tr.infoReads)
	}
}
