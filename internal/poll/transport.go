// Package poll runs the per-device connection cycle: connect, calibrate,
// subscribe, query, wait for notifications, paginate older sessions, read
// ancillary characteristics, disconnect. Decoded sessions flow through the
// session reconciler and out to the store and the MQTT sink.
package poll

import (
	"context"
	"errors"
	"time"
)

// DeviceInfo holds the Device Information Service strings.
type DeviceInfo struct {
	Model      string
	HWRevision string
	SWVersion  string
}

// Transport is the byte-in/byte-out channel to one device. Implementations
// own the connection lifecycle (pairing, service discovery, MTU); this
// package only sees commands out and frames in. At most one request is
// outstanding at a time; unsolicited push frames may interleave with
// response frames at any point.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// Subscribe registers the notification callback. Frames are delivered
	// from the transport's own goroutine; the callback must not block.
	Subscribe(onFrame func(frame []byte)) error

	CalibrateTime(ctx context.Context, now time.Time) error
	QueryStatus(ctx context.Context) error
	QueryRunningData(ctx context.Context) error
	QueryNextPage(ctx context.Context) error
	ResetWearCounter(ctx context.Context) error

	ReadBattery(ctx context.Context) (int, error)
	ReadDeviceInfo(ctx context.Context) (DeviceInfo, error)
}

// ErrCycleInFlight is returned when a cycle is requested for a device whose
// previous cycle has not finished. Two interleaved cycles could race on the
// watermark and double-count or skip a session, so single-flight per device
// is enforced structurally.
var ErrCycleInFlight = errors.New("poll cycle already in flight")
