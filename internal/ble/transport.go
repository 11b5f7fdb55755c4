// Package ble implements the poll.Transport interface over a GATT
// connection using tinygo.org/x/bluetooth (BlueZ on Linux). The package owns
// connect/discover/subscribe mechanics; everything above it only sees
// commands out and notification frames in.
package ble

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tinygo.org/x/bluetooth"

	"oclean-bridge/internal/poll"
)

// Vendor GATT characteristics. The write/notify pair covers all device
// generations; the brush command/record pair exists on Type-1 devices only
// and the change-info characteristic on Type-0 only, so their absence is
// not an error.
var (
	writeCharUUID      = mustParseUUID("9d84b9a3-000c-49d8-9183-855b673fbb85")
	readNotifyCharUUID = mustParseUUID("5f78df94-798c-46f5-990a-855b673fbb86")
	brushCmdCharUUID   = mustParseUUID("5f78df94-798c-46f5-990a-855b673fbb89")
	brushRecvCharUUID  = mustParseUUID("5f78df94-798c-46f5-990a-855b673fbb90")
	changeInfoCharUUID = mustParseUUID("6c290d2e-1c03-aca1-ab48-a9b908bae79e")
)

func mustParseUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Command prefixes, mirrored from the vendor SDK.
var (
	cmdQueryStatus       = []byte{0x03, 0x03}
	cmdCalibrateTime     = []byte{0x02, 0x0E} // + 4-byte BE unix timestamp
	cmdQueryRunningData  = []byte{0x03, 0x08}
	cmdQueryRunningDataT = []byte{0x03, 0x07} // Type-1 variant, brush command characteristic
	cmdQueryNextPage     = []byte{0x03, 0x09}
	cmdResetWearCounter  = []byte{0x02, 0x0F}
)

const connectTimeout = 10 * time.Second

// NewAdapter enables the named HCI adapter ("hci0" by default).
func NewAdapter(name string) (*bluetooth.Adapter, error) {
	if name == "" {
		name = "hci0"
	}
	adapter := bluetooth.NewAdapter(name)
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble enable (%s): %w", name, err)
	}
	return adapter, nil
}

// Transport is the GATT channel to one toothbrush.
type Transport struct {
	adapter *bluetooth.Adapter
	mac     string
	address bluetooth.Address

	device    bluetooth.Device
	connected bool

	write      *bluetooth.DeviceCharacteristic
	brushCmd   *bluetooth.DeviceCharacteristic
	notifyable []bluetooth.DeviceCharacteristic
	battery    *bluetooth.DeviceCharacteristic
	disModel   *bluetooth.DeviceCharacteristic
	disHWRev   *bluetooth.DeviceCharacteristic
	disSWRev   *bluetooth.DeviceCharacteristic
}

var _ poll.Transport = (*Transport)(nil)

func NewTransport(adapter *bluetooth.Adapter, mac string) (*Transport, error) {
	parsed, err := bluetooth.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("parse MAC %q: %w", mac, err)
	}
	return &Transport{
		adapter: adapter,
		mac:     mac,
		address: bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: parsed}},
	}, nil
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dev, err := t.adapter.Connect(t.address, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(connectTimeout),
	})
	if err != nil {
		return fmt.Errorf("ble connect %s: %w", t.mac, err)
	}
	t.device = dev
	t.connected = true

	if err := t.discover(); err != nil {
		_ = t.Disconnect()
		return err
	}
	return nil
}

func (t *Transport) Disconnect() error {
	if !t.connected {
		return nil
	}
	t.connected = false
	t.write = nil
	t.brushCmd = nil
	t.notifyable = nil
	t.battery = nil
	t.disModel = nil
	t.disHWRev = nil
	t.disSWRev = nil
	if err := t.device.Disconnect(); err != nil {
		return fmt.Errorf("ble disconnect %s: %w", t.mac, err)
	}
	return nil
}

// discover walks the service table once per connection and caches the
// characteristics the cycle needs.
func (t *Transport) discover() error {
	services, err := t.device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("discover services %s: %w", t.mac, err)
	}
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			slog.Debug("ble: characteristic discovery failed", "device", t.mac, "service", svc.UUID().String(), "error", err)
			continue
		}
		for i := range chars {
			ch := chars[i]
			switch {
			case ch.UUID() == writeCharUUID:
				t.write = &ch
			case ch.UUID() == brushCmdCharUUID:
				t.brushCmd = &ch
				t.notifyable = append(t.notifyable, ch)
			case ch.UUID() == readNotifyCharUUID,
				ch.UUID() == brushRecvCharUUID,
				ch.UUID() == changeInfoCharUUID:
				t.notifyable = append(t.notifyable, ch)
			case ch.UUID() == bluetooth.CharacteristicUUIDBatteryLevel:
				t.battery = &ch
			case ch.UUID() == bluetooth.CharacteristicUUIDModelNumberString:
				t.disModel = &ch
			case ch.UUID() == bluetooth.CharacteristicUUIDHardwareRevisionString:
				t.disHWRev = &ch
			case ch.UUID() == bluetooth.CharacteristicUUIDSoftwareRevisionString:
				t.disSWRev = &ch
			}
		}
	}
	if t.write == nil {
		return fmt.Errorf("ble %s: command characteristic not found", t.mac)
	}
	return nil
}

// Subscribe enables notifications on every notification characteristic the
// device exposes. Per-characteristic failures are tolerated: not every
// device generation has every characteristic.
func (t *Transport) Subscribe(onFrame func(frame []byte)) error {
	if len(t.notifyable) == 0 {
		return fmt.Errorf("ble %s: no notification characteristics", t.mac)
	}
	subscribed := 0
	for i := range t.notifyable {
		ch := t.notifyable[i]
		if err := ch.EnableNotifications(func(buf []byte) {
			onFrame(buf)
		}); err != nil {
			slog.Debug("ble: subscribe failed", "device", t.mac, "char", ch.UUID().String(), "error", err)
			continue
		}
		subscribed++
	}
	if subscribed == 0 {
		return fmt.Errorf("ble %s: could not subscribe to any characteristic", t.mac)
	}
	return nil
}

func (t *Transport) CalibrateTime(ctx context.Context, now time.Time) error {
	cmd := make([]byte, 0, 6)
	cmd = append(cmd, cmdCalibrateTime...)
	cmd = binary.BigEndian.AppendUint32(cmd, uint32(now.Unix()))
	return t.writeCmd(ctx, t.write, cmd)
}

func (t *Transport) QueryStatus(ctx context.Context) error {
	return t.writeCmd(ctx, t.write, cmdQueryStatus)
}

// QueryRunningData requests the newest session records. The Type-1 variant
// goes out as well when the characteristic exists; devices ignore commands
// they do not know.
func (t *Transport) QueryRunningData(ctx context.Context) error {
	if err := t.writeCmd(ctx, t.write, cmdQueryRunningData); err != nil {
		return err
	}
	if t.brushCmd != nil {
		if err := t.writeCmd(ctx, t.brushCmd, cmdQueryRunningDataT); err != nil {
			slog.Debug("ble: type-1 running-data query skipped", "device", t.mac, "error", err)
		}
	}
	return nil
}

func (t *Transport) QueryNextPage(ctx context.Context) error {
	return t.writeCmd(ctx, t.write, cmdQueryNextPage)
}

func (t *Transport) ResetWearCounter(ctx context.Context) error {
	return t.writeCmd(ctx, t.write, cmdResetWearCounter)
}

func (t *Transport) ReadBattery(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if t.battery == nil {
		return 0, fmt.Errorf("ble %s: battery characteristic not found", t.mac)
	}
	var buf [1]byte
	n, err := t.battery.Read(buf[:])
	if err != nil {
		return 0, fmt.Errorf("ble battery read %s: %w", t.mac, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("ble battery read %s: empty", t.mac)
	}
	return int(buf[0]), nil
}

func (t *Transport) ReadDeviceInfo(ctx context.Context) (poll.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return poll.DeviceInfo{}, err
	}
	return poll.DeviceInfo{
		Model:      t.readString(t.disModel),
		HWRevision: t.readString(t.disHWRev),
		SWVersion:  t.readString(t.disSWRev),
	}, nil
}

func (t *Transport) readString(ch *bluetooth.DeviceCharacteristic) string {
	if ch == nil {
		return ""
	}
	buf := make([]byte, 64)
	n, err := ch.Read(buf)
	if err != nil {
		slog.Debug("ble: DIS read skipped", "device", t.mac, "error", err)
		return ""
	}
	return strings.TrimSpace(strings.Trim(string(buf[:n]), "\x00"))
}

func (t *Transport) writeCmd(ctx context.Context, ch *bluetooth.DeviceCharacteristic, cmd []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.connected || ch == nil {
		return fmt.Errorf("ble %s: not connected", t.mac)
	}
	if _, err := ch.WriteWithoutResponse(cmd); err != nil {
		return fmt.Errorf("ble write %s: %w", t.mac, err)
	}
	return nil
}
