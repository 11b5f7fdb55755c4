// Package protocol decodes the binary notification frames emitted by Oclean
// toothbrushes over BLE. Every notification starts with a 2-byte type marker;
// the payload layout behind each marker was reverse-engineered from the
// official Android SDK and live captures.
package protocol

// FrameType identifies the logical type of a notification frame.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameStatus            // 0303 – device status (battery, brushing flag)
	FrameInfo              // 0308 – running-data record, simple or extended layout
	FrameInfoType1         // 0307 – running-data record, Type-1 devices (Oclean X)
	FrameDeviceInfoAck     // 0202 – "OK" acknowledge to the device-info command
	FrameWearResetAck      // 020F – "OK" acknowledge to the wear-counter reset
	FrameRealtimeGuidance  // 0340 – live quadrant pressures during brushing
	FrameArea              // 2604 – per-zone pressure push
	FrameScore             // 0000 – device-computed score push
	FrameMetadata          // 5A00 – session boundary metadata push
)

func (t FrameType) String() string {
	switch t {
	case FrameStatus:
		return "status"
	case FrameInfo:
		return "info"
	case FrameInfoType1:
		return "info-t1"
	case FrameDeviceInfoAck:
		return "device-info-ack"
	case FrameWearResetAck:
		return "wear-reset-ack"
	case FrameRealtimeGuidance:
		return "realtime-guidance"
	case FrameArea:
		return "area"
	case FrameScore:
		return "score"
	case FrameMetadata:
		return "metadata"
	}
	return "unknown"
}

// Classify identifies a frame by its leading marker bytes and returns the
// payload with the marker stripped. It never fails: an unrecognized marker
// (or a frame shorter than a marker) yields FrameUnknown with the full frame
// preserved so the caller can log it for protocol analysis.
func Classify(frame []byte) (FrameType, []byte) {
	if len(frame) < 2 {
		return FrameUnknown, frame
	}
	payload := frame[2:]
	switch uint16(frame[0])<<8 | uint16(frame[1]) {
	case 0x0303:
		return FrameStatus, payload
	case 0x0308:
		return FrameInfo, payload
	case 0x0307:
		return FrameInfoType1, payload
	case 0x0202:
		return FrameDeviceInfoAck, payload
	case 0x020F:
		return FrameWearResetAck, payload
	case 0x0340:
		return FrameRealtimeGuidance, payload
	case 0x2604:
		return FrameArea, payload
	case 0x0000:
		return FrameScore, payload
	case 0x5A00:
		return FrameMetadata, payload
	}
	return FrameUnknown, frame
}
