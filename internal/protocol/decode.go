package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	simpleMinSize   = 18
	extendedMinSize = 32
	type1MinSize    = 11 // through byte 10, the last confirmed timestamp field
	metadataMinSize = 18
	guidanceMinSize = 6
	areaMinSize     = 2
)

// DeviceStatus is the decoded 0303 status response. Battery is nil when the
// payload is too short to carry it or the value fails the 0–100 bound.
type DeviceStatus struct {
	IsBrushing bool
	Battery    *int
}

// DecodeStatus decodes a 0303 status payload: byte 0 carries status bits
// (bit 0 = brushing in progress), byte 3 the battery percentage.
func DecodeStatus(payload []byte) (DeviceStatus, *DecodeError) {
	if len(payload) < 1 {
		return DeviceStatus{}, tooShort("status")
	}
	st := DeviceStatus{IsBrushing: payload[0]&0x01 != 0}
	if len(payload) >= 4 {
		if b := int(payload[3]); b <= 100 {
			st.Battery = intPtr(b)
		}
	}
	return st, nil
}

// IsExtendedInfo decides which of the two incompatible layouts behind the
// 0308 marker a payload uses. The extended layout starts with a big-endian
// record-length header whose high byte is always 0 for BLE-sized records and
// whose low byte is at least the 32-byte minimum; the simple layout starts
// with a year−2000 byte, which is ≥ 24 for any plausible calendar date. The
// length-consistency check corroborates the heuristic.
//
// A payload shorter than 2 bytes is a decode failure, not a format choice;
// DecodeInfo rejects it before calling this.
func IsExtendedInfo(payload []byte) bool {
	return len(payload) >= 2 &&
		payload[0] == 0 &&
		payload[1] >= extendedMinSize &&
		len(payload) >= int(payload[1])
}

// DecodeInfo decodes a 0308 running-data payload, disambiguating between the
// simple and extended layouts first. When the extended layout is detected it
// never falls back to the simple decoder on failure: the simple decoder
// would misread the length header as year 2000 and produce a
// plausible-but-wrong timestamp.
func DecodeInfo(payload []byte) (PartialRecord, *DecodeError) {
	if len(payload) < 2 {
		return PartialRecord{}, tooShort("info")
	}
	if IsExtendedInfo(payload) {
		return decodeExtendedInfo(payload)
	}
	return decodeSimpleInfo(payload)
}

// decodeSimpleInfo decodes the 18-byte simple running-data layout:
// bytes 0–5 calendar, 6 signed tz quarter-hours, 7 week, 8 scheme id,
// 9–13 reserved, 14–15 LE wear indicator, 16–17 LE raw pressure (÷300).
func decodeSimpleInfo(payload []byte) (PartialRecord, *DecodeError) {
	if len(payload) < simpleMinSize {
		return PartialRecord{}, tooShort("simple-info")
	}
	local, derr := deviceTime(payload[0], payload[1], payload[2], payload[3], payload[4], payload[5])
	if derr != nil {
		return PartialRecord{}, derr
	}
	tz := signedByte(payload[6])
	wear := int(binary.LittleEndian.Uint16(payload[14:16]))
	raw := binary.LittleEndian.Uint16(payload[16:18])
	pressure := math.Round(float64(raw)/300*100) / 100

	return PartialRecord{
		Source:        SourceSimple,
		TimestampUTC:  int64Ptr(utcSeconds(local, tz)),
		SchemeID:      intPtr(int(payload[8])),
		WearIndicator: intPtr(wear),
		Pressure:      floatPtr(pressure),
	}, nil
}

// decodeExtendedInfo decodes the 32+ byte extended running-data layout:
// bytes 0–1 BE record length, 2–7 calendar, 8 scheme id, 9–10 duration,
// 11–12 valid duration, 13–17 intermediate zone values (not decoded),
// 18 reserved, 19 signed tz quarter-hours, 20–27 the 8 zone pressures,
// 28 score, 29 scheme type, 30 cloud-sync flag, 31 overcross count.
func decodeExtendedInfo(payload []byte) (PartialRecord, *DecodeError) {
	if len(payload) < extendedMinSize {
		return PartialRecord{}, tooShort("extended-info")
	}
	local, derr := deviceTime(payload[2], payload[3], payload[4], payload[5], payload[6], payload[7])
	if derr != nil {
		return PartialRecord{}, derr
	}
	tz := signedByte(payload[19])

	rec := PartialRecord{
		Source:         SourceExtended,
		TimestampUTC:   int64Ptr(utcSeconds(local, tz)),
		SchemeID:       intPtr(int(payload[8])),
		DurationS:      intPtr(int(binary.BigEndian.Uint16(payload[9:11]))),
		ValidDurationS: intPtr(int(binary.BigEndian.Uint16(payload[11:13]))),
		OvercrossCount: intPtr(int(payload[31])),
		ZonePressures:  make(map[Zone]uint8, ZoneCount),
	}
	for i := 0; i < ZoneCount; i++ {
		rec.ZonePressures[Zone(i+1)] = payload[20+i]
	}
	// Score and scheme type that fail their bounds are dropped, not fatal.
	if s := int(payload[28]); s <= 100 {
		rec.Score = intPtr(s)
	}
	if st := int(payload[29]); st <= 8 {
		rec.SchemeType = intPtr(st)
	}
	return rec, nil
}

// DecodeInfoType1 decodes the 0307 Type-1 running-data payload (Oclean X).
// Only the timestamp fields at bytes 5–10 are confirmed; bytes 0–4 are a
// device-constant prefix and bytes 11+ have no confirmed semantics, so they
// are left undecoded. The layout carries no timezone offset: the device
// stores local time, which is read back in the host's timezone.
func DecodeInfoType1(payload []byte) (PartialRecord, *DecodeError) {
	if len(payload) < type1MinSize {
		return PartialRecord{}, tooShort("type1-info")
	}
	wall, derr := deviceTime(payload[5], payload[6], payload[7], payload[8], payload[9], payload[10])
	if derr != nil {
		return PartialRecord{}, derr
	}
	return PartialRecord{
		Source:       SourceType1,
		TimestampUTC: int64Ptr(hostLocalSeconds(wall)),
	}, nil
}

// DecodeScore decodes the 0000 score push: byte 0 is the device-computed
// score, 0xFF meaning "no data". The push arrives after the primary info
// response in the same poll cycle, so it overwrites any earlier estimate.
func DecodeScore(payload []byte) (PartialRecord, *DecodeError) {
	if len(payload) < 1 {
		return PartialRecord{}, tooShort("score")
	}
	rec := PartialRecord{Source: SourceScore}
	if s := int(payload[0]); s <= 100 {
		rec.Score = intPtr(s)
	}
	return rec, nil
}

// DecodeArea decodes a 2604 per-zone pressure push: one zone per frame,
// byte 0 the zone id (1–8), byte 1 the raw pressure.
func DecodeArea(payload []byte) (PartialRecord, *DecodeError) {
	if len(payload) < areaMinSize {
		return PartialRecord{}, tooShort("area")
	}
	zone := Zone(payload[0])
	if zone < 1 || zone > ZoneCount {
		return PartialRecord{}, implausible("zone")
	}
	return PartialRecord{
		Source:        SourceArea,
		ZonePressures: map[Zone]uint8{zone: payload[1]},
	}, nil
}

// DecodeMetadata decodes the 5A00 session boundary push: bytes 0–6 empty
// slots, 7–12 calendar, 15 session duration in seconds (duplicated at 17).
// No timezone offset is carried; device local time is read back in the
// host's timezone.
func DecodeMetadata(payload []byte) (PartialRecord, *DecodeError) {
	if len(payload) < metadataMinSize {
		return PartialRecord{}, tooShort("metadata")
	}
	wall, derr := deviceTime(payload[7], payload[8], payload[9], payload[10], payload[11], payload[12])
	if derr != nil {
		return PartialRecord{}, derr
	}
	rec := PartialRecord{
		Source:       SourceMetadata,
		TimestampUTC: int64Ptr(hostLocalSeconds(wall)),
	}
	if d := int(payload[15]); d > 0 && d != 0xFF {
		rec.DurationS = intPtr(d)
	}
	return rec, nil
}

// Guidance is a decoded 0340 realtime guidance frame: live quadrant
// pressures plus the active zone. It is never persisted as session state.
type Guidance struct {
	LeftUp, LeftDown, RightUp, RightDown uint8
	ActiveZone                           uint8 // 1–8; 255 = brushing stopped
	WorkingState                         uint8
}

// Brushing reports whether the guidance frame indicates an active zone.
func (g Guidance) Brushing() bool {
	return g.ActiveZone >= 1 && g.ActiveZone <= ZoneCount
}

// DecodeGuidance decodes a 0340 realtime guidance payload.
func DecodeGuidance(payload []byte) (Guidance, *DecodeError) {
	if len(payload) < guidanceMinSize {
		return Guidance{}, tooShort("guidance")
	}
	return Guidance{
		LeftUp:       payload[0],
		LeftDown:     payload[1],
		RightUp:      payload[2],
		RightDown:    payload[3],
		ActiveZone:   payload[4],
		WorkingState: payload[5],
	}, nil
}

// IsAckOK reports whether an 0202/020F acknowledge payload ends in the ASCII
// "OK" the device sends.
func IsAckOK(payload []byte) bool {
	return bytes.HasSuffix(payload, []byte("OK"))
}
