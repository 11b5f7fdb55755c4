package protocol

import "time"

// Earliest plausible session year for any Oclean device.
const minYear = 2015

// signedByte interprets a byte as two's-complement int8 (-128..127).
func signedByte(b byte) int {
	if b < 128 {
		return int(b)
	}
	return int(b) - 256
}

// deviceTime builds a device-local wall-clock time from the 6 calendar bytes
// every running-data layout carries (year−2000, month, day, hour, minute,
// second). The calendar is load-bearing: an implausible field aborts the
// decode rather than producing a plausible-but-wrong timestamp.
func deviceTime(yearByte, month, day, hour, minute, second byte) (time.Time, *DecodeError) {
	year := int(yearByte) + 2000
	switch {
	case year < minYear:
		return time.Time{}, implausible("year")
	case month < 1 || month > 12:
		return time.Time{}, implausible("month")
	case day < 1 || day > 31:
		return time.Time{}, implausible("day")
	case hour > 23:
		return time.Time{}, implausible("hour")
	case minute > 59:
		return time.Time{}, implausible("minute")
	case second > 59:
		return time.Time{}, implausible("second")
	}
	return time.Date(year, time.Month(month), int(day), int(hour), int(minute), int(second), 0, time.UTC), nil
}

// utcSeconds converts a device-local wall-clock time plus a signed
// quarter-hour timezone offset to absolute UTC seconds. The arithmetic is
// explicit calendar math on the decoded fields; it never consults the host
// clock, because the device's notion of "now" may be stale or unset.
func utcSeconds(local time.Time, tzQuarters int) int64 {
	return local.Add(-time.Duration(tzQuarters) * 15 * time.Minute).Unix()
}

// hostLocalSeconds reinterprets a decoded device wall-clock time in the
// host's configured timezone. Layouts without a timezone byte store local
// time that was calibrated from this same host, so the host zone is the
// offset that round-trips it back to UTC.
func hostLocalSeconds(wall time.Time) int64 {
	return time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), 0, time.Local).Unix()
}
