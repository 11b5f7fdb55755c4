package protocol

import "fmt"

// Zone identifies one of the 8 fixed anatomical brushing zones.
// Values match the BrushAreaType order used on the wire (1–8).
type Zone uint8

const (
	ZoneUpperLeftOut Zone = iota + 1
	ZoneUpperLeftIn
	ZoneLowerLeftOut
	ZoneLowerLeftIn
	ZoneUpperRightOut
	ZoneUpperRightIn
	ZoneLowerRightOut
	ZoneLowerRightIn
)

const ZoneCount = 8

var zoneNames = [ZoneCount]string{
	"upper_left_out",
	"upper_left_in",
	"lower_left_out",
	"lower_left_in",
	"upper_right_out",
	"upper_right_in",
	"lower_right_out",
	"lower_right_in",
}

func (z Zone) String() string {
	if z < 1 || z > ZoneCount {
		return fmt.Sprintf("zone(%d)", uint8(z))
	}
	return zoneNames[z-1]
}

// SourceFormat records which decoder produced a record. It constrains which
// fields can legitimately be populated: e.g. zone pressures never come from
// the Type-1 layout, and a consumer must treat such fields as absent rather
// than zero.
type SourceFormat int

const (
	SourceNone SourceFormat = iota
	SourceSimple
	SourceExtended
	SourceType1
	SourceScore
	SourceArea
	SourceMetadata
)

func (s SourceFormat) String() string {
	switch s {
	case SourceSimple:
		return "simple"
	case SourceExtended:
		return "extended"
	case SourceType1:
		return "type1"
	case SourceScore:
		return "score"
	case SourceArea:
		return "area"
	case SourceMetadata:
		return "metadata"
	}
	return "none"
}

// Primary reports whether the format is a primary running-data record, as
// opposed to an enrichment push that only fills in part of a session.
func (s SourceFormat) Primary() bool {
	return s == SourceSimple || s == SourceExtended || s == SourceType1
}

// PartialRecord is the output of one record decoder: the subset of session
// fields a single frame carries. Nil pointers (and zones missing from the
// map) mean the field is absent, which is distinct from a decoded zero.
type PartialRecord struct {
	Source SourceFormat

	TimestampUTC   *int64
	DurationS      *int
	ValidDurationS *int
	Score          *int
	SchemeID       *int
	SchemeType     *int
	OvercrossCount *int
	WearIndicator  *int
	Pressure       *float64
	ZonePressures  map[Zone]uint8
}

// Empty reports whether the record carries no decoded fields at all.
func (r PartialRecord) Empty() bool {
	return r.TimestampUTC == nil &&
		r.DurationS == nil &&
		r.ValidDurationS == nil &&
		r.Score == nil &&
		r.SchemeID == nil &&
		r.SchemeType == nil &&
		r.OvercrossCount == nil &&
		r.WearIndicator == nil &&
		r.Pressure == nil &&
		len(r.ZonePressures) == 0
}

// DecodeReason classifies why a decode failed.
type DecodeReason int

const (
	TooShort DecodeReason = iota
	OutOfRange
	Implausible
)

func (r DecodeReason) String() string {
	switch r {
	case TooShort:
		return "too-short"
	case OutOfRange:
		return "out-of-range"
	case Implausible:
		return "implausible"
	}
	return "decode-error"
}

// DecodeError is returned when a payload cannot produce a record at all.
// Non-load-bearing fields that merely fail a sanity bound are dropped from
// the record instead of failing the decode.
type DecodeError struct {
	Reason DecodeReason
	Field  string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return e.Reason.String()
	}
	return fmt.Sprintf("%s: %s", e.Reason.String(), e.Field)
}

func tooShort(field string) *DecodeError {
	return &DecodeError{Reason: TooShort, Field: field}
}

func implausible(field string) *DecodeError {
	return &DecodeError{Reason: Implausible, Field: field}
}

func intPtr(v int) *int           { return &v }
func int64Ptr(v int64) *int64     { return &v }
func floatPtr(v float64) *float64 { return &v }
