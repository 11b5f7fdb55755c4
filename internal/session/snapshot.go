// Package session reconciles partial, out-of-order notifications into
// coherent brushing-session records, deduplicates them against a persisted
// per-device watermark, and drives the bounded pagination protocol for
// fetching older sessions.
package session

import "oclean-bridge/internal/protocol"

// Record is a reconciled brushing session ready for import. TimestampUTC is
// the only structurally required field; everything else stays a pointer (or
// a sparse map) because which fields exist depends on the source format, and
// an absent field must never be read as zero.
type Record struct {
	TimestampUTC   int64
	DurationS      *int
	ValidDurationS *int
	Score          *int
	SchemeID       *int
	SchemeType     *int
	OvercrossCount *int
	WearIndicator  *int
	Pressure       *float64
	ZonePressures  map[protocol.Zone]uint8
	Source         protocol.SourceFormat
}

// Snapshot accumulates the partial notifications of one connection cycle into
// a single in-flight session. It is owned by exactly one cycle goroutine and
// is closed (turned into a Record) only when the cycle ends.
type Snapshot struct {
	rec        protocol.PartialRecord
	hasPrimary bool
}

// HasPrimary reports whether a primary running-data record has been merged.
func (s *Snapshot) HasPrimary() bool { return s.hasPrimary }

// TimestampUTC returns the accumulated session timestamp, or 0 if none has
// arrived yet.
func (s *Snapshot) TimestampUTC() int64 {
	if s.rec.TimestampUTC == nil {
		return 0
	}
	return *s.rec.TimestampUTC
}

// Merge folds an incoming partial record into the snapshot with field-level
// last-write-wins semantics: fields present in the incoming record overwrite
// the accumulated ones, absent fields are untouched. This is what lets a
// score or area push that arrives after the primary info response enrich the
// same session instead of being lost.
func (s *Snapshot) Merge(in protocol.PartialRecord) {
	if in.Source.Primary() {
		s.hasPrimary = true
		s.rec.Source = in.Source
	} else if s.rec.Source == protocol.SourceNone {
		s.rec.Source = in.Source
	}

	if in.TimestampUTC != nil {
		s.rec.TimestampUTC = in.TimestampUTC
	}
	if in.DurationS != nil {
		s.rec.DurationS = in.DurationS
	}
	if in.ValidDurationS != nil {
		s.rec.ValidDurationS = in.ValidDurationS
	}
	if in.Score != nil {
		s.rec.Score = in.Score
	}
	if in.SchemeID != nil {
		s.rec.SchemeID = in.SchemeID
	}
	if in.SchemeType != nil {
		s.rec.SchemeType = in.SchemeType
	}
	if in.OvercrossCount != nil {
		s.rec.OvercrossCount = in.OvercrossCount
	}
	if in.WearIndicator != nil {
		s.rec.WearIndicator = in.WearIndicator
	}
	if in.Pressure != nil {
		s.rec.Pressure = in.Pressure
	}
	if len(in.ZonePressures) > 0 {
		if s.rec.ZonePressures == nil {
			s.rec.ZonePressures = make(map[protocol.Zone]uint8, protocol.ZoneCount)
		}
		for z, p := range in.ZonePressures {
			s.rec.ZonePressures[z] = p
		}
	}
}

// Close turns the snapshot into a final Record. It returns false when no
// timestamp was ever merged: a timestamp-less snapshot is not a session.
// A partial record with absent fields is valid output, not an error.
func (s *Snapshot) Close() (Record, bool) {
	if s.rec.TimestampUTC == nil {
		return Record{}, false
	}
	var zones map[protocol.Zone]uint8
	if len(s.rec.ZonePressures) > 0 {
		zones = make(map[protocol.Zone]uint8, len(s.rec.ZonePressures))
		for z, p := range s.rec.ZonePressures {
			zones[z] = p
		}
	}
	return Record{
		TimestampUTC:   *s.rec.TimestampUTC,
		DurationS:      s.rec.DurationS,
		ValidDurationS: s.rec.ValidDurationS,
		Score:          s.rec.Score,
		SchemeID:       s.rec.SchemeID,
		SchemeType:     s.rec.SchemeType,
		OvercrossCount: s.rec.OvercrossCount,
		WearIndicator:  s.rec.WearIndicator,
		Pressure:       s.rec.Pressure,
		ZonePressures:  zones,
		Source:         s.rec.Source,
	}, true
}
