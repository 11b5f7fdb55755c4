package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"oclean-bridge/internal/protocol"
	"oclean-bridge/internal/session"
)

//go:embed sql/ensure-device.sql
var ensureDeviceSQL string

//go:embed sql/get-device.sql
var getDeviceSQL string

//go:embed sql/get-devices.sql
var getDevicesSQL string

//go:embed sql/save-watermark.sql
var saveWatermarkSQL string

//go:embed sql/insert-session.sql
var insertSessionSQL string

//go:embed sql/get-sessions.sql
var getSessionsSQL string

//go:embed sql/update-device-info.sql
var updateDeviceInfoSQL string

// Device is one row of the devices table.
type Device struct {
	MAC           string
	LastSessionTS int64
	WearCount     int
	WearHW        bool
	Model         string
	HWRevision    string
	SWVersion     string
	DISReadAt     time.Time
}

// Session is one persisted brushing session as served to readers.
type Session struct {
	MAC            string          `json:"mac"`
	TimestampUTC   int64           `json:"timestamp_utc"`
	DurationS      *int            `json:"duration_s,omitempty"`
	ValidDurationS *int            `json:"valid_duration_s,omitempty"`
	Score          *int            `json:"score,omitempty"`
	SchemeID       *int            `json:"scheme_id,omitempty"`
	SchemeName     string          `json:"scheme_name,omitempty"`
	SchemeType     *int            `json:"scheme_type,omitempty"`
	Overcross      *int            `json:"overcross,omitempty"`
	WearIndicator  *int            `json:"wear_indicator,omitempty"`
	Pressure       *float64        `json:"pressure,omitempty"`
	Zones          json.RawMessage `json:"zones,omitempty"`
	Source         string          `json:"source"`
}

type Repository interface {
	EnsureDevice(mac string) error
	GetDevice(mac string) (Device, error)
	Devices() ([]Device, error)
	LoadWatermark(mac string) (session.Watermark, error)
	SaveWatermark(w session.Watermark) error
	InsertSession(mac string, rec session.Record) error
	RecentSessions(mac string, limit int) ([]Session, error)
	UpdateDeviceInfo(mac, model, hwRevision, swVersion string) error
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) EnsureDevice(mac string) error {
	if _, err := r.db.Exec(ensureDeviceSQL, mac); err != nil {
		return fmt.Errorf("ensure device %s: %w", mac, err)
	}
	return nil
}

func (r *repositoryImpl) GetDevice(mac string) (Device, error) {
	return scanDevice(r.db.QueryRow(getDeviceSQL, mac))
}

func (r *repositoryImpl) Devices() ([]Device, error) {
	rows, err := r.db.Query(getDevicesSQL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close devices rows", "error", err)
		}
	}()
	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) LoadWatermark(mac string) (session.Watermark, error) {
	if err := r.EnsureDevice(mac); err != nil {
		return session.Watermark{}, err
	}
	d, err := r.GetDevice(mac)
	if err != nil {
		return session.Watermark{}, fmt.Errorf("load watermark %s: %w", mac, err)
	}
	return session.Watermark{
		MAC:           d.MAC,
		LastSessionTS: d.LastSessionTS,
		WearCount:     d.WearCount,
		WearHW:        d.WearHW,
	}, nil
}

func (r *repositoryImpl) SaveWatermark(w session.Watermark) error {
	if _, err := r.db.Exec(saveWatermarkSQL, w.LastSessionTS, w.WearCount, boolToInt(w.WearHW), w.MAC); err != nil {
		return fmt.Errorf("save watermark %s: %w", w.MAC, err)
	}
	return nil
}

// InsertSession is idempotent: a replayed record for an already-stored
// (mac, ts) pair is ignored, so a crashed cycle can never double-count.
func (r *repositoryImpl) InsertSession(mac string, rec session.Record) error {
	zones, err := marshalZones(rec.ZonePressures)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(insertSessionSQL,
		mac,
		rec.TimestampUTC,
		nullableInt(rec.DurationS),
		nullableInt(rec.ValidDurationS),
		nullableInt(rec.Score),
		nullableInt(rec.SchemeID),
		nullableInt(rec.SchemeType),
		nullableInt(rec.OvercrossCount),
		nullableInt(rec.WearIndicator),
		nullableFloat(rec.Pressure),
		zones,
		rec.Source.String(),
	)
	if err != nil {
		return fmt.Errorf("insert session %s@%d: %w", mac, rec.TimestampUTC, err)
	}
	return nil
}

func (r *repositoryImpl) RecentSessions(mac string, limit int) ([]Session, error) {
	rows, err := r.db.Query(getSessionsSQL, mac, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close sessions rows", "error", err)
		}
	}()
	var out []Session
	for rows.Next() {
		var s Session
		var zones sql.NullString
		err := rows.Scan(
			&s.MAC, &s.TimestampUTC, &s.DurationS, &s.ValidDurationS,
			&s.Score, &s.SchemeID, &s.SchemeType, &s.Overcross,
			&s.WearIndicator, &s.Pressure, &zones, &s.Source,
		)
		if err != nil {
			return nil, err
		}
		if zones.Valid && zones.String != "" {
			s.Zones = json.RawMessage(zones.String)
		}
		if s.SchemeID != nil {
			s.SchemeName = protocol.SchemeName(*s.SchemeID)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) UpdateDeviceInfo(mac, model, hwRevision, swVersion string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := r.db.Exec(updateDeviceInfoSQL, model, hwRevision, swVersion, now, mac); err != nil {
		return fmt.Errorf("update device info %s: %w", mac, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (Device, error) {
	var d Device
	var wearHW int
	var model, hwRev, swVer, disReadAt sql.NullString
	err := row.Scan(&d.MAC, &d.LastSessionTS, &d.WearCount, &wearHW, &model, &hwRev, &swVer, &disReadAt)
	if err != nil {
		return Device{}, err
	}
	d.WearHW = wearHW != 0
	d.Model = model.String
	d.HWRevision = hwRev.String
	d.SWVersion = swVer.String
	if disReadAt.Valid && disReadAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, disReadAt.String)
		if err != nil {
			return Device{}, fmt.Errorf("parse dis_read_at %q: %w", disReadAt.String, err)
		}
		d.DISReadAt = t
	}
	return d, nil
}

func marshalZones(zones map[protocol.Zone]uint8) (sql.NullString, error) {
	if len(zones) == 0 {
		return sql.NullString{}, nil
	}
	named := make(map[string]uint8, len(zones))
	for z, p := range zones {
		named[z.String()] = p
	}
	b, err := json.Marshal(named)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal zones: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
