// Package store provides SQL-backed implementations of the metadata
// contract. Rows carry the natural keys (UIDs, facility scoping) as real
// columns with uniqueness constraints and the remaining entity fields as a
// JSON payload, so the same statements run on SQLite and Postgres.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pacscore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.MetadataStore = (*SQLStore)(nil)

// SQLStore implements domain.MetadataStore over a database/sql handle.
type SQLStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS facilities (
	id         TEXT PRIMARY KEY,
	ae_title   TEXT NOT NULL UNIQUE,
	payload    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS patients (
	id          TEXT PRIMARY KEY,
	facility_id TEXT NOT NULL,
	patient_id  TEXT NOT NULL,
	payload     TEXT NOT NULL,
	UNIQUE (facility_id, patient_id)
);
CREATE TABLE IF NOT EXISTS studies (
	id        TEXT PRIMARY KEY,
	study_uid TEXT NOT NULL UNIQUE,
	payload   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS series (
	id         TEXT PRIMARY KEY,
	series_uid TEXT NOT NULL UNIQUE,
	study_ref  TEXT NOT NULL,
	payload    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	sop_uid    TEXT NOT NULL UNIQUE,
	series_ref TEXT NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_series ON instances (series_ref);
CREATE TABLE IF NOT EXISTS measurements (
	id           TEXT PRIMARY KEY,
	instance_ref TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_measurements_instance ON measurements (instance_ref);
`

func newSQLStore(db *sql.DB) (*SQLStore, error) {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLStore{db: db, nowFn: func() time.Time { return time.Now().UTC() }}, nil
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

func (s *SQLStore) stamp(b *domain.Base) {
	now := s.nowFn()
	if b.ID == "" {
		b.ID = newID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func scanPayload[T any](row *sql.Row, entity domain.EntityType, key string) (T, error) {
	var out T
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, domain.ErrNotFound{Entity: entity, ID: key}
		}
		return out, fmt.Errorf("scan %s: %w", entity, err)
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", entity, err)
	}
	return out, nil
}

// Facility implements domain.MetadataStore.
func (s *SQLStore) Facility(ctx context.Context, id string) (domain.Facility, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM facilities WHERE id = $1`, id)
	return scanPayload[domain.Facility](row, domain.EntityFacility, id)
}

// FacilityByAETitle implements domain.MetadataStore.
func (s *SQLStore) FacilityByAETitle(ctx context.Context, aeTitle string) (domain.Facility, error) {
	key := strings.ToUpper(strings.TrimSpace(aeTitle))
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM facilities WHERE ae_title = $1`, key)
	f, err := scanPayload[domain.Facility](row, domain.EntityFacility, key)
	if err != nil {
		return domain.Facility{}, err
	}
	if !f.IsActive {
		return domain.Facility{}, domain.ErrNotFound{Entity: domain.EntityFacility, ID: key}
	}
	return f, nil
}

// PutFacility implements domain.MetadataStore.
func (s *SQLStore) PutFacility(ctx context.Context, f domain.Facility) (domain.Facility, error) {
	f.AETitle = strings.ToUpper(strings.TrimSpace(f.AETitle))
	if f.AETitle == "" {
		return domain.Facility{}, domain.ValidationError{Field: "ae_title", Reason: "must not be empty"}
	}
	s.stamp(&f.Base)
	payload, err := marshal(f)
	if err != nil {
		return domain.Facility{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO facilities (id, ae_title, payload) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET ae_title = $2, payload = $3`,
		f.ID, f.AETitle, payload)
	if err != nil {
		return domain.Facility{}, fmt.Errorf("put facility: %w", err)
	}
	return f, nil
}

// EnsurePatient implements domain.MetadataStore.
func (s *SQLStore) EnsurePatient(ctx context.Context, p domain.Patient) (domain.Patient, bool, error) {
	s.stamp(&p.Base)
	payload, err := marshal(p)
	if err != nil {
		return domain.Patient{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, facility_id, patient_id, payload) VALUES ($1, $2, $3, $4)
		ON CONFLICT (facility_id, patient_id) DO NOTHING`,
		p.ID, p.FacilityID, p.PatientID, payload)
	if err != nil {
		return domain.Patient{}, false, fmt.Errorf("ensure patient: %w", err)
	}
	created := affected(res)
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM patients WHERE facility_id = $1 AND patient_id = $2`,
		p.FacilityID, p.PatientID)
	got, err := scanPayload[domain.Patient](row, domain.EntityPatient, p.PatientID)
	return got, created, err
}

// EnsureStudy implements domain.MetadataStore.
func (s *SQLStore) EnsureStudy(ctx context.Context, st domain.Study) (domain.Study, bool, error) {
	s.stamp(&st.Base)
	payload, err := marshal(st)
	if err != nil {
		return domain.Study{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO studies (id, study_uid, payload) VALUES ($1, $2, $3)
		ON CONFLICT (study_uid) DO NOTHING`,
		st.ID, st.StudyUID, payload)
	if err != nil {
		return domain.Study{}, false, fmt.Errorf("ensure study: %w", err)
	}
	created := affected(res)
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM studies WHERE study_uid = $1`, st.StudyUID)
	got, err := scanPayload[domain.Study](row, domain.EntityStudy, st.StudyUID)
	return got, created, err
}

// EnsureSeries implements domain.MetadataStore.
func (s *SQLStore) EnsureSeries(ctx context.Context, se domain.Series) (domain.Series, bool, error) {
	s.stamp(&se.Base)
	payload, err := marshal(se)
	if err != nil {
		return domain.Series{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO series (id, series_uid, study_ref, payload) VALUES ($1, $2, $3, $4)
		ON CONFLICT (series_uid) DO NOTHING`,
		se.ID, se.SeriesUID, se.StudyRef, payload)
	if err != nil {
		return domain.Series{}, false, fmt.Errorf("ensure series: %w", err)
	}
	created := affected(res)
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM series WHERE series_uid = $1`, se.SeriesUID)
	got, err := scanPayload[domain.Series](row, domain.EntitySeries, se.SeriesUID)
	return got, created, err
}

// InsertInstance implements domain.MetadataStore.
func (s *SQLStore) InsertInstance(ctx context.Context, inst domain.Instance) (domain.Instance, error) {
	s.stamp(&inst.Base)
	payload, err := marshal(inst)
	if err != nil {
		return domain.Instance{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, sop_uid, series_ref, payload) VALUES ($1, $2, $3, $4)
		ON CONFLICT (sop_uid) DO NOTHING`,
		inst.ID, inst.SOPInstanceUID, inst.SeriesRef, payload)
	if err != nil {
		return domain.Instance{}, fmt.Errorf("insert instance: %w", err)
	}
	if !affected(res) {
		return domain.Instance{}, fmt.Errorf("instance %s: %w", inst.SOPInstanceUID, domain.ErrDuplicateObject)
	}
	return inst, nil
}

// Instance implements domain.MetadataStore.
func (s *SQLStore) Instance(ctx context.Context, id string) (domain.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM instances WHERE id = $1`, id)
	return scanPayload[domain.Instance](row, domain.EntityInstance, id)
}

// InstanceBySOPUID implements domain.MetadataStore.
func (s *SQLStore) InstanceBySOPUID(ctx context.Context, uid string) (domain.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM instances WHERE sop_uid = $1`, uid)
	return scanPayload[domain.Instance](row, domain.EntityInstance, uid)
}

// Series implements domain.MetadataStore.
func (s *SQLStore) Series(ctx context.Context, id string) (domain.Series, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM series WHERE id = $1`, id)
	return scanPayload[domain.Series](row, domain.EntitySeries, id)
}

// SeriesByUID implements domain.MetadataStore.
func (s *SQLStore) SeriesByUID(ctx context.Context, uid string) (domain.Series, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM series WHERE series_uid = $1`, uid)
	return scanPayload[domain.Series](row, domain.EntitySeries, uid)
}

// ListSeriesInstances implements domain.MetadataStore.
func (s *SQLStore) ListSeriesInstances(ctx context.Context, seriesID string) ([]domain.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM instances WHERE series_ref = $1`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Instance
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		var inst domain.Instance
		if err := json.Unmarshal([]byte(payload), &inst); err != nil {
			return nil, fmt.Errorf("decode instance payload: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// InsertMeasurement implements domain.MetadataStore.
func (s *SQLStore) InsertMeasurement(ctx context.Context, m domain.Measurement) (domain.Measurement, error) {
	s.stamp(&m.Base)
	payload, err := marshal(m)
	if err != nil {
		return domain.Measurement{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO measurements (id, instance_ref, created_at, payload) VALUES ($1, $2, $3, $4)`,
		m.ID, m.InstanceRef, m.CreatedAt.Format(time.RFC3339Nano), payload)
	if err != nil {
		return domain.Measurement{}, fmt.Errorf("insert measurement: %w", err)
	}
	return m, nil
}

// ListInstanceMeasurements implements domain.MetadataStore.
func (s *SQLStore) ListInstanceMeasurements(ctx context.Context, instanceID string) ([]domain.Measurement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM measurements WHERE instance_ref = $1 ORDER BY created_at DESC, id DESC`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Measurement
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		var m domain.Measurement
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode measurement payload: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close implements domain.MetadataStore.
func (s *SQLStore) Close() error { return s.db.Close() }

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
