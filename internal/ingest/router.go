// Package ingest routes validated objects into the metadata hierarchy and
// the instance archive. The commit order is fixed: archive bytes become
// durable first, the instance row is inserted second, so a crash in
// between leaves an invisible orphan object rather than a visible record
// without bytes. The reconciler cleans such orphans up.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"pacscore/internal/blob"
	"pacscore/pkg/domain"
)

// Metadata carries the dataset attributes the receiver buffered while
// streaming an object. UID fields are mandatory; everything else is kept
// when present.
type Metadata struct {
	SOPInstanceUID string
	StudyUID       string
	SeriesUID      string

	PatientID        string
	PatientFirstName string
	PatientLastName  string
	PatientBirthDate string
	PatientSex       string

	AccessionNumber    string
	StudyDescription   string
	ReferringPhysician string
	StudyDate          time.Time

	SeriesNumber      int
	Modality          string
	SeriesDescription string
	SliceThickness    float64

	InstanceNumber      int
	TransferSyntax      string
	Rows                int
	Columns             int
	BitsAllocated       int
	BitsStored          int
	PixelRepresentation int
	RescaleSlope        float64
	RescaleIntercept    float64
	PixelSpacing        *domain.Spacing
	Position            *domain.Vector3
	Orientation         *domain.Orient
	WindowCenter        float64
	WindowWidth         float64
}

// Object is one fully received, validated dataset awaiting commit. The
// spool file holds the exact received bytes; the router consumes and
// removes it.
type Object struct {
	Facility  domain.Facility
	Meta      Metadata
	SpoolPath string
	SizeBytes int64
}

// Result reports the outcome of a commit. Duplicate receptions are a
// success outcome, not an error.
type Result struct {
	Instance  domain.Instance
	Duplicate bool
}

// Router owns the routing and persistence stage.
type Router struct {
	store   domain.MetadataStore
	archive blob.Store
	log     *slog.Logger

	// serializes parent upserts per natural key so the first two
	// instances of a brand-new study or series cannot race into
	// duplicate parent rows
	locks keyedMutex
}

// NewRouter constructs a router over the given metadata store and archive.
func NewRouter(store domain.MetadataStore, archive blob.Store, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{store: store, archive: archive, log: log}
}

// Commit makes one received object durable and discoverable exactly once.
// The spool file is always removed, on every path.
func (r *Router) Commit(ctx context.Context, obj Object) (Result, error) {
	defer func() {
		if obj.SpoolPath != "" {
			_ = os.Remove(obj.SpoolPath)
		}
	}()

	if err := validateMeta(obj.Meta); err != nil {
		return Result{}, err
	}

	// Duplicate short-circuit before any writes.
	if existing, err := r.store.InstanceBySOPUID(ctx, obj.Meta.SOPInstanceUID); err == nil {
		r.log.Info("duplicate object ignored",
			"sop_uid", obj.Meta.SOPInstanceUID, "facility", obj.Facility.AETitle)
		return Result{Instance: existing, Duplicate: true}, nil
	} else if !domain.IsNotFound(err) {
		return Result{}, domain.StorageError{Op: "lookup instance", Err: err}
	}

	series, err := r.ensureHierarchy(ctx, obj)
	if err != nil {
		return Result{}, err
	}

	key := fmt.Sprintf("%s/%s/%s/%s",
		obj.Facility.AETitle, obj.Meta.StudyUID, obj.Meta.SeriesUID, obj.Meta.SOPInstanceUID)
	info, err := r.archiveSpool(ctx, key, obj)
	if err != nil {
		return Result{}, err
	}

	inst := instanceFromMeta(obj.Meta)
	inst.SeriesRef = series.ID
	inst.StorageKey = key
	inst.SizeBytes = info.Size

	committed, err := r.store.InsertInstance(ctx, inst)
	if errors.Is(err, domain.ErrDuplicateObject) {
		// lost a race with a concurrent reception of the same object;
		// the winner's row and bytes stand
		existing, lookupErr := r.store.InstanceBySOPUID(ctx, obj.Meta.SOPInstanceUID)
		if lookupErr != nil {
			return Result{}, domain.StorageError{Op: "lookup instance", Err: lookupErr}
		}
		return Result{Instance: existing, Duplicate: true}, nil
	}
	if err != nil {
		return Result{}, domain.StorageError{Op: "insert instance", Err: err}
	}
	r.log.Info("instance committed",
		"sop_uid", committed.SOPInstanceUID, "series_uid", obj.Meta.SeriesUID,
		"study_uid", obj.Meta.StudyUID, "facility", obj.Facility.AETitle,
		"size_bytes", committed.SizeBytes)
	return Result{Instance: committed}, nil
}

func validateMeta(m Metadata) error {
	for _, f := range []struct{ name, value string }{
		{"study_uid", m.StudyUID},
		{"series_uid", m.SeriesUID},
		{"sop_instance_uid", m.SOPInstanceUID},
	} {
		if !validUID(f.value) {
			return domain.ValidationError{Field: f.name, Reason: "missing or malformed UID"}
		}
	}
	return nil
}

// validUID accepts the dotted-numeric UID form, up to 64 characters.
func validUID(uid string) bool {
	if uid == "" || len(uid) > 64 {
		return false
	}
	lastDot := true
	for i := 0; i < len(uid); i++ {
		c := uid[i]
		switch {
		case c == '.':
			if lastDot {
				return false
			}
			lastDot = true
		case c >= '0' && c <= '9':
			lastDot = false
		default:
			return false
		}
	}
	return !lastDot
}

func (r *Router) ensureHierarchy(ctx context.Context, obj Object) (domain.Series, error) {
	patientKey := "patient\x00" + obj.Facility.ID + "\x00" + obj.Meta.PatientID
	unlock := r.locks.Lock(patientKey)
	patient, _, err := r.store.EnsurePatient(ctx, domain.Patient{
		FacilityID: obj.Facility.ID,
		PatientID:  obj.Meta.PatientID,
		FirstName:  obj.Meta.PatientFirstName,
		LastName:   obj.Meta.PatientLastName,
		BirthDate:  obj.Meta.PatientBirthDate,
		Sex:        obj.Meta.PatientSex,
	})
	unlock()
	if err != nil {
		return domain.Series{}, domain.StorageError{Op: "ensure patient", Err: err}
	}

	unlock = r.locks.Lock("study\x00" + obj.Meta.StudyUID)
	study, _, err := r.store.EnsureStudy(ctx, domain.Study{
		StudyUID:           obj.Meta.StudyUID,
		PatientRef:         patient.ID,
		FacilityID:         obj.Facility.ID,
		AccessionNumber:    obj.Meta.AccessionNumber,
		Description:        obj.Meta.StudyDescription,
		ReferringPhysician: obj.Meta.ReferringPhysician,
		StudyDate:          obj.Meta.StudyDate,
	})
	unlock()
	if err != nil {
		return domain.Series{}, domain.StorageError{Op: "ensure study", Err: err}
	}
	// A study UID never transfers between facilities. An existing study
	// owned elsewhere rejects this object, not the association.
	if study.FacilityID != obj.Facility.ID {
		return domain.Series{}, domain.ValidationError{
			Field:  "study_uid",
			Reason: fmt.Sprintf("study %s belongs to another facility", obj.Meta.StudyUID),
		}
	}

	unlock = r.locks.Lock("series\x00" + obj.Meta.SeriesUID)
	series, _, err := r.store.EnsureSeries(ctx, domain.Series{
		SeriesUID:      obj.Meta.SeriesUID,
		StudyRef:       study.ID,
		Number:         obj.Meta.SeriesNumber,
		Modality:       obj.Meta.Modality,
		Description:    obj.Meta.SeriesDescription,
		SliceThickness: obj.Meta.SliceThickness,
	})
	unlock()
	if err != nil {
		return domain.Series{}, domain.StorageError{Op: "ensure series", Err: err}
	}
	if series.StudyRef != study.ID {
		return domain.Series{}, domain.ValidationError{
			Field:  "series_uid",
			Reason: fmt.Sprintf("series %s belongs to another study", obj.Meta.SeriesUID),
		}
	}
	return series, nil
}

func (r *Router) archiveSpool(ctx context.Context, key string, obj Object) (blob.Info, error) {
	f, err := os.Open(obj.SpoolPath)
	if err != nil {
		return blob.Info{}, domain.StorageError{Op: "open spool", Err: err}
	}
	defer func() { _ = f.Close() }()
	info, err := r.archive.Put(ctx, key, f)
	if errors.Is(err, blob.ErrExists) {
		// leftover from a crash between archive write and row insert;
		// same SOP UID means same bytes, so the existing object stands
		return r.statExisting(ctx, key)
	}
	if err != nil {
		return blob.Info{}, domain.StorageError{Op: "archive put", Err: err}
	}
	return info, nil
}

func (r *Router) statExisting(ctx context.Context, key string) (blob.Info, error) {
	info, err := r.archive.Stat(ctx, key)
	if err != nil {
		return blob.Info{}, domain.StorageError{Op: "archive stat", Err: err}
	}
	return info, nil
}

func instanceFromMeta(m Metadata) domain.Instance {
	return domain.Instance{
		SOPInstanceUID:      m.SOPInstanceUID,
		Number:              m.InstanceNumber,
		TransferSyntax:      m.TransferSyntax,
		Rows:                m.Rows,
		Columns:             m.Columns,
		BitsAllocated:       m.BitsAllocated,
		BitsStored:          m.BitsStored,
		PixelRepresentation: m.PixelRepresentation,
		RescaleSlope:        m.RescaleSlope,
		RescaleIntercept:    m.RescaleIntercept,
		PixelSpacing:        m.PixelSpacing,
		Position:            m.Position,
		Orientation:         m.Orientation,
		WindowCenter:        m.WindowCenter,
		WindowWidth:         m.WindowWidth,
	}
}

// keyedMutex serializes critical sections per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
