package volume

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"pacscore/internal/blob"
	"pacscore/internal/dicom"
	"pacscore/internal/render"
	"pacscore/internal/store"
	"pacscore/pkg/domain"
)

func newTestAssembler(t *testing.T) (*Assembler, domain.MetadataStore, blob.Store) {
	t.Helper()
	meta := store.NewMemory()
	archive := blob.NewMemory()
	renderer := render.NewRenderer(meta, archive, render.Config{}, nil, nil)
	return NewAssembler(meta, renderer, Config{}, nil, nil), meta, archive
}

func seedSeries(t *testing.T, meta domain.MetadataStore) domain.Series {
	t.Helper()
	series, _, err := meta.EnsureSeries(context.Background(), domain.Series{
		SeriesUID: "1.2.840.99.1",
		StudyRef:  "study-1",
		Modality:  "CT",
	})
	if err != nil {
		t.Fatalf("ensure series: %v", err)
	}
	return series
}

// sliceOpts overrides the defaults of storeSlice.
type sliceOpts struct {
	rows, cols  int
	orientation domain.Orient
}

var axialOrient = domain.Orient{
	Row:    domain.Vector3{X: 1},
	Column: domain.Vector3{Y: 1},
}

// storeSlice archives an 8-bit slice of uniform value at depth z and
// inserts its instance row with axial geometry and 1mm pixel spacing.
func storeSlice(t *testing.T, meta domain.MetadataStore, archive blob.Store, seriesID, sopUID string, z float64, value byte, opts *sliceOpts) domain.Instance {
	t.Helper()
	rows, cols := 4, 6
	orient := axialOrient
	if opts != nil {
		if opts.rows > 0 {
			rows, cols = opts.rows, opts.cols
		}
		if opts.orientation != (domain.Orient{}) {
			orient = opts.orientation
		}
	}
	pixels := bytes.Repeat([]byte{value}, rows*cols)

	syntax, err := dicom.LookupSyntax(dicom.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("syntax: %v", err)
	}
	buf := &bytes.Buffer{}
	w := dicom.NewWriter(buf, syntax)
	steps := []error{
		w.String(dicom.TagSOPInstanceUID, sopUID),
		w.Uint16(dicom.TagRows, uint16(rows)),
		w.Uint16(dicom.TagColumns, uint16(cols)),
		w.Uint16(dicom.TagBitsAllocated, 8),
		w.Uint16(dicom.TagBitsStored, 8),
		w.Uint16(dicom.TagPixelRepresentation, 0),
		w.PixelData(bytes.NewReader(pixels), uint32(len(pixels))),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("write element %d: %v", i, err)
		}
	}
	ctx := context.Background()
	key := fmt.Sprintf("FAC/1.2/%s/%s", seriesID, sopUID)
	if _, err := archive.Put(ctx, key, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("archive put: %v", err)
	}
	inst, err := meta.InsertInstance(ctx, domain.Instance{
		SOPInstanceUID: sopUID,
		SeriesRef:      seriesID,
		StorageKey:     key,
		TransferSyntax: dicom.ExplicitVRLittleEndian,
		Rows:           rows,
		Columns:        cols,
		BitsAllocated:  8,
		BitsStored:     8,
		RescaleSlope:   1,
		PixelSpacing:   &domain.Spacing{Row: 1, Column: 1},
		Position:       &domain.Vector3{Z: z},
		Orientation:    &orient,
		WindowCenter:   100,
		WindowWidth:    200,
	})
	if err != nil {
		t.Fatalf("insert instance %s: %v", sopUID, err)
	}
	return inst
}

func TestSliceOrderFollowsPositionNotArrival(t *testing.T) {
	a, meta, archive := newTestAssembler(t)
	series := seedSeries(t, meta)

	// arrival order deliberately disagrees with spatial order
	storeSlice(t, meta, archive, series.ID, "1.2.3.30", 4, 0, nil)
	storeSlice(t, meta, archive, series.ID, "1.2.3.10", 0, 0, nil)
	storeSlice(t, meta, archive, series.ID, "1.2.3.20", 2, 0, nil)

	ordered, err := a.SliceOrder(context.Background(), series.ID)
	if err != nil {
		t.Fatalf("slice order: %v", err)
	}
	want := []string{"1.2.3.10", "1.2.3.20", "1.2.3.30"}
	if len(ordered) != len(want) {
		t.Fatalf("got %d slices, want %d", len(ordered), len(want))
	}
	for i, uid := range want {
		if ordered[i].SOPInstanceUID != uid {
			t.Fatalf("slice %d is %s, want %s", i, ordered[i].SOPInstanceUID, uid)
		}
	}
}

func TestAxialReformatInterpolatesBetweenSlices(t *testing.T) {
	a, meta, archive := newTestAssembler(t)
	series := seedSeries(t, meta)

	// two slices 2mm apart, 1mm in-plane spacing: axial index 1 lands
	// exactly midway and interpolates the two values
	storeSlice(t, meta, archive, series.ID, "1.2.3.1", 0, 0, nil)
	storeSlice(t, meta, archive, series.ID, "1.2.3.2", 2, 200, nil)

	ctx := context.Background()
	first, err := a.Reformat(ctx, series.ID, PlaneAxial, 0)
	if err != nil {
		t.Fatalf("reformat index 0: %v", err)
	}
	// window center 100 width 200: value 0 maps to 0
	if first.Pix[0] != 0 {
		t.Fatalf("index 0 pix = %d, want 0", first.Pix[0])
	}

	mid, err := a.Reformat(ctx, series.ID, PlaneAxial, 1)
	if err != nil {
		t.Fatalf("reformat index 1: %v", err)
	}
	// interpolated value 100 maps to clamp((100-100+100)/200)*255 = 128
	if mid.Pix[0] != 128 {
		t.Fatalf("index 1 pix = %d, want 128", mid.Pix[0])
	}

	last, err := a.Reformat(ctx, series.ID, PlaneAxial, 2)
	if err != nil {
		t.Fatalf("reformat index 2: %v", err)
	}
	if last.Pix[0] != 255 {
		t.Fatalf("index 2 pix = %d, want 255", last.Pix[0])
	}
}

func TestReformatIndexOutOfBounds(t *testing.T) {
	a, meta, archive := newTestAssembler(t)
	series := seedSeries(t, meta)
	storeSlice(t, meta, archive, series.ID, "1.2.3.1", 0, 0, nil)
	storeSlice(t, meta, archive, series.ID, "1.2.3.2", 2, 0, nil)

	ctx := context.Background()
	cases := []struct {
		plane Plane
		index int
	}{
		{PlaneAxial, 3}, // depth 2mm at 1mm step gives indexes 0..2
		{PlaneAxial, -1},
		{PlaneCoronal, 4},  // 4 rows
		{PlaneSagittal, 6}, // 6 columns
	}
	for _, tc := range cases {
		if _, err := a.Reformat(ctx, series.ID, tc.plane, tc.index); !errors.Is(err, domain.ErrOutOfBounds) {
			t.Fatalf("%s index %d: got %v, want out of bounds", tc.plane, tc.index, err)
		}
	}
	if _, err := a.Reformat(ctx, series.ID, Plane("oblique"), 0); err == nil {
		t.Fatal("unknown plane accepted")
	}
}

func TestCoronalAndSagittalDimensions(t *testing.T) {
	a, meta, archive := newTestAssembler(t)
	series := seedSeries(t, meta)
	storeSlice(t, meta, archive, series.ID, "1.2.3.1", 0, 50, nil)
	storeSlice(t, meta, archive, series.ID, "1.2.3.2", 2, 50, nil)

	ctx := context.Background()
	cor, err := a.Reformat(ctx, series.ID, PlaneCoronal, 0)
	if err != nil {
		t.Fatalf("coronal: %v", err)
	}
	if b := cor.Bounds(); b.Dx() != 6 || b.Dy() != 3 {
		t.Fatalf("coronal bounds %v, want 6x3", b)
	}
	sag, err := a.Reformat(ctx, series.ID, PlaneSagittal, 0)
	if err != nil {
		t.Fatalf("sagittal: %v", err)
	}
	if b := sag.Bounds(); b.Dx() != 4 || b.Dy() != 3 {
		t.Fatalf("sagittal bounds %v, want 4x3", b)
	}
}

func TestInconsistentGeometryFailsReconstruction(t *testing.T) {
	ctx := context.Background()

	t.Run("orientation deviates", func(t *testing.T) {
		a, meta, archive := newTestAssembler(t)
		series := seedSeries(t, meta)
		storeSlice(t, meta, archive, series.ID, "1.2.3.1", 0, 0, nil)
		tilted := domain.Orient{
			Row:    domain.Vector3{X: 1},
			Column: domain.Vector3{Y: 0.9, Z: 0.1},
		}
		storeSlice(t, meta, archive, series.ID, "1.2.3.2", 2, 0, &sliceOpts{orientation: tilted})
		var recon domain.ReconstructionError
		if _, err := a.Reformat(ctx, series.ID, PlaneAxial, 0); !errors.As(err, &recon) {
			t.Fatalf("got %v, want reconstruction error", err)
		}
	})

	t.Run("matrix size differs", func(t *testing.T) {
		a, meta, archive := newTestAssembler(t)
		series := seedSeries(t, meta)
		storeSlice(t, meta, archive, series.ID, "1.2.3.1", 0, 0, nil)
		storeSlice(t, meta, archive, series.ID, "1.2.3.2", 2, 0, &sliceOpts{rows: 8, cols: 8, orientation: axialOrient})
		var recon domain.ReconstructionError
		if _, err := a.Reformat(ctx, series.ID, PlaneAxial, 0); !errors.As(err, &recon) {
			t.Fatalf("got %v, want reconstruction error", err)
		}
	})

	t.Run("uneven spacing", func(t *testing.T) {
		a, meta, archive := newTestAssembler(t)
		series := seedSeries(t, meta)
		storeSlice(t, meta, archive, series.ID, "1.2.3.1", 0, 0, nil)
		storeSlice(t, meta, archive, series.ID, "1.2.3.2", 1, 0, nil)
		storeSlice(t, meta, archive, series.ID, "1.2.3.3", 3, 0, nil)
		var recon domain.ReconstructionError
		if _, err := a.Reformat(ctx, series.ID, PlaneAxial, 0); !errors.As(err, &recon) {
			t.Fatalf("got %v, want reconstruction error", err)
		}
	})

	t.Run("duplicated position among spaced slices", func(t *testing.T) {
		a, meta, archive := newTestAssembler(t)
		// a declared nominal thickness must not paper over the duplicate
		series, _, err := meta.EnsureSeries(ctx, domain.Series{
			SeriesUID: "1.2.840.99.2", StudyRef: "study-1", Modality: "CT", SliceThickness: 2,
		})
		if err != nil {
			t.Fatalf("ensure series: %v", err)
		}
		storeSlice(t, meta, archive, series.ID, "1.2.3.1", 0, 0, nil)
		storeSlice(t, meta, archive, series.ID, "1.2.3.2", 0, 0, nil)
		storeSlice(t, meta, archive, series.ID, "1.2.3.3", 2, 0, nil)
		var recon domain.ReconstructionError
		if _, err := a.Reformat(ctx, series.ID, PlaneAxial, 0); !errors.As(err, &recon) {
			t.Fatalf("got %v, want reconstruction error", err)
		}
	})

	t.Run("single slice", func(t *testing.T) {
		a, meta, archive := newTestAssembler(t)
		series := seedSeries(t, meta)
		storeSlice(t, meta, archive, series.ID, "1.2.3.1", 0, 0, nil)
		var recon domain.ReconstructionError
		if _, err := a.Reformat(ctx, series.ID, PlaneAxial, 0); !errors.As(err, &recon) {
			t.Fatalf("got %v, want reconstruction error", err)
		}
	})
}

func TestCoincidentPositionsFallBackToNominalSpacing(t *testing.T) {
	a, meta, archive := newTestAssembler(t)
	series, _, err := meta.EnsureSeries(context.Background(), domain.Series{
		SeriesUID: "1.2.840.99.3", StudyRef: "study-1", Modality: "CT", SliceThickness: 2,
	})
	if err != nil {
		t.Fatalf("ensure series: %v", err)
	}
	storeSlice(t, meta, archive, series.ID, "1.2.3.1", 0, 10, nil)
	storeSlice(t, meta, archive, series.ID, "1.2.3.2", 0, 20, nil)

	if _, err := a.Reformat(context.Background(), series.ID, PlaneAxial, 0); err != nil {
		t.Fatalf("reformat with nominal spacing: %v", err)
	}
	if _, err := a.Reformat(context.Background(), series.ID, PlaneAxial, 1); !errors.Is(err, domain.ErrOutOfBounds) {
		t.Fatalf("zero-depth volume index 1: got %v, want out of bounds", err)
	}
}

func TestReformatCachesRaster(t *testing.T) {
	a, meta, archive := newTestAssembler(t)
	series := seedSeries(t, meta)
	storeSlice(t, meta, archive, series.ID, "1.2.3.1", 0, 10, nil)
	storeSlice(t, meta, archive, series.ID, "1.2.3.2", 2, 20, nil)

	ctx := context.Background()
	if _, err := a.Reformat(ctx, series.ID, PlaneAxial, 0); err != nil {
		t.Fatalf("first reformat: %v", err)
	}
	decodes := a.renderer.Decodes()
	if decodes != 2 {
		t.Fatalf("decodes after assembly = %d, want 2", decodes)
	}
	if _, err := a.Reformat(ctx, series.ID, PlaneAxial, 0); err != nil {
		t.Fatalf("second reformat: %v", err)
	}
	if got := a.renderer.Decodes(); got != decodes {
		t.Fatalf("cached reformat decoded again: %d -> %d", decodes, got)
	}
}
