package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pacscore/internal/blob"
	"pacscore/internal/dicom"
	"pacscore/internal/measure"
	"pacscore/internal/render"
	"pacscore/internal/store"
	"pacscore/internal/volume"
	"pacscore/pkg/domain"
)

type fixture struct {
	handler *Handler
	meta    domain.MetadataStore
	archive blob.Store
	series  domain.Series
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	meta := store.NewMemory()
	archive := blob.NewMemory()
	renderer := render.NewRenderer(meta, archive, render.Config{}, nil, nil)
	assembler := volume.NewAssembler(meta, renderer, volume.Config{}, nil, nil)
	engine := measure.NewEngine(meta, nil)
	series, _, err := meta.EnsureSeries(context.Background(), domain.Series{
		SeriesUID: "1.2.840.99.1",
		StudyRef:  "study-1",
		Modality:  "CT",
	})
	if err != nil {
		t.Fatalf("ensure series: %v", err)
	}
	return &fixture{
		handler: NewHandler(meta, renderer, engine, assembler, nil),
		meta:    meta,
		archive: archive,
		series:  series,
	}
}

// addSlice archives an 8-bit slice of uniform value at depth z.
func (f *fixture) addSlice(t *testing.T, sopUID string, z float64, value byte) domain.Instance {
	t.Helper()
	rows, cols := 4, 4
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
	key := fmt.Sprintf("FAC/1.2/%s/%s", f.series.SeriesUID, sopUID)
	if _, err := f.archive.Put(ctx, key, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("archive put: %v", err)
	}
	inst, err := f.meta.InsertInstance(ctx, domain.Instance{
		SOPInstanceUID: sopUID,
		SeriesRef:      f.series.ID,
		StorageKey:     key,
		TransferSyntax: dicom.ExplicitVRLittleEndian,
		Rows:           rows,
		Columns:        cols,
		BitsAllocated:  8,
		BitsStored:     8,
		RescaleSlope:   1,
		PixelSpacing:   &domain.Spacing{Row: 1, Column: 1},
		Position:       &domain.Vector3{Z: z},
		Orientation:    &domain.Orient{Row: domain.Vector3{X: 1}, Column: domain.Vector3{Y: 1}},
		WindowCenter:   100,
		WindowWidth:    200,
	})
	if err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	return inst
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRenderEndpointServesPNG(t *testing.T) {
	f := newFixture(t)
	inst := f.addSlice(t, "1.2.3.1", 0, 200)

	rec := f.get(t, "/api/v1/instances/"+inst.ID+"/render?wc=100&ww=200&size=4")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type %q", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Fatalf("bounds %v, want 4x4", b)
	}
}

func TestRenderEndpointErrors(t *testing.T) {
	f := newFixture(t)
	inst := f.addSlice(t, "1.2.3.1", 0, 0)

	cases := []struct {
		path string
		code int
	}{
		{"/api/v1/instances/missing/render", http.StatusNotFound},
		{"/api/v1/instances/" + inst.ID + "/render?ww=bogus", http.StatusBadRequest},
		{"/api/v1/instances/" + inst.ID + "/render?size=-2", http.StatusBadRequest},
		{"/api/v1/instances/" + inst.ID + "/render?ww=-5", http.StatusBadRequest},
		{"/api/v1/instances/" + inst.ID + "/unknown", http.StatusNotFound},
	}
	for _, tc := range cases {
		if rec := f.get(t, tc.path); rec.Code != tc.code {
			t.Fatalf("%s: status %d, want %d (%s)", tc.path, rec.Code, tc.code, rec.Body)
		}
	}
}

func TestSeriesInstancesOrderedByPosition(t *testing.T) {
	f := newFixture(t)
	f.addSlice(t, "1.2.3.30", 4, 0)
	f.addSlice(t, "1.2.3.10", 0, 0)
	f.addSlice(t, "1.2.3.20", 2, 0)

	rec := f.get(t, "/api/v1/series/"+f.series.ID+"/instances")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Instances []domain.Instance `json:"instances"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	want := []string{"1.2.3.10", "1.2.3.20", "1.2.3.30"}
	if len(body.Instances) != len(want) {
		t.Fatalf("got %d instances, want %d", len(body.Instances), len(want))
	}
	for i, uid := range want {
		if body.Instances[i].SOPInstanceUID != uid {
			t.Fatalf("instance %d is %s, want %s", i, body.Instances[i].SOPInstanceUID, uid)
		}
	}
}

func TestReformatEndpoint(t *testing.T) {
	f := newFixture(t)
	f.addSlice(t, "1.2.3.1", 0, 0)
	f.addSlice(t, "1.2.3.2", 2, 200)

	rec := f.get(t, "/api/v1/series/"+f.series.ID+"/reformat/axial/1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Fatalf("decode png: %v", err)
	}

	if rec := f.get(t, "/api/v1/series/"+f.series.ID+"/reformat/axial/99"); rec.Code != http.StatusNotFound {
		t.Fatalf("out of range index: status %d", rec.Code)
	}
	if rec := f.get(t, "/api/v1/series/"+f.series.ID+"/reformat/oblique/0"); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown plane: status %d", rec.Code)
	}
	if rec := f.get(t, "/api/v1/series/"+f.series.ID+"/reformat/axial/x"); rec.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric index: status %d", rec.Code)
	}
}

func TestReformatInconsistentSeriesIsUnprocessable(t *testing.T) {
	f := newFixture(t)
	f.addSlice(t, "1.2.3.1", 0, 0)
	f.addSlice(t, "1.2.3.2", 1, 0)
	f.addSlice(t, "1.2.3.3", 5, 0) // uneven spacing

	rec := f.get(t, "/api/v1/series/"+f.series.ID+"/reformat/axial/0")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422 (%s)", rec.Code, rec.Body)
	}
}

func TestMeasurementLifecycle(t *testing.T) {
	f := newFixture(t)
	inst := f.addSlice(t, "1.2.3.1", 0, 0)

	body := `{"author":"dr.adams","kind":"length","points":[{"x":0,"y":0},{"x":3,"y":4}]}`
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/v1/instances/"+inst.ID+"/measurements", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body)
	}
	var created struct {
		Measurement domain.Measurement `json:"measurement"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.Measurement.Unit != "mm" {
		t.Fatalf("unit %q, want mm", created.Measurement.Unit)
	}
	if created.Measurement.Value != 5 {
		t.Fatalf("value %g, want 5", created.Measurement.Value)
	}

	list := f.get(t, "/api/v1/instances/"+inst.ID+"/measurements")
	if list.Code != http.StatusOK {
		t.Fatalf("list status %d: %s", list.Code, list.Body)
	}
	var listed struct {
		Measurements []domain.Measurement `json:"measurements"`
	}
	if err := json.NewDecoder(list.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Measurements) != 1 || listed.Measurements[0].ID != created.Measurement.ID {
		t.Fatalf("listed %d measurements", len(listed.Measurements))
	}
}

func TestMeasurementValidationErrors(t *testing.T) {
	f := newFixture(t)
	inst := f.addSlice(t, "1.2.3.1", 0, 0)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"unknown kind", `{"kind":"radius","points":[{"x":0,"y":0},{"x":1,"y":1}]}`, http.StatusBadRequest},
		{"too few points", `{"kind":"length","points":[{"x":0,"y":0}]}`, http.StatusBadRequest},
		{"unknown field", `{"kind":"length","points":[],"blob":1}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
			"/api/v1/instances/"+inst.ID+"/measurements", strings.NewReader(tc.body)))
		if rec.Code != tc.code {
			t.Fatalf("%s: status %d, want %d (%s)", tc.name, rec.Code, tc.code, rec.Body)
		}
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/api/v1/instances/missing/measurements",
		strings.NewReader(`{"kind":"length","points":[{"x":0,"y":0},{"x":1,"y":1}]}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing instance: status %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	if rec := f.get(t, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}
