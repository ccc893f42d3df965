// Package api exposes the HTTP query surface: instance rendering,
// measurements, series listings and multiplanar reformation. Object
// ingestion happens over the DICOM listener, never over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"pacscore/internal/measure"
	"pacscore/internal/render"
	"pacscore/internal/volume"
	"pacscore/pkg/domain"
)

// Handler routes the versioned API. All fields must be set.
type Handler struct {
	Meta     domain.MetadataStore
	Renderer *render.Renderer
	Measure  *measure.Engine
	Volume   *volume.Assembler
	Log      *slog.Logger
}

// NewHandler constructs the API handler.
func NewHandler(meta domain.MetadataStore, renderer *render.Renderer, engine *measure.Engine, assembler *volume.Assembler, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Meta: meta, Renderer: renderer, Measure: engine, Volume: assembler, Log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/healthz":
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case strings.HasPrefix(path, "/api/v1/instances/"):
		h.handleInstance(w, r, strings.TrimPrefix(path, "/api/v1/instances/"))
	case strings.HasPrefix(path, "/api/v1/series/"):
		h.handleSeries(w, r, strings.TrimPrefix(path, "/api/v1/series/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleInstance(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	if len(segments) != 2 || segments[0] == "" {
		writeError(w, http.StatusNotFound, "instance endpoint not found")
		return
	}
	id := segments[0]
	switch segments[1] {
	case "render":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleRender(w, r, id)
	case "measurements":
		switch r.Method {
		case http.MethodGet:
			h.handleMeasurementList(w, r, id)
		case http.MethodPost:
			h.handleMeasurementCreate(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		writeError(w, http.StatusNotFound, "instance endpoint not found")
	}
}

func (h *Handler) handleSeries(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	if len(segments) < 2 || segments[0] == "" {
		writeError(w, http.StatusNotFound, "series endpoint not found")
		return
	}
	id := segments[0]
	switch {
	case len(segments) == 2 && segments[1] == "instances":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleSeriesInstances(w, r, id)
	case len(segments) == 4 && segments[1] == "reformat":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleReformat(w, r, id, segments[2], segments[3])
	default:
		writeError(w, http.StatusNotFound, "series endpoint not found")
	}
}

// handleRender serves a windowed PNG of an instance. Query parameters wc
// and ww override the stored window, invert flips the grayscale ramp, and
// size bounds the longest output edge.
func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request, id string) {
	var params render.Params
	q := r.URL.Query()
	if v := q.Get("wc"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid wc %q", v))
			return
		}
		params.Center = f
	}
	if v := q.Get("ww"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid ww %q", v))
			return
		}
		params.Width = f
	}
	if v := q.Get("invert"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid invert %q", v))
			return
		}
		params.Invert = b
	}
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid size %q", v))
			return
		}
		params.Size = n
	}
	img, err := h.Renderer.Render(r.Context(), id, params)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writePNG(w, img)
}

func (h *Handler) handleSeriesInstances(w http.ResponseWriter, r *http.Request, id string) {
	ordered, err := h.Volume.SliceOrder(r.Context(), id)
	if err != nil {
		// a series without spatial metadata still lists, in stored order
		var recon domain.ReconstructionError
		if errors.As(err, &recon) {
			if ordered, err = h.Meta.ListSeriesInstances(r.Context(), id); err != nil {
				h.writeDomainError(w, r, err)
				return
			}
		} else {
			h.writeDomainError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": ordered})
}

func (h *Handler) handleReformat(w http.ResponseWriter, r *http.Request, id, planeStr, indexStr string) {
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid plane index %q", indexStr))
		return
	}
	img, err := h.Volume.Reformat(r.Context(), id, volume.Plane(planeStr), index)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writePNG(w, img)
}

// measurementRequest is the POST body for recording a measurement.
type measurementRequest struct {
	Author string                 `json:"author"`
	Kind   domain.MeasurementKind `json:"kind"`
	Points []domain.Point2        `json:"points"`
}

func (h *Handler) handleMeasurementCreate(w http.ResponseWriter, r *http.Request, id string) {
	var body measurementRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	meas, err := h.Measure.Measure(r.Context(), measure.Request{
		InstanceID: id,
		Author:     body.Author,
		Kind:       body.Kind,
		Points:     body.Points,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"measurement": meas})
}

func (h *Handler) handleMeasurementList(w http.ResponseWriter, r *http.Request, id string) {
	measurements, err := h.Measure.List(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"measurements": measurements})
}

// writeDomainError maps domain error classes onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation domain.ValidationError
		recon      domain.ReconstructionError
		storage    domain.StorageError
	)
	switch {
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrOutOfBounds):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &recon):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &storage):
		h.Log.Error("storage failure serving request", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		h.Log.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writePNG(w http.ResponseWriter, img image.Image) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=60")
	_ = png.Encode(w, img)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
