package render

import (
	"context"
	"image"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"pacscore/internal/blob"
	"pacscore/internal/metrics"
	"pacscore/pkg/domain"
)

// Config tunes the renderer's caches and decode bound.
type Config struct {
	FrameBudgetBytes  int64         // decoded-frame cache budget
	RasterBudgetBytes int64         // rendered-raster cache budget
	DecodeTimeout     time.Duration // bounds one decode+transform
}

func (c *Config) applyDefaults() {
	if c.FrameBudgetBytes <= 0 {
		c.FrameBudgetBytes = 256 << 20
	}
	if c.RasterBudgetBytes <= 0 {
		c.RasterBudgetBytes = 64 << 20
	}
	if c.DecodeTimeout <= 0 {
		c.DecodeTimeout = 30 * time.Second
	}
}

// Renderer serves display-ready rasters. Concurrent requests for the same
// cache key coalesce into a single decode+transform; failed renders never
// publish a cache entry.
type Renderer struct {
	meta    domain.MetadataStore
	archive blob.Store
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	frames  *ByteCache[*Frame]
	rasters *ByteCache[*image.Gray]
	group   singleflight.Group
	decodes atomic.Int64
}

// NewRenderer wires the renderer. The metrics handle may be nil.
func NewRenderer(meta domain.MetadataStore, archive blob.Store, cfg Config, m *metrics.Metrics, log *slog.Logger) *Renderer {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Renderer{
		meta:    meta,
		archive: archive,
		cfg:     cfg,
		log:     log,
		metrics: m,
		frames:  NewByteCache[*Frame](cfg.FrameBudgetBytes, func(f *Frame) int64 { return f.SizeBytes() }),
		rasters: NewByteCache[*image.Gray](cfg.RasterBudgetBytes, func(g *image.Gray) int64 { return int64(len(g.Pix)) }),
	}
}

// Decodes reports how many pixel decodes have run, for tests and
// diagnostics.
func (r *Renderer) Decodes() int64 { return r.decodes.Load() }

// Render produces the raster for an instance and parameter set. The
// caller's context cancels the wait; the underlying work is bounded by the
// decode timeout and shared with coalesced callers.
func (r *Renderer) Render(ctx context.Context, instanceID string, p Params) (*image.Gray, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	inst, err := r.meta.Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	key := "raster|" + inst.ID + "|" + p.Key()
	if img, ok := r.rasters.Get(key); ok {
		if r.metrics != nil {
			r.metrics.RenderCacheHits.Inc()
		}
		return img, nil
	}
	ch := r.group.DoChan(key, func() (any, error) {
		// detached from any single caller so coalesced requests share
		// the outcome even if the first caller goes away
		workCtx, cancel := context.WithTimeout(context.Background(), r.cfg.DecodeTimeout)
		defer cancel()
		frame, err := r.frame(workCtx, inst)
		if err != nil {
			return nil, err
		}
		center, width := resolveWindow(p, inst, frame)
		img := resizeGray(applyWindow(frame, center, width, p.Invert), p.Size)
		r.rasters.Add(key, img)
		return img, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*image.Gray), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Frame returns the decoded modality-value frame for an instance, from
// cache when possible. The volume assembler shares this path.
func (r *Renderer) Frame(ctx context.Context, inst domain.Instance) (*Frame, error) {
	return r.frame(ctx, inst)
}

func (r *Renderer) frame(ctx context.Context, inst domain.Instance) (*Frame, error) {
	key := "frame|" + inst.ID
	if f, ok := r.frames.Get(key); ok {
		return f, nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		_, rc, err := r.archive.Get(ctx, inst.StorageKey)
		if err != nil {
			return nil, domain.StorageError{Op: "archive get", Err: err}
		}
		defer func() { _ = rc.Close() }()
		r.decodes.Add(1)
		if r.metrics != nil {
			r.metrics.RenderDecodes.Inc()
		}
		frame, err := DecodeFrame(inst, contextReader{ctx: ctx, r: rc})
		if err != nil {
			return nil, err
		}
		r.frames.Add(key, frame)
		return frame, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Frame), nil
}

// contextReader aborts a decode when its context expires, bounding a
// pathological stream.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
