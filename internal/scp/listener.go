// Package scp implements the storage service role: it accepts transport
// connections, negotiates associations, authenticates the calling AE title
// against the tenant directory, and drives the per-association receive
// loop that hands validated objects to the ingest pipeline.
package scp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"pacscore/internal/ingest"
	"pacscore/internal/metrics"
	"pacscore/pkg/domain"
)

// Config tunes the listener.
type Config struct {
	Addr               string        // listen address, e.g. :11112
	AETitle            string        // the called AE title this service answers to
	MaxAssocsPerTenant int           // admission control limit, 0 disables
	IdleTimeout        time.Duration // no message within this window aborts the association
	ReceiveTimeout     time.Duration // bounds one object's dataset transfer
	MaxObjectFailures  int           // per-association rejected-object budget before abort
	NegotiationTimeout time.Duration // bounds the associate handshake
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":11112"
	}
	if c.AETitle == "" {
		c.AETitle = "PACSCORE"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 5 * time.Minute
	}
	if c.MaxObjectFailures <= 0 {
		c.MaxObjectFailures = 16
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = 15 * time.Second
	}
}

// Listener accepts associations and runs one goroutine per connection.
// Associations from different tenants are fully independent.
type Listener struct {
	cfg       Config
	directory domain.TenantDirectory
	pool      *ingest.Pool
	spool     *ingest.Spool
	metrics   *metrics.Metrics
	log       *slog.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu     sync.Mutex
	active map[string]int // established associations per facility id
}

// NewListener wires the listener. The metrics handle may be nil in tests.
func NewListener(cfg Config, directory domain.TenantDirectory, pool *ingest.Pool, spool *ingest.Spool, m *metrics.Metrics, log *slog.Logger) *Listener {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		cfg:       cfg,
		directory: directory,
		pool:      pool,
		spool:     spool,
		metrics:   m,
		log:       log,
		active:    make(map[string]int),
	}
}

// Addr returns the bound listen address. Valid after Serve has started
// accepting (use Started to wait in tests).
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve binds the address and accepts associations until ctx is canceled.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.cfg.Addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	l.log.Info("association listener started", "addr", ln.Addr().String(), "ae_title", l.cfg.AETitle)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			l.log.Warn("accept failed", "error", err)
			if errors.Is(err, net.ErrClosed) {
				break
			}
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			assoc := newAssociation(l, conn)
			assoc.run(ctx)
		}()
	}
	l.wg.Wait()
	return ctx.Err()
}

// admit reserves an association slot for the facility. It reports false
// when the tenant is at its concurrency limit; such attempts are rejected,
// never queued.
func (l *Listener) admit(facilityID string) bool {
	if l.cfg.MaxAssocsPerTenant <= 0 {
		l.mu.Lock()
		l.active[facilityID]++
		l.mu.Unlock()
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[facilityID] >= l.cfg.MaxAssocsPerTenant {
		return false
	}
	l.active[facilityID]++
	return true
}

func (l *Listener) release(facilityID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[facilityID]--
	if l.active[facilityID] <= 0 {
		delete(l.active, facilityID)
	}
}

func (l *Listener) countRejected(reason string) {
	if l.metrics != nil {
		l.metrics.AssociationsRejected.WithLabelValues(reason).Inc()
	}
}
