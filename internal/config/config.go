// Package config loads runtime settings from the environment. Storage
// drivers read their own PACSCORE_ARCHIVE_* and PACSCORE_DB_* variables;
// everything else lives here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable read at startup.
type Config struct {
	// DICOM listener
	DICOMAddr          string        // PACSCORE_DICOM_ADDR
	AETitle            string        // PACSCORE_AE_TITLE
	MaxAssocsPerTenant int           // PACSCORE_MAX_ASSOCS_PER_TENANT
	IdleTimeout        time.Duration // PACSCORE_IDLE_TIMEOUT
	ReceiveTimeout     time.Duration // PACSCORE_RECEIVE_TIMEOUT
	NegotiationTimeout time.Duration // PACSCORE_NEGOTIATION_TIMEOUT
	MaxObjectFailures  int           // PACSCORE_MAX_OBJECT_FAILURES

	// HTTP query surface
	HTTPAddr string // PACSCORE_HTTP_ADDR

	// ingest
	CommitWorkers int    // PACSCORE_COMMIT_WORKERS
	CommitQueue   int    // PACSCORE_COMMIT_QUEUE
	SpoolDir      string // PACSCORE_SPOOL_DIR

	// caches
	FrameCacheBytes    int64 // PACSCORE_FRAME_CACHE_BYTES
	RasterCacheBytes   int64 // PACSCORE_RASTER_CACHE_BYTES
	ReformatCacheBytes int64 // PACSCORE_REFORMAT_CACHE_BYTES

	// reconciliation
	ReconcileInterval time.Duration // PACSCORE_RECONCILE_INTERVAL, 0 disables
	ReconcileGrace    time.Duration // PACSCORE_RECONCILE_GRACE

	// logging
	LogLevel string // PACSCORE_LOG_LEVEL: debug|info|warn|error
}

// Load reads the environment and applies defaults. Malformed values fail
// loudly rather than silently falling back.
func Load() (Config, error) {
	cfg := Config{
		DICOMAddr: envString("PACSCORE_DICOM_ADDR", ":11112"),
		AETitle:   envString("PACSCORE_AE_TITLE", "PACSCORE"),
		HTTPAddr:  envString("PACSCORE_HTTP_ADDR", ":8080"),
		SpoolDir:  envString("PACSCORE_SPOOL_DIR", "./spool"),
		LogLevel:  envString("PACSCORE_LOG_LEVEL", "info"),
	}
	var err error
	if cfg.MaxAssocsPerTenant, err = envInt("PACSCORE_MAX_ASSOCS_PER_TENANT", 16); err != nil {
		return Config{}, err
	}
	if cfg.MaxObjectFailures, err = envInt("PACSCORE_MAX_OBJECT_FAILURES", 16); err != nil {
		return Config{}, err
	}
	if cfg.CommitWorkers, err = envInt("PACSCORE_COMMIT_WORKERS", 4); err != nil {
		return Config{}, err
	}
	if cfg.CommitQueue, err = envInt("PACSCORE_COMMIT_QUEUE", 64); err != nil {
		return Config{}, err
	}
	if cfg.IdleTimeout, err = envDuration("PACSCORE_IDLE_TIMEOUT", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ReceiveTimeout, err = envDuration("PACSCORE_RECEIVE_TIMEOUT", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.NegotiationTimeout, err = envDuration("PACSCORE_NEGOTIATION_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = envDuration("PACSCORE_RECONCILE_INTERVAL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileGrace, err = envDuration("PACSCORE_RECONCILE_GRACE", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.FrameCacheBytes, err = envBytes("PACSCORE_FRAME_CACHE_BYTES", 256<<20); err != nil {
		return Config{}, err
	}
	if cfg.RasterCacheBytes, err = envBytes("PACSCORE_RASTER_CACHE_BYTES", 64<<20); err != nil {
		return Config{}, err
	}
	if cfg.ReformatCacheBytes, err = envBytes("PACSCORE_REFORMAT_CACHE_BYTES", 64<<20); err != nil {
		return Config{}, err
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("PACSCORE_LOG_LEVEL: unknown level %q", cfg.LogLevel)
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBytes(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
