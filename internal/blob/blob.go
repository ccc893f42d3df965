// Package blob provides the immutable instance archive. Objects are keyed
// by their hierarchy path {facility}/{study_uid}/{series_uid}/{sop_uid};
// once written they are never modified. Backends: local filesystem
// (default), S3/MinIO, and an in-memory store for tests.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete archive backend implementation.
type Driver string

const (
	// DriverFilesystem is the local filesystem backend (default, dev).
	DriverFilesystem Driver = "fs"
	// DriverS3 is an S3 / MinIO compatible backend.
	DriverS3 Driver = "s3"
	// DriverMemory is the in-memory backend used in tests.
	DriverMemory Driver = "memory"
)

// Info describes a stored object.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the archive contract. Put is create-only: writing a key that
// already exists fails with ErrExists, preserving instance immutability at
// the storage layer. Put must not return before the object is durable.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Stat(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// ErrExists is returned by Put for a key that is already stored.
var ErrExists = errors.New("blob: object already exists")

// ErrNotExist is returned for reads of an unknown key.
var ErrNotExist = errors.New("blob: object does not exist")
