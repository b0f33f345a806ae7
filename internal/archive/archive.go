// Package archive stores finished run reports as documents in a blob store:
// a local directory, an S3 bucket or process memory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("archive: object not found")

// Store is a flat key/value blob store. Keys use forward slashes.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Driver selects a Store implementation.
type Driver string

const (
	DriverNone   Driver = "none"
	DriverMemory Driver = "memory"
	DriverFS     Driver = "fs"
	DriverS3     Driver = "s3"
)

// Options configure Open.
type Options struct {
	Driver Driver
	Root   string
	S3     S3Config
}

// Open returns the store selected by opts. DriverNone (or empty) yields a
// nil store and no error.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverNone:
		return nil, nil
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverFS:
		return NewFSStore(opts.Root)
	case DriverS3:
		return NewS3Store(ctx, opts.S3)
	default:
		return nil, fmt.Errorf("archive: unknown driver %s", opts.Driver)
	}
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return "", errors.New("archive: empty key")
	case strings.HasPrefix(key, "/"):
		return "", fmt.Errorf("archive: absolute key %q", key)
	case strings.Contains(key, ".."):
		return "", fmt.Errorf("archive: key %q escapes the archive", key)
	}
	return key, nil
}
