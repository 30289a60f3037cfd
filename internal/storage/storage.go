// Package storage provides small-object storage for pipeline state such as
// checkpoints. Implementations cover S3 and the local filesystem.
package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Condition guards a Put. The zero value writes unconditionally.
type Condition struct {
	// IfMatch requires the current object to carry this ETag.
	IfMatch string

	// IfAbsent requires that no object exists yet.
	IfAbsent bool
}

// ObjectStorage abstracts whole-object reads and conditional writes.
type ObjectStorage interface {
	// Get returns the object body and its ETag, or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, string, error)

	// Put writes the object if cond holds and returns the new ETag.
	// A failed condition returns ErrPreconditionFailed.
	Put(ctx context.Context, key string, data []byte, cond Condition) (string, error)

	// List returns all keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ETag returns the content ETag used by LocalStorage, in the same quoted
// MD5 form S3 reports for single-part objects.
func ETag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
