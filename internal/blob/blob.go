// Package blob reads recordings from S3-compatible object storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned when the object does not exist.
var ErrNotFound = errors.New("object not found")

// ByteRange is an inclusive byte range. End < 0 means open-ended.
type ByteRange struct {
	Start int64
	End   int64
}

// HeaderRange covers the first n bytes of an object.
func HeaderRange(n int64) ByteRange {
	return ByteRange{Start: 0, End: n - 1}
}

// Len returns the number of bytes covered, or -1 when open-ended.
func (r ByteRange) Len() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start + 1
}

// String formats the range as an HTTP Range header value.
func (r ByteRange) String() string {
	if r.End < 0 {
		return "bytes=" + strconv.FormatInt(r.Start, 10) + "-"
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Object is one listed object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Fetcher reads a byte range of one object.
// Implementations may return fewer bytes than requested when the object is shorter.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string, r ByteRange) ([]byte, error)
}

// Lister enumerates objects under a prefix.
type Lister interface {
	List(ctx context.Context, bucket, prefix string, fn func(Object) error) error
}
