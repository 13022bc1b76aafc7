package blob

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteRangeString(t *testing.T) {
	assert.Equal(t, "bytes=0-65535", HeaderRange(64*1024).String())
	assert.Equal(t, "bytes=44-96043", ByteRange{Start: 44, End: 96043}.String())
	assert.Equal(t, "bytes=100-", ByteRange{Start: 100, End: -1}.String())
	assert.Equal(t, int64(65536), HeaderRange(64*1024).Len())
	assert.Equal(t, int64(-1), ByteRange{Start: 3, End: -1}.Len())
}

func TestMemoryFetch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put("b", "k", []byte("0123456789"), time.Now())

	got, err := m.Fetch(ctx, "b", "k", ByteRange{Start: 2, End: 4})
	require.NoError(t, err)
	assert.Equal(t, "234", string(got))

	got, err = m.Fetch(ctx, "b", "k", ByteRange{Start: 8, End: 100})
	require.NoError(t, err)
	assert.Equal(t, "89", string(got))

	got, err = m.Fetch(ctx, "b", "k", ByteRange{Start: 20, End: 30})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = m.Fetch(ctx, "b", "missing", HeaderRange(10))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryList(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.Put("b", "p/eq/2.wav", []byte("xx"), now)
	m.Put("b", "p/eq/1.wav", []byte("x"), now)
	m.Put("b", "other/1.wav", []byte("x"), now)
	m.Put("c", "p/eq/3.wav", []byte("x"), now)

	var keys []string
	require.NoError(t, m.List(context.Background(), "b", "p/", func(o Object) error {
		keys = append(keys, o.Key)
		return nil
	}))
	assert.Equal(t, []string{"p/eq/1.wav", "p/eq/2.wav"}, keys)
}

func newTestS3(t *testing.T, h http.Handler) *S3 {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("key", "secret", ""),
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
	})
	return NewS3(client)
}

func TestS3FetchSendsRange(t *testing.T) {
	var gotRange, gotPath string
	s := newTestS3(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotPath = r.URL.Path
		w.Header().Set("Content-Length", "4")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("RIFF"))
	}))

	got, err := s.Fetch(context.Background(), "recordings", "ras-1/eq/rec.wav", HeaderRange(4))
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(got))
	assert.Equal(t, "bytes=0-3", gotRange)
	assert.Equal(t, "/recordings/ras-1/eq/rec.wav", gotPath)
}

func TestS3FetchCapsBody(t *testing.T) {
	s := newTestS3(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("0123456789"))
	}))

	got, err := s.Fetch(context.Background(), "b", "k", ByteRange{Start: 0, End: 2})
	require.NoError(t, err)
	assert.Equal(t, "012", string(got))
}

func TestS3List(t *testing.T) {
	s := newTestS3(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("list-type"))
		assert.Equal(t, "p/", r.URL.Query().Get("prefix"))
		w.Header().Set("Content-Type", "application/xml")
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
		b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		b.WriteString(`<Name>b</Name><Prefix>p/</Prefix><KeyCount>2</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>`)
		for i := 1; i <= 2; i++ {
			fmt.Fprintf(&b, `<Contents><Key>p/eq/%d.wav</Key><LastModified>2026-03-01T12:0%d:00.000Z</LastModified><Size>%d</Size></Contents>`, i, i, i*100)
		}
		b.WriteString(`</ListBucketResult>`)
		_, _ = w.Write([]byte(b.String()))
	}))

	var objs []Object
	require.NoError(t, s.List(context.Background(), "b", "p/", func(o Object) error {
		objs = append(objs, o)
		return nil
	}))
	require.Len(t, objs, 2)
	assert.Equal(t, "p/eq/2.wav", objs[1].Key)
	assert.Equal(t, int64(200), objs[1].Size)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC), objs[1].LastModified)
}
