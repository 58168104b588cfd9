// Package statestore implements the State Store Client: a semantic KV
// abstraction over dual GCS/local backends, with named stores (state,
// artifacts, dead-letter, history) and transparent gzip+base64 snapshot
// compression.
package statestore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// Store name is a namespace prefix within the backend, matching the
// teacher's "sub-" key-prefix convention generalized to four namespaces.
type StoreName string

const (
	StoreState      StoreName = "state"
	StoreArtifacts  StoreName = "artifacts"
	StoreDeadLetter StoreName = "deadletter"
	StoreHistory    StoreName = "history"
)

// snapshotCompression sentinel fields, per spec §4.11.
const (
	compressionFieldGzipBase64 = "gzip+base64"
)

type compressedEnvelope struct {
	Compression string `json:"compression"`
	TextGzipB64 string `json:"text_gzip_base64"`
	HTMLGzipB64 string `json:"html_gzip_base64,omitempty"`
	TextLen     int    `json:"text_len"`
}

// Client is the dual-backend KV store. Exactly one of gcsClient/localPath is set.
type Client struct {
	gcsClient *storage.Client
	bucket    string
	localPath string
	logger    *slog.Logger
}

// New constructs a Client backed by GCS when bucket is non-empty, otherwise
// by the local filesystem rooted at localPath, mirroring the teacher's
// storage.Store backend-selection convention.
func New(gcsClient *storage.Client, bucket, localPath string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{gcsClient: gcsClient, bucket: bucket, localPath: localPath, logger: logger}
}

func (c *Client) objectKey(store StoreName, key string) string {
	return fmt.Sprintf("%s/%s", store, key)
}

// ErrNotFound is returned by Get when the key does not exist in either backend.
var ErrNotFound = errors.New("statestore: key not found")

// Get retrieves raw bytes for key in store.
func (c *Client) Get(ctx context.Context, store StoreName, key string) ([]byte, error) {
	objKey := c.objectKey(store, key)

	if c.localPath != "" {
		data, err := os.ReadFile(filepath.Join(c.localPath, objKey))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("statestore: read local %s: %w", objKey, err)
		}
		return data, nil
	}

	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := c.gcsClient.Bucket(c.bucket).Object(objKey).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("statestore: open reader %s: %w", objKey, openErr)
			}
			defer r.Close()
			var readErr error
			data, readErr = io.ReadAll(r)
			return readErr
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("statestore: get after retries: %w", err)
	}
	return data, nil
}

// Put writes raw bytes for key in store.
func (c *Client) Put(ctx context.Context, store StoreName, key string, value []byte) error {
	objKey := c.objectKey(store, key)

	if c.localPath != "" {
		dir := filepath.Dir(filepath.Join(c.localPath, objKey))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("statestore: mkdir %s: %w", dir, err)
		}
		if err := os.WriteFile(filepath.Join(c.localPath, objKey), value, 0o600); err != nil {
			return fmt.Errorf("statestore: write local %s: %w", objKey, err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			w := c.gcsClient.Bucket(c.bucket).Object(objKey).NewWriter(ctx)
			if _, writeErr := w.Write(value); writeErr != nil {
				w.Close()
				return fmt.Errorf("statestore: write %s: %w", objKey, writeErr)
			}
			return w.Close()
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("statestore: put after retries: %w", err)
	}
	return nil
}

// ListEntry is one row of a List result.
type ListEntry struct {
	Key   string
	Value []byte
}

// ListOptions controls pagination and ordering of List.
type ListOptions struct {
	Limit  int
	Offset int
	Desc   bool
}

// List enumerates keys under store, newest-first when Desc is set (by key,
// since keys are chronologically prefixed by callers that need ordering).
func (c *Client) List(ctx context.Context, store StoreName, opts ListOptions) ([]ListEntry, error) {
	prefix := string(store) + "/"
	var keys []string

	if c.localPath != "" {
		dir := filepath.Join(c.localPath, string(store))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("statestore: read dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				keys = append(keys, prefix+e.Name())
			}
		}
	} else {
		it := c.gcsClient.Bucket(c.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("statestore: iterate %s: %w", prefix, err)
			}
			keys = append(keys, attrs.Name)
		}
	}

	sort.Strings(keys)
	if opts.Desc {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	if opts.Offset > 0 && opts.Offset < len(keys) {
		keys = keys[opts.Offset:]
	} else if opts.Offset >= len(keys) {
		keys = nil
	}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	out := make([]ListEntry, 0, len(keys))
	for _, k := range keys {
		short := strings.TrimPrefix(k, prefix)
		value, err := c.Get(ctx, store, short)
		if err != nil {
			c.logger.Warn("statestore: skipping unreadable entry", "key", k, "error", err)
			continue
		}
		out = append(out, ListEntry{Key: short, Value: value})
	}
	return out, nil
}

// PutSnapshotFields returns the persisted form of a Snapshot's text/html:
// a gzip+base64 envelope when that shrinks the encoded payload, otherwise
// the raw text/html fields. It does not write to any store.
func PutSnapshotFields(text, html string) (map[string]any, error) {
	raw, err := json.Marshal(map[string]string{"text": text, "html": html})
	if err != nil {
		return nil, err
	}

	compressedText, err := gzipBase64(text)
	if err != nil {
		return nil, err
	}
	var compressedHTML string
	if html != "" {
		compressedHTML, err = gzipBase64(html)
		if err != nil {
			return nil, err
		}
	}

	envelope := compressedEnvelope{
		Compression: compressionFieldGzipBase64,
		TextGzipB64: compressedText,
		HTMLGzipB64: compressedHTML,
		TextLen:     len([]rune(text)),
	}
	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	if len(envelopeBytes) >= len(raw) {
		return map[string]any{"text": text, "html": html}, nil
	}

	var out map[string]any
	if err := json.Unmarshal(envelopeBytes, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeSnapshotFields transparently decodes a snapshot payload that may be
// raw or gzip+base64 compressed.
func DecodeSnapshotFields(fields map[string]any) (text, html string, err error) {
	if compression, ok := fields["compression"].(string); ok && compression == compressionFieldGzipBase64 {
		if b64, ok := fields["text_gzip_base64"].(string); ok {
			text, err = gunzipBase64(b64)
			if err != nil {
				return "", "", err
			}
		}
		if b64, ok := fields["html_gzip_base64"].(string); ok && b64 != "" {
			html, err = gunzipBase64(b64)
			if err != nil {
				return "", "", err
			}
		}
		return text, html, nil
	}
	if t, ok := fields["text"].(string); ok {
		text = t
	}
	if h, ok := fields["html"].(string); ok {
		html = h
	}
	return text, html, nil
}

func gzipBase64(s string) (string, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func gunzipBase64(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer r.Close()
	decompressed, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(decompressed), nil
}
