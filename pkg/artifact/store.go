// Package artifact provides the durable artifact store used for run inputs,
// provider outputs, per-step results and pipeline state snapshots.
//
// Keys are slash-separated paths. Implementations must make a Put visible to
// a subsequent Get within the same process, and must never expose a partially
// written artifact: a reader sees either the previous or the new content.
package artifact

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound indicates the artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store is a filesystem-like hierarchy of artifacts.
type Store interface {
	// Put writes data at key, replacing any existing artifact atomically.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the artifact at key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether an artifact exists at key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all artifact keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// IsNotFound reports whether err indicates a missing artifact.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Join builds an artifact key from path segments.
func Join(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}

// PutJSON marshals v (indented) and writes it at key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	b = append(b, '\n')
	return s.Put(ctx, key, b)
}

// GetJSON reads the artifact at key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return fmt.Errorf("artifact %s is empty", key)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

// EncodeJSONL renders items as newline-delimited JSON.
func EncodeJSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range items {
		if err := enc.Encode(items[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// PutJSONL writes items as newline-delimited JSON at key.
func PutJSONL[T any](ctx context.Context, s Store, key string, items []T) error {
	b, err := EncodeJSONL(items)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, b)
}

// DecodeJSONL calls fn with each non-blank line of data.
//
// Decoding stops at the first error returned by fn.
func DecodeJSONL(data []byte, fn func(lineNo int, line []byte) error) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadJSONL reads a JSONL artifact into a slice of T.
func ReadJSONL[T any](ctx context.Context, s Store, key string) ([]T, error) {
	b, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var out []T
	err = DecodeJSONL(b, func(lineNo int, line []byte) error {
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return fmt.Errorf("%s line %d: %w", key, lineNo, err)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}
