package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use. Each Write* method emits
// one complete line.
type Writer interface {
	WriteRun(ctx context.Context, run any) error
	WriteItem(ctx context.Context, item *ItemRecord) error
	WriteFailure(ctx context.Context, failure any) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum any) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w             io.Writer
	correlationID string
	jobType       string
	now           func() time.Time
	mu            sync.Mutex
	closed        bool
}

// NewJSONLWriter creates a writer for one command invocation. A fresh
// correlation id is generated.
func NewJSONLWriter(w io.Writer, jobType string) *JSONLWriter {
	return &JSONLWriter{
		w:             w,
		correlationID: uuid.NewString(),
		jobType:       jobType,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CorrelationID returns the id stamped on every line.
func (jw *JSONLWriter) CorrelationID() string {
	return jw.correlationID
}

// WriteRun emits a run status record.
func (jw *JSONLWriter) WriteRun(ctx context.Context, run any) error {
	return jw.Write(ctx, TypeRun, run)
}

// WriteItem emits a work item record.
func (jw *JSONLWriter) WriteItem(ctx context.Context, item *ItemRecord) error {
	return jw.Write(ctx, TypeItem, item)
}

// WriteFailure emits a failure record.
func (jw *JSONLWriter) WriteFailure(ctx context.Context, failure any) error {
	return jw.Write(ctx, TypeFailure, failure)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.Write(ctx, TypeError, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum any) error {
	return jw.Write(ctx, TypeSummary, sum)
}

// Close marks the writer as closed. The underlying writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// Write marshals data and writes one envelope line of the given type.
func (jw *JSONLWriter) Write(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec := Record{
		Type:          recordType,
		TS:            jw.now(),
		CorrelationID: jw.correlationID,
		JobType:       jw.jobType,
		Data:          dataBytes,
	}
	recordBytes, err := json.Marshal(rec)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a short write would
	// silently truncate the line.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
