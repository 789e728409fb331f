package writer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nvandessel/acoupipe/internal/errdefs"
	"github.com/nvandessel/acoupipe/internal/features"
	"github.com/nvandessel/acoupipe/internal/pipeline"
)

// Sink persists encoded records. Append must either persist the whole
// record or leave the sink as it was before the call.
type Sink interface {
	Append(rec EncodedRecord) error
	Close() error
}

// Source produces records, typically a bound pipeline run.
type Source interface {
	Run(ctx context.Context, emit pipeline.EmitFunc) (pipeline.Stats, error)
}

// Drain runs src and appends every record to sink. The sink is closed on
// every path; a close error is joined with the run error.
func Drain(ctx context.Context, src Source, sink Sink, enc Encoders) (stats pipeline.Stats, err error) {
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			err = errors.Join(err, &errdefs.SinkError{Op: "close", Err: cerr})
		}
	}()

	stats, err = src.Run(ctx, func(rec features.Record) error {
		e, err := enc.Encode(rec)
		if err != nil {
			return err
		}
		if err := sink.Append(e); err != nil {
			return &errdefs.SinkError{Op: fmt.Sprintf("append idx %d", rec.Idx), Err: err}
		}
		return nil
	})
	return stats, err
}

// Kind names a sink format.
type Kind string

const (
	KindTFRecord Kind = "tfrecord"
	KindArrow    Kind = "arrow"
	KindJSONL    Kind = "jsonl"
)

// Kinds lists the supported formats.
var Kinds = []Kind{KindTFRecord, KindArrow, KindJSONL}

// ParseKind validates a format name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindTFRecord, KindArrow, KindJSONL:
		return k, nil
	case "h5", "hdf5", "table":
		return KindArrow, nil
	default:
		return "", errdefs.Configf("writer", "unknown output format %q", s)
	}
}

// Ext returns the file extension of a format.
func (k Kind) Ext() string {
	switch k {
	case KindArrow:
		return ".arrow"
	case KindJSONL:
		return ".jsonl"
	default:
		return ".tfrecord"
	}
}

// DetectKind infers the format from a file name.
func DetectKind(path string) (Kind, error) {
	name := strings.TrimSuffix(path, ".zst")
	switch filepath.Ext(name) {
	case ".tfrecord", ".tfrecords":
		return KindTFRecord, nil
	case ".arrow", ".feather", ".ipc":
		return KindArrow, nil
	case ".jsonl", ".json":
		return KindJSONL, nil
	default:
		return "", errdefs.Configf("writer", "cannot infer format of %q", path)
	}
}

// Options configures sink creation.
type Options struct {
	// Compression is "" or "zstd" (TFRecord only).
	Compression string
	// BatchSize is the number of rows per Arrow record batch.
	BatchSize int
}

// Create opens a sink of the given kind at path.
func Create(kind Kind, path string, opts Options) (Sink, error) {
	switch kind {
	case KindTFRecord:
		return CreateTFRecord(path, opts.Compression)
	case KindArrow:
		if opts.Compression != "" {
			return nil, errdefs.Configf("writer", "arrow output does not support %q compression", opts.Compression)
		}
		return CreateArrow(path, opts.BatchSize)
	case KindJSONL:
		if opts.Compression != "" {
			return nil, errdefs.Configf("writer", "jsonl output does not support %q compression", opts.Compression)
		}
		return CreateJSONL(path)
	default:
		return nil, errdefs.Configf("writer", "unknown output format %q", kind)
	}
}
