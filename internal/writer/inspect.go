package writer

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// FeatureSummary describes one feature column of a dataset file.
type FeatureSummary struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Len    int    `json:"len"`
	Shape  string `json:"shape,omitempty"`
}

// Summary describes a dataset file.
type Summary struct {
	Path     string           `json:"path"`
	Kind     Kind             `json:"kind"`
	Bytes    int64            `json:"bytes"`
	Records  int              `json:"records"`
	MinIdx   int64            `json:"min_idx"`
	MaxIdx   int64            `json:"max_idx"`
	Features []FeatureSummary `json:"features"`
}

// ReadAll reads every record of a dataset file, inferring the format from
// the file name.
func ReadAll(path string) ([]EncodedRecord, error) {
	kind, err := DetectKind(path)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindArrow:
		t, err := OpenArrow(path)
		if err != nil {
			return nil, err
		}
		defer t.Close()
		return t.Records()
	case KindJSONL:
		r, err := OpenJSONL(path)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		var out []EncodedRecord
		for {
			rec, err := r.Next()
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			if err != nil {
				return out, err
			}
			out = append(out, rec)
		}
	default:
		r, err := OpenTFRecord(path)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		var out []EncodedRecord
		for {
			rec, err := r.NextRecord()
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			if err != nil {
				return out, err
			}
			out = append(out, rec)
		}
	}
}

// Inspect summarises a dataset file.
func Inspect(path string) (Summary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Summary{}, err
	}
	kind, err := DetectKind(path)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Path: path, Kind: kind, Bytes: info.Size()}
	if info.Size() == 0 {
		return s, nil
	}

	recs, err := ReadAll(path)
	if err != nil {
		return s, fmt.Errorf("failed to read %s: %w", path, err)
	}
	s.Records = len(recs)
	if len(recs) == 0 {
		return s, nil
	}

	var shapes map[string]string
	if kind == KindArrow {
		t, err := OpenArrow(path)
		if err != nil {
			return s, err
		}
		shapes = t.Shapes()
		t.Close()
	}

	s.MinIdx, s.MaxIdx = recs[0].Idx, recs[0].Idx
	for _, r := range recs {
		s.MinIdx = min(s.MinIdx, r.Idx)
		s.MaxIdx = max(s.MaxIdx, r.Idx)
	}
	for _, e := range recs[0].Features {
		fs := FeatureSummary{Name: e.Name, Format: e.Format.String(), Len: e.Len(), Shape: shapes[e.Name]}
		if fs.Shape == "" && len(e.Shape) > 0 {
			fs.Shape = formatShape(e.Shape)
		}
		s.Features = append(s.Features, fs)
	}
	return s, nil
}
