package writer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"
)

// jsonRecord is the wire form of one JSONL line.
type jsonRecord struct {
	Idx      int64                  `json:"idx"`
	Seeds    []uint64               `json:"seeds"`
	Features map[string]jsonFeature `json:"features"`
}

type jsonFeature struct {
	Format string    `json:"format"`
	Floats jsonFloats `json:"floats,omitempty"`
	Ints   []int64   `json:"ints,omitempty"`
	Shape  []int     `json:"shape,omitempty"`
}

// jsonFloats writes NaN and the infinities as the strings "NaN", "Inf" and
// "-Inf", which JSON numbers cannot hold.
type jsonFloats []float32

func (fs jsonFloats) MarshalJSON() ([]byte, error) {
	out := make([]any, len(fs))
	for i, f := range fs {
		switch v := float64(f); {
		case math.IsNaN(v):
			out[i] = "NaN"
		case math.IsInf(v, 1):
			out[i] = "Inf"
		case math.IsInf(v, -1):
			out[i] = "-Inf"
		default:
			out[i] = f
		}
	}
	return json.Marshal(out)
}

func (fs *jsonFloats) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(jsonFloats, len(raw))
	for i, r := range raw {
		if len(r) > 0 && r[0] == '"' {
			var tok string
			if err := json.Unmarshal(r, &tok); err != nil {
				return err
			}
			switch tok {
			case "NaN":
				out[i] = float32(math.NaN())
			case "Inf":
				out[i] = float32(math.Inf(1))
			case "-Inf":
				out[i] = float32(math.Inf(-1))
			default:
				return fmt.Errorf("invalid float %q", tok)
			}
			continue
		}
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return err
		}
	}
	*fs = out
	return nil
}

// JSONLSink writes one JSON object per record. It is meant for inspection
// and piping into other tools.
type JSONLSink struct {
	out   lineWriter
	buf   bytes.Buffer
	count int
}

// CreateJSONL creates a JSONL file at path. The path "-" writes to stdout.
func CreateJSONL(path string) (*JSONLSink, error) {
	if path == "-" {
		return NewJSONLStream(os.Stdout), nil
	}
	out, err := createFile(path)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{out: out}, nil
}

// NewJSONLStream writes JSONL to w. A reader closing the pipe early ends
// output silently.
func NewJSONLStream(w io.Writer) *JSONLSink {
	return &JSONLSink{out: newStreamWriter(w)}
}

func (s *JSONLSink) Append(rec EncodedRecord) error {
	line := jsonRecord{Idx: rec.Idx, Seeds: rec.Seeds, Features: make(map[string]jsonFeature, len(rec.Features))}
	if line.Seeds == nil {
		line.Seeds = []uint64{}
	}
	for _, e := range rec.Features {
		line.Features[e.Name] = jsonFeature{Format: e.Format.String(), Floats: e.Floats, Ints: e.Ints, Shape: e.Shape}
	}
	s.buf.Reset()
	if err := json.NewEncoder(&s.buf).Encode(line); err != nil {
		return fmt.Errorf("failed to encode record idx %d: %w", rec.Idx, err)
	}
	if err := s.out.commit(s.buf.Bytes()); err != nil {
		return err
	}
	s.count++
	return nil
}

// Count returns the number of records appended.
func (s *JSONLSink) Count() int { return s.count }

func (s *JSONLSink) Close() error { return s.out.close() }

// JSONLReader reads records written by JSONLSink.
type JSONLReader struct {
	f  io.Closer
	sc *bufio.Scanner
}

// OpenJSONL opens a JSONL file.
func OpenJSONL(path string) (*JSONLReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<30)
	return &JSONLReader{f: f, sc: sc}, nil
}

// Next returns the next record, or io.EOF.
func (r *JSONLReader) Next() (EncodedRecord, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return EncodedRecord{}, err
		}
		return EncodedRecord{}, io.EOF
	}
	var line jsonRecord
	if err := json.Unmarshal(r.sc.Bytes(), &line); err != nil {
		return EncodedRecord{}, fmt.Errorf("malformed jsonl record: %w", err)
	}
	rec := EncodedRecord{Idx: line.Idx, Seeds: line.Seeds}
	for name, f := range line.Features {
		e := Encoded{Name: name, Floats: []float32(f.Floats), Ints: f.Ints, Shape: f.Shape}
		switch f.Format {
		case "float_list":
			e.Format = FloatList
		case "int64_list":
			e.Format = IntList
		case "int64":
			e.Format = Int64
		default:
			return EncodedRecord{}, errors.New("malformed jsonl record: unknown format " + f.Format)
		}
		rec.Features = append(rec.Features, e)
	}
	slices.SortFunc(rec.Features, func(a, b Encoded) int { return strings.Compare(a.Name, b.Name) })
	return rec, nil
}

func (r *JSONLReader) Close() error { return r.f.Close() }
