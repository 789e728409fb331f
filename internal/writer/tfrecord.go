package writer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nvandessel/acoupipe/internal/errdefs"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func maskedCRC(p []byte) uint32 {
	c := crc32.Checksum(p, castagnoli)
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

// frame wraps a payload in TFRecord framing: length, masked CRC32C of the
// length, payload, masked CRC32C of the payload. All little endian.
func frame(payload []byte) []byte {
	out := make([]byte, 12, 16+len(payload))
	binary.LittleEndian.PutUint64(out[:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(out[8:12], maskedCRC(out[:8]))
	out = append(out, payload...)
	return binary.LittleEndian.AppendUint32(out, maskedCRC(payload))
}

// tf.train.Example field numbers.
const (
	exampleFeatures  = 1
	featuresFeature  = 1
	mapKey           = 1
	mapValue         = 2
	featureFloatList = 2
	featureInt64List = 3
	listValue        = 1
)

// Names of the reserved features inside an Example.
const (
	idxFeature   = "idx"
	seedsFeature = "seeds"
)

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendFeature(b []byte, name string, e Encoded) []byte {
	var packed []byte
	kind := protowire.Number(featureInt64List)
	switch e.Format {
	case FloatList:
		kind = featureFloatList
		packed = make([]byte, 0, 4*len(e.Floats))
		for _, x := range e.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(x))
		}
	default:
		for _, x := range e.Ints {
			packed = protowire.AppendVarint(packed, uint64(x))
		}
	}
	var list []byte
	if len(packed) > 0 {
		list = appendMessage(nil, listValue, packed)
	}
	feature := appendMessage(nil, kind, list)

	entry := protowire.AppendTag(nil, mapKey, protowire.BytesType)
	entry = protowire.AppendString(entry, name)
	entry = appendMessage(entry, mapValue, feature)
	return appendMessage(b, featuresFeature, entry)
}

// MarshalExample encodes rec as a serialized tf.train.Example. idx is an
// int64 feature and seeds an int64 list holding the seed bits.
func MarshalExample(rec EncodedRecord) []byte {
	seeds := make([]int64, len(rec.Seeds))
	for i, s := range rec.Seeds {
		seeds[i] = int64(s)
	}
	var feats []byte
	feats = appendFeature(feats, idxFeature, Encoded{Format: Int64, Ints: []int64{rec.Idx}})
	feats = appendFeature(feats, seedsFeature, Encoded{Format: IntList, Ints: seeds})
	for _, e := range rec.Features {
		feats = appendFeature(feats, e.Name, e)
	}
	return appendMessage(nil, exampleFeatures, feats)
}

// TFRecordSink writes one framed tf.train.Example per record. With zstd
// compression every record is its own zstd frame, so the file stays a valid
// zstd stream after any complete append.
type TFRecordSink struct {
	out   *committedFile
	zstd  *zstd.Encoder
	count int
}

// CreateTFRecord creates a TFRecord file at path. compression is "" or
// "zstd".
func CreateTFRecord(path, compression string) (*TFRecordSink, error) {
	var enc *zstd.Encoder
	switch compression {
	case "", "none":
	case "zstd":
		var err error
		if enc, err = zstd.NewWriter(nil); err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	default:
		return nil, errdefs.Configf("writer", "unknown tfrecord compression %q", compression)
	}
	out, err := createFile(path)
	if err != nil {
		return nil, err
	}
	return &TFRecordSink{out: out, zstd: enc}, nil
}

func (s *TFRecordSink) Append(rec EncodedRecord) error {
	p := frame(MarshalExample(rec))
	if s.zstd != nil {
		p = s.zstd.EncodeAll(p, nil)
	}
	if err := s.out.commit(p); err != nil {
		return err
	}
	s.count++
	return nil
}

// Count returns the number of records appended.
func (s *TFRecordSink) Count() int { return s.count }

func (s *TFRecordSink) Close() error {
	var zerr error
	if s.zstd != nil {
		zerr = s.zstd.Close()
	}
	return errors.Join(s.out.close(), zerr)
}

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// TFRecordReader reads framed records, verifying both checksums.
type TFRecordReader struct {
	r     *bufio.Reader
	f     *os.File
	zstd  *zstd.Decoder
	count int
}

// OpenTFRecord opens a TFRecord file, detecting zstd compression.
func OpenTFRecord(path string) (*TFRecordReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	rd := &TFRecordReader{r: br, f: f}
	if magic, _ := br.Peek(4); bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		rd.zstd = dec
		rd.r = bufio.NewReader(dec)
	}
	return rd, nil
}

// ErrCorrupt reports a record whose framing or checksum is invalid.
var ErrCorrupt = errors.New("corrupt tfrecord")

// Next returns the next payload, or io.EOF after the last complete record.
func (r *TFRecordReader) Next() ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: record %d: truncated header", ErrCorrupt, r.count)
	}
	if maskedCRC(header[:8]) != binary.LittleEndian.Uint32(header[8:]) {
		return nil, fmt.Errorf("%w: record %d: length checksum mismatch", ErrCorrupt, r.count)
	}
	n := binary.LittleEndian.Uint64(header[:8])
	if n > 1<<34 {
		return nil, fmt.Errorf("%w: record %d: implausible length %d", ErrCorrupt, r.count, n)
	}
	payload := make([]byte, n+4)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, fmt.Errorf("%w: record %d: truncated payload", ErrCorrupt, r.count)
	}
	data, sum := payload[:n], binary.LittleEndian.Uint32(payload[n:])
	if maskedCRC(data) != sum {
		return nil, fmt.Errorf("%w: record %d: payload checksum mismatch", ErrCorrupt, r.count)
	}
	r.count++
	return data, nil
}

// NextRecord decodes the next record.
func (r *TFRecordReader) NextRecord() (EncodedRecord, error) {
	p, err := r.Next()
	if err != nil {
		return EncodedRecord{}, err
	}
	return UnmarshalExample(p)
}

func (r *TFRecordReader) Close() error {
	if r.zstd != nil {
		r.zstd.Close()
	}
	return r.f.Close()
}

// UnmarshalExample decodes a serialized tf.train.Example written by
// MarshalExample. Features other than idx and seeds keep their file order.
func UnmarshalExample(p []byte) (EncodedRecord, error) {
	var rec EncodedRecord
	feats, err := fields(p, exampleFeatures)
	if err != nil {
		return rec, err
	}
	for _, fs := range feats {
		entries, err := fields(fs, featuresFeature)
		if err != nil {
			return rec, err
		}
		for _, entry := range entries {
			name, e, err := unmarshalEntry(entry)
			if err != nil {
				return rec, err
			}
			switch name {
			case idxFeature:
				if len(e.Ints) != 1 {
					return rec, fmt.Errorf("%w: idx has %d values", ErrCorrupt, len(e.Ints))
				}
				rec.Idx = e.Ints[0]
			case seedsFeature:
				rec.Seeds = make([]uint64, len(e.Ints))
				for i, s := range e.Ints {
					rec.Seeds[i] = uint64(s)
				}
			default:
				rec.Features = append(rec.Features, e)
			}
		}
	}
	return rec, nil
}

// fields returns the payloads of every length-delimited field num in msg.
func fields(msg []byte, num protowire.Number) ([][]byte, error) {
	var out [][]byte
	for len(msg) > 0 {
		n, typ, l := protowire.ConsumeTag(msg)
		if l < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(l))
		}
		msg = msg[l:]
		if n == num && typ == protowire.BytesType {
			v, l := protowire.ConsumeBytes(msg)
			if l < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(l))
			}
			out = append(out, v)
			msg = msg[l:]
			continue
		}
		l = protowire.ConsumeFieldValue(n, typ, msg)
		if l < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(l))
		}
		msg = msg[l:]
	}
	return out, nil
}

func unmarshalEntry(entry []byte) (string, Encoded, error) {
	var (
		name    string
		feature []byte
	)
	for len(entry) > 0 {
		n, typ, l := protowire.ConsumeTag(entry)
		if l < 0 || typ != protowire.BytesType {
			return "", Encoded{}, fmt.Errorf("%w: bad map entry", ErrCorrupt)
		}
		entry = entry[l:]
		v, l := protowire.ConsumeBytes(entry)
		if l < 0 {
			return "", Encoded{}, fmt.Errorf("%w: bad map entry", ErrCorrupt)
		}
		entry = entry[l:]
		switch n {
		case mapKey:
			name = string(v)
		case mapValue:
			feature = v
		}
	}

	e := Encoded{Name: name}
	for len(feature) > 0 {
		n, typ, l := protowire.ConsumeTag(feature)
		if l < 0 || typ != protowire.BytesType {
			return "", Encoded{}, fmt.Errorf("%w: feature %q", ErrCorrupt, name)
		}
		feature = feature[l:]
		list, l := protowire.ConsumeBytes(feature)
		if l < 0 {
			return "", Encoded{}, fmt.Errorf("%w: feature %q", ErrCorrupt, name)
		}
		feature = feature[l:]
		packed, err := fields(list, listValue)
		if err != nil {
			return "", Encoded{}, err
		}
		switch n {
		case featureFloatList:
			e.Format = FloatList
			e.Floats = []float32{}
			for _, p := range packed {
				for len(p) > 0 {
					v, l := protowire.ConsumeFixed32(p)
					if l < 0 {
						return "", Encoded{}, fmt.Errorf("%w: feature %q floats", ErrCorrupt, name)
					}
					e.Floats = append(e.Floats, math.Float32frombits(v))
					p = p[l:]
				}
			}
		case featureInt64List:
			e.Format = IntList
			e.Ints = []int64{}
			for _, p := range packed {
				for len(p) > 0 {
					v, l := protowire.ConsumeVarint(p)
					if l < 0 {
						return "", Encoded{}, fmt.Errorf("%w: feature %q ints", ErrCorrupt, name)
					}
					e.Ints = append(e.Ints, int64(v))
					p = p[l:]
				}
			}
		default:
			return "", Encoded{}, fmt.Errorf("%w: feature %q has unsupported list type %d", ErrCorrupt, name, n)
		}
	}
	return name, e, nil
}
