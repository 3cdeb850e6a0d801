package checkpoints

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// State files hold a flat state dict in protobuf wire format:
//
//	message StateDict { repeated Entry entries = 1; map<string,string> meta = 2; }
//	message Entry     { string name = 1; repeated int64 shape = 2; repeated float data = 3; }
//
// They are used for the auxiliary encoder states under signal/.

const (
	fieldEntries = 1
	fieldMeta    = 2

	fieldName  = 1
	fieldShape = 2
	fieldData  = 3

	fieldKey   = 1
	fieldValue = 2
)

var errTruncated = errors.New("truncated state file")

func encodeEntry(w WeightTensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, len(w.Data)*4)
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

// EncodeStateFile serializes weights and string metadata.
func EncodeStateFile(weights []WeightTensor, meta map[string]string) []byte {
	var b []byte
	for _, w := range weights {
		b = protowire.AppendTag(b, fieldEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeEntry(w))
	}
	for _, k := range sortedKeys(meta) {
		var kv []byte
		kv = protowire.AppendTag(kv, fieldKey, protowire.BytesType)
		kv = protowire.AppendString(kv, k)
		kv = protowire.AppendTag(kv, fieldValue, protowire.BytesType)
		kv = protowire.AppendString(kv, meta[k])
		b = protowire.AppendTag(b, fieldMeta, protowire.BytesType)
		b = protowire.AppendBytes(b, kv)
	}
	return b
}

func decodeEntry(b []byte) (WeightTensor, error) {
	var w WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldName:
			w.Name = string(v)
		case fieldShape:
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return w, protowire.ParseError(m)
				}
				w.Shape = append(w.Shape, int(d))
				v = v[m:]
			}
		case fieldData:
			if len(v)%4 != 0 {
				return w, errTruncated
			}
			w.Data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return w, protowire.ParseError(m)
				}
				w.Data = append(w.Data, math.Float32frombits(bits))
				v = v[m:]
			}
		}
	}

	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	if len(w.Shape) == 0 || n != len(w.Data) {
		return w, fmt.Errorf("entry %q: shape %v does not match %d values", w.Name, w.Shape, len(w.Data))
	}
	return w, nil
}

// DecodeStateFile parses bytes produced by EncodeStateFile. Unknown fields
// are skipped.
func DecodeStateFile(b []byte) ([]WeightTensor, map[string]string, error) {
	var weights []WeightTensor
	meta := make(map[string]string)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldEntries:
			w, err := decodeEntry(v)
			if err != nil {
				return nil, nil, err
			}
			weights = append(weights, w)
		case fieldMeta:
			var key, value string
			for len(v) > 0 {
				fnum, ftyp, m := protowire.ConsumeTag(v)
				if m < 0 || ftyp != protowire.BytesType {
					return nil, nil, errTruncated
				}
				v = v[m:]
				s, m := protowire.ConsumeString(v)
				if m < 0 {
					return nil, nil, protowire.ParseError(m)
				}
				v = v[m:]
				if fnum == fieldKey {
					key = s
				} else if fnum == fieldValue {
					value = s
				}
			}
			meta[key] = value
		}
	}
	return weights, meta, nil
}

// SaveStateFile writes a state file atomically.
func SaveStateFile(path string, weights []WeightTensor, meta map[string]string) error {
	return writeFileAtomic(path, EncodeStateFile(weights, meta))
}

// LoadStateFile reads a state file.
func LoadStateFile(path string) ([]WeightTensor, map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read state file: %w", err)
	}
	weights, meta, err := DecodeStateFile(b)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return weights, meta, nil
}
