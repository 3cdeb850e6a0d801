package checkpoints

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

// TensorInfo describes a tensor in the safetensors header
type TensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// SafeTensors holds a parsed safetensors file
type SafeTensors struct {
	Meta     map[string]TensorInfo
	Metadata map[string]string
	Data     []byte // raw tensor data (after header)
}

// OpenSafeTensors opens and parses a safetensors file
func OpenSafeTensors(path string) (*SafeTensors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	st, err := ParseSafeTensors(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return st, nil
}

// ParseSafeTensors parses an in-memory safetensors blob.
func ParseSafeTensors(data []byte) (*SafeTensors, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too small: %d bytes", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("header length %d exceeds file size %d", headerLen, len(data))
	}

	headerJSON := data[8 : 8+headerLen]
	tensorData := data[8+headerLen:]

	// The header may carry a __metadata__ key which is not a tensor
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	st := &SafeTensors{Meta: make(map[string]TensorInfo), Data: tensorData}
	for k, v := range raw {
		if k == "__metadata__" {
			if err := json.Unmarshal(v, &st.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", k, err)
		}
		if info.DataOffsets[0] < 0 || info.DataOffsets[1] > len(tensorData) || info.DataOffsets[0] > info.DataOffsets[1] {
			return nil, fmt.Errorf("tensor %s: offsets %v out of range", k, info.DataOffsets)
		}
		st.Meta[k] = info
	}
	return st, nil
}

// Names returns the tensor names in sorted order.
func (st *SafeTensors) Names() []string {
	names := make([]string, 0, len(st.Meta))
	for k := range st.Meta {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// GetFloat32 reads a tensor as float32 slice (converting from half formats if needed)
func (st *SafeTensors) GetFloat32(name string) ([]float32, []int, error) {
	info, ok := st.Meta[name]
	if !ok {
		return nil, nil, fmt.Errorf("tensor %q not found", name)
	}

	raw := st.Data[info.DataOffsets[0]:info.DataOffsets[1]]
	numel := 1
	for _, s := range info.Shape {
		numel *= s
	}

	width := map[string]int{"F32": 4, "F16": 2, "BF16": 2, "I64": 8}[info.Dtype]
	if width == 0 {
		return nil, nil, fmt.Errorf("unsupported dtype %q for tensor %q", info.Dtype, name)
	}
	if len(raw) != numel*width {
		return nil, nil, fmt.Errorf("tensor %q: %d bytes for %d %s elements", name, len(raw), numel, info.Dtype)
	}

	result := make([]float32, numel)
	switch info.Dtype {
	case "F32":
		for i := 0; i < numel; i++ {
			result[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := 0; i < numel; i++ {
			result[i] = tensor.Float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "BF16":
		for i := 0; i < numel; i++ {
			result[i] = tensor.BFloat16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "I64":
		for i := 0; i < numel; i++ {
			result[i] = float32(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	}
	return result, append([]int(nil), info.Shape...), nil
}

// Tensor reads a named entry as a tensor.
func (st *SafeTensors) Tensor(name string) (*tensor.Tensor, error) {
	data, shape, err := st.GetFloat32(name)
	if err != nil {
		return nil, err
	}
	if len(shape) == 0 {
		shape = []int{1}
	}
	return tensor.NewTensor(shape, data)
}

// StateDict reads every tensor in the file.
func (st *SafeTensors) StateDict() (map[string]*tensor.Tensor, error) {
	sd := make(map[string]*tensor.Tensor, len(st.Meta))
	for _, name := range st.Names() {
		t, err := st.Tensor(name)
		if err != nil {
			return nil, err
		}
		sd[name] = t
	}
	return sd, nil
}

// EncodeSafeTensors serializes weights as F32 safetensors, keys sorted.
func EncodeSafeTensors(weights []WeightTensor, metadata map[string]string) ([]byte, error) {
	sorted := append([]WeightTensor(nil), weights...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	offset := 0
	for _, w := range sorted {
		if _, dup := header[w.Name]; dup {
			return nil, fmt.Errorf("duplicate tensor name %q", w.Name)
		}
		size := len(w.Data) * 4
		header[w.Name] = TensorInfo{Dtype: "F32", Shape: w.Shape, DataOffsets: [2]int{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	// Pad the header with spaces so the data section is 8-byte aligned.
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	var buf bytes.Buffer
	buf.Grow(8 + len(headerJSON) + offset)
	var lenBytes [8]byte
	binary.LittleEndian.PutUint64(lenBytes[:], uint64(len(headerJSON)))
	buf.Write(lenBytes[:])
	buf.Write(headerJSON)
	var word [4]byte
	for _, w := range sorted {
		for _, v := range w.Data {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
			buf.Write(word[:])
		}
	}
	return buf.Bytes(), nil
}

// SaveSafeTensors writes weights to path atomically.
func SaveSafeTensors(path string, weights []WeightTensor, metadata map[string]string) error {
	data, err := EncodeSafeTensors(weights, metadata)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
