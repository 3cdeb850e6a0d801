package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
)

// TensorName is the preferred tensor name inside a signal file.
const TensorName = "signal"

// LoadTrack reads a signal track. Supported files are safetensors, protobuf
// state files (.pb) and JSON (a list of rows or {"signal": rows}). Tensors
// of rank one become a single row; higher ranks keep the last axis as the
// channel axis.
func LoadTrack(path string) (*Track, error) {
	var (
		data  []float32
		shape []int
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		st, err := checkpoints.OpenSafeTensors(path)
		if err != nil {
			return nil, err
		}
		name := TensorName
		if _, _, err := st.GetFloat32(name); err != nil {
			names := st.Names()
			if len(names) == 0 {
				return nil, fmt.Errorf("signal file %s holds no tensors", path)
			}
			name = names[0]
		}
		if data, shape, err = st.GetFloat32(name); err != nil {
			return nil, err
		}
	case ".pb":
		weights, _, err := checkpoints.LoadStateFile(path)
		if err != nil {
			return nil, err
		}
		if len(weights) == 0 {
			return nil, fmt.Errorf("signal file %s holds no tensors", path)
		}
		w := weights[0]
		for _, cand := range weights {
			if cand.Name == TensorName {
				w = cand
				break
			}
		}
		data, shape = w.Data, w.Shape
	case ".json":
		rows, err := loadJSONRows(path)
		if err != nil {
			return nil, err
		}
		return NewTrack(rows)
	default:
		return nil, fmt.Errorf("unsupported signal file %s", path)
	}
	return trackFromFlat(data, shape)
}

func trackFromFlat(data []float32, shape []int) (*Track, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("scalar signal tensor")
	}
	c := shape[len(shape)-1]
	if c <= 0 || len(data)%c != 0 {
		return nil, fmt.Errorf("signal tensor shape %v does not match %d values", shape, len(data))
	}
	rows := make([][]float32, len(data)/c)
	for i := range rows {
		rows[i] = data[i*c : (i+1)*c]
	}
	return NewTrack(rows)
}

func loadJSONRows(path string) ([][]float32, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signal: %w", err)
	}
	var rows [][]float32
	if err := json.Unmarshal(b, &rows); err == nil {
		return rows, nil
	}
	var doc struct {
		Signal [][]float32 `json:"signal"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode signal %s: %w", path, err)
	}
	return doc.Signal, nil
}

// ConcatTracks appends tracks in order. All tracks must share the channel
// count.
func ConcatTracks(tracks ...*Track) (*Track, error) {
	var rows [][]float32
	for _, t := range tracks {
		rows = append(rows, t.Samples...)
	}
	return NewTrack(rows)
}
