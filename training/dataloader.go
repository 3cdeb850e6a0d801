package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-sigdiffusion/dataset"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// DataLoader provides batching and shuffling over a dataset
type DataLoader struct {
	dataset   dataset.Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. A nil rng disables shuffling.
func NewDataLoader(ds dataset.Dataset, batchSize int, shuffle bool, rng *rand.Rand) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	n := ds.Len()
	if n == 0 {
		return nil, dataset.ErrEmptyDataset
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   ds,
		batchSize: batchSize,
		shuffle:   shuffle && rng != nil,
		rng:       rng,
		indices:   indices,
	}, nil
}

// Batch holds collated examples. Exactly one of PixelValues and Latents is set.
type Batch struct {
	PixelValues  *tensor.Tensor // (B,F,3,H,W)
	Latents      *tensor.Tensor // (B,4,F,h,w)
	SignalValues *tensor.Tensor // (B,T,C)
	Prompts      []string
	PromptIDs    [][]int
	MotionScores []float64
	Sources      []string
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Prompts) }

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch and reshuffles when enabled.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}
	end := min(dl.position+dl.batchSize, len(dl.indices))
	batchIndices := dl.indices[dl.position:end]
	dl.position = end

	examples := make([]dataset.Example, len(batchIndices))
	for i, idx := range batchIndices {
		ex, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		examples[i] = ex
	}
	return Collate(examples)
}

// Skip advances past the next batch without loading it. It returns the
// number of examples skipped.
func (dl *DataLoader) Skip() (int, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return 0, nil
	}
	end := min(dl.position+dl.batchSize, len(dl.indices))
	n := end - dl.position
	dl.position = end
	return n, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// Collate stacks examples along a new leading batch axis.
func Collate(examples []dataset.Example) (*Batch, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	b := &Batch{}
	var pixels, latents, signals []*tensor.Tensor
	for i, ex := range examples {
		switch {
		case ex.Latents != nil:
			latents = append(latents, ex.Latents)
		case ex.PixelValues != nil:
			pixels = append(pixels, ex.PixelValues)
		default:
			return nil, fmt.Errorf("example %d has neither pixels nor latents", i)
		}
		if ex.SignalValues == nil {
			return nil, fmt.Errorf("example %d has no signal values", i)
		}
		signals = append(signals, ex.SignalValues)
		b.Prompts = append(b.Prompts, ex.Prompt)
		b.PromptIDs = append(b.PromptIDs, ex.PromptIDs)
		b.MotionScores = append(b.MotionScores, ex.MotionScore)
		b.Sources = append(b.Sources, ex.Source)
	}
	if len(pixels) > 0 && len(latents) > 0 {
		return nil, fmt.Errorf("batch mixes cached latents and pixel clips")
	}
	var err error
	if len(pixels) > 0 {
		if b.PixelValues, err = stack(pixels); err != nil {
			return nil, fmt.Errorf("pixel values: %w", err)
		}
	} else if b.Latents, err = stack(latents); err != nil {
		return nil, fmt.Errorf("latents: %w", err)
	}
	if b.SignalValues, err = stack(signals); err != nil {
		return nil, fmt.Errorf("signal values: %w", err)
	}
	return b, nil
}

func stack(ts []*tensor.Tensor) (*tensor.Tensor, error) {
	first := ts[0]
	out := tensor.MustNew(append([]int{len(ts)}, first.Shape...), nil)
	out.DType = first.DType
	for i, t := range ts {
		if !tensor.SameShape(t.Shape, first.Shape) {
			return nil, fmt.Errorf("%w: element %d has shape %v, expected %v", tensor.ErrShapeMismatch, i, t.Shape, first.Shape)
		}
		copy(out.Data[i*first.NumElems:], t.Data)
	}
	return out, nil
}
