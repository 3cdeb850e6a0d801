//go:build ort

package unet

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

// ORTDenoiser runs an exported network through ONNX Runtime. The graph takes
// "sample" (B,in_channels,F+1,h,w), "timestep" int64 (B) and
// "encoder_hidden_states" (B,N,D) and returns "out_sample".
type ORTDenoiser struct {
	session    *ort.DynamicAdvancedSession
	inChannels int
	inputType  ort.TensorElementDataType
}

// NewORTDenoiser opens modelPath with the shared library at libPath. CUDA is
// used when SIGDIFF_ORT_GPU=1 and falls back to the CPU provider.
func NewORTDenoiser(modelPath, libPath string, inChannels int, logger zerolog.Logger) (*ORTDenoiser, error) {
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("ORT init: %w", err)
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("graph optimization: %w", err)
	}

	usedGPU := false
	if os.Getenv("SIGDIFF_ORT_GPU") == "1" {
		cudaOpts, cudaErr := ort.NewCUDAProviderOptions()
		if cudaErr == nil {
			err = opts.AppendExecutionProviderCUDA(cudaOpts)
			cudaOpts.Destroy()
			if err == nil {
				usedGPU = true
			} else {
				logger.Warn().Err(err).Msg("CUDA provider failed, falling back to CPU")
			}
		} else {
			logger.Warn().Err(cudaErr).Msg("CUDA not available, using CPU")
		}
	}
	if !usedGPU {
		if err := opts.SetIntraOpNumThreads(0); err != nil {
			logger.Warn().Err(err).Msg("failed to set thread count")
		}
	}

	inputs, _, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("unet info: %w", err)
	}
	d := &ORTDenoiser{inChannels: inChannels, inputType: ort.TensorElementDataTypeFloat}
	for _, in := range inputs {
		if in.Name == "sample" {
			d.inputType = in.DataType
		}
	}

	d.session, err = ort.NewDynamicAdvancedSession(modelPath,
		[]string{"sample", "timestep", "encoder_hidden_states"},
		[]string{"out_sample"}, opts)
	if err != nil {
		return nil, fmt.Errorf("unet session: %w", err)
	}
	logger.Info().Str("model", modelPath).Bool("gpu", usedGPU).Msg("ONNX denoiser loaded")
	return d, nil
}

func shapeOf(t *tensor.Tensor) ort.Shape {
	dims := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = int64(d)
	}
	return ort.NewShape(dims...)
}

func (d *ORTDenoiser) value(t *tensor.Tensor) (ort.Value, error) {
	if d.inputType == ort.TensorElementDataTypeFloat16 {
		raw := make([]byte, 2*len(t.Data))
		for i, v := range t.Data {
			h := tensor.Float32ToFloat16(v)
			raw[2*i], raw[2*i+1] = byte(h), byte(h>>8)
		}
		return ort.NewCustomDataTensor(shapeOf(t), raw, ort.TensorElementDataTypeFloat16)
	}
	return ort.NewTensor(shapeOf(t), t.Data)
}

func extractFloat32(v ort.Value) ([]float32, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return append([]float32(nil), t.GetData()...), nil
	case *ort.CustomDataTensor:
		raw := t.GetData()
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = tensor.Float16ToFloat32(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported ORT output %T", v)
	}
}

// Forward implements Denoiser.
func (d *ORTDenoiser) Forward(noisy *tensor.Tensor, timesteps []int, condition, mask, context *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := AssembleInput(d.inChannels, noisy, condition, mask)
	if err != nil {
		return nil, err
	}
	sample, err := d.value(x)
	if err != nil {
		return nil, fmt.Errorf("sample tensor: %w", err)
	}
	defer sample.Destroy()

	ts := make([]int64, len(timesteps))
	for i, t := range timesteps {
		ts[i] = int64(t)
	}
	tsTensor, err := ort.NewTensor(ort.NewShape(int64(len(ts))), ts)
	if err != nil {
		return nil, fmt.Errorf("timestep tensor: %w", err)
	}
	defer tsTensor.Destroy()

	ctx, err := d.value(context)
	if err != nil {
		return nil, fmt.Errorf("context tensor: %w", err)
	}
	defer ctx.Destroy()

	outputs := make([]ort.Value, 1)
	if err := d.session.Run([]ort.Value{sample, tsTensor, ctx}, outputs); err != nil {
		return nil, fmt.Errorf("unet run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()
	data, err := extractFloat32(outputs[0])
	if err != nil {
		return nil, err
	}
	shape := append([]int(nil), x.Shape...)
	shape[1] = noisy.Shape[1]
	out, err := tensor.NewTensor(shape, data)
	if err != nil {
		return nil, fmt.Errorf("unet output: %w", err)
	}
	return tensor.Narrow(out, 2, 1, noisy.Shape[2])
}

// Destroy releases the session.
func (d *ORTDenoiser) Destroy() {
	if d.session != nil {
		d.session.Destroy()
	}
}
