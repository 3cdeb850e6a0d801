package optimizer

import (
	"fmt"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies a single buffer for checkpointing
func extractBufferState(buffer []float32, shape []int, name string, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState copies checkpointed data back into a buffer
func restoreBufferState(buffer []float32, data []float32, name string) error {
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// toFloat64 accepts the numeric types a state map holds before and after a
// JSON round trip.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, ok := toFloat64(params[key]); ok {
		return float32(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	if val, ok := toFloat64(params[key]); ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}
