package layers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

// StateDict copies every parameter of m into a name-keyed map.
func StateDict(m Parameterized) map[string]*tensor.Tensor {
	sd := make(map[string]*tensor.Tensor)
	for _, p := range m.NamedParameters() {
		sd[p.Name] = tensor.MustNew(p.Tensor.Shape, append([]float32(nil), p.Tensor.Data...))
	}
	return sd
}

// LoadStateDict copies values from sd into m's parameters in place. In strict
// mode every parameter must be present and no extra keys are allowed.
func LoadStateDict(m Parameterized, sd map[string]*tensor.Tensor, strict bool) error {
	return LoadNamed(m.NamedParameters(), sd, strict)
}

// LoadNamed is LoadStateDict over an explicit parameter list.
func LoadNamed(named []NamedParameter, sd map[string]*tensor.Tensor, strict bool) error {
	seen := make(map[string]bool, len(sd))
	for _, p := range named {
		src, ok := sd[p.Name]
		if !ok {
			if strict {
				return fmt.Errorf("missing key %q in state dict", p.Name)
			}
			continue
		}
		if !tensor.SameShape(src.Shape, p.Tensor.Shape) {
			return fmt.Errorf("%w: parameter %q expects %v, state dict has %v",
				tensor.ErrShapeMismatch, p.Name, p.Tensor.Shape, src.Shape)
		}
		copy(p.Tensor.Data, src.Data)
		seen[p.Name] = true
	}
	if strict {
		for name := range sd {
			if !seen[name] {
				return fmt.Errorf("unexpected key %q in state dict", name)
			}
		}
	}
	return nil
}

// SetRequiresGrad freezes or unfreezes every parameter of m.
func SetRequiresGrad(m Parameterized, requires bool) {
	for _, p := range m.Parameters() {
		p.SetRequiresGrad(requires)
	}
}

// CountParameters returns the total and trainable element counts.
func CountParameters(m Parameterized) (total, trainable int64) {
	for _, p := range m.Parameters() {
		total += int64(p.NumElems)
		if p.RequiresGrad() {
			trainable += int64(p.NumElems)
		}
	}
	return total, trainable
}

// FormatParameterCount formats parameter count with K/M suffixes
func FormatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// Summary returns a human-readable parameter listing.
func Summary(name string, m Parameterized) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(\n", name)
	named := m.NamedParameters()
	sort.SliceStable(named, func(i, j int) bool { return named[i].Name < named[j].Name })
	for _, p := range named {
		fmt.Fprintf(&b, "  %s: %v trainable=%t\n", p.Name, p.Tensor.Shape, p.Tensor.RequiresGrad())
	}
	total, trainable := CountParameters(m)
	fmt.Fprintf(&b, ")\nTotal parameters: %s\nTrainable parameters: %s\n",
		FormatParameterCount(total), FormatParameterCount(trainable))
	return b.String()
}
