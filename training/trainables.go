package training

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/layers"
)

// TrainableSelector unfreezes parameters by name. The unfrozen count is
// reported once per run.
type TrainableSelector struct {
	Modules    []string // name substrings, or "all"
	NotModules []string // substrings that stay frozen
	printed    bool
}

// Apply freezes every parameter of m, then unfreezes those whose name
// contains one of the selected module names. LoRA parameters are never
// selected by substring. It returns the number of unfrozen parameters.
func (s *TrainableSelector) Apply(m layers.Parameterized, logger zerolog.Logger) int {
	named := m.NamedParameters()
	for _, p := range named {
		p.Tensor.SetRequiresGrad(false)
	}

	unfrozen := 0
	if s.selectsAll() {
		for _, p := range named {
			p.Tensor.SetRequiresGrad(true)
		}
		unfrozen = len(named)
	} else {
		for _, p := range named {
			if strings.Contains(p.Name, "lora") || s.excluded(p.Name) {
				continue
			}
			for _, tm := range s.Modules {
				if tm != "" && strings.Contains(p.Name, tm) {
					p.Tensor.SetRequiresGrad(true)
					unfrozen++
					break
				}
			}
		}
	}

	if unfrozen > 0 && !s.printed {
		s.printed = true
		logger.Info().Int("params", unfrozen).Msgf("%d params have been unfrozen for training.", unfrozen)
	}
	return unfrozen
}

func (s *TrainableSelector) selectsAll() bool {
	for _, tm := range s.Modules {
		if tm == "all" {
			return true
		}
	}
	return false
}

func (s *TrainableSelector) excluded(name string) bool {
	for _, n := range s.NotModules {
		if n != "" && strings.Contains(name, n) {
			return true
		}
	}
	return false
}

// Printed reports whether the unfrozen count has been logged.
func (s *TrainableSelector) Printed() bool { return s.printed }
