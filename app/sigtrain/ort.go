//go:build ort

package main

import (
	"flag"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/unet"
)

var (
	ortModel = flag.String("ort-model", "", "exported denoiser ONNX graph used for sampling")
	ortLib   = flag.String("ort-lib", "libonnxruntime.so", "ONNX Runtime shared library")
)

func openDenoiser(inChannels int, logger zerolog.Logger) (unet.Denoiser, func(), error) {
	if *ortModel == "" {
		return nil, func() {}, nil
	}
	d, err := unet.NewORTDenoiser(*ortModel, *ortLib, inChannels, logger)
	if err != nil {
		return nil, nil, err
	}
	return d, d.Destroy, nil
}
