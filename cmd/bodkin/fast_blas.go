//go:build cgo

package main

// This file is only included when cgo is enabled.
// It registers the netlib BLAS implementation, which uses the system BLAS
// (Accelerate on macOS, OpenBLAS on Linux) for the float32 matmul path.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("⚡ CGO/BLAS Acceleration Enabled (netlib)")
}
