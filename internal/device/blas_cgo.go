//go:build cgo

package device

// With cgo available, route blas32 through netlib so GEMM hits the
// system BLAS (Accelerate on macOS, OpenBLAS on Linux) instead of the
// pure-Go fallback.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("Using netlib system BLAS for float32 GEMM")
}
