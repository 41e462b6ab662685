//go:build netlib

package main

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Links against the system CBLAS when built with `-tags netlib`.
func init() {
	blas64.Use(netlib.Implementation{})
}
