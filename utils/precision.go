package utils

import (
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// RoundHalfInPlace rounds every entry of m through IEEE half precision.
// Mixed precision runs compute in float16 while master weights stay float64.
func RoundHalfInPlace(m *mat.Dense) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j, v := range row {
			row[j] = float64(float16.Fromfloat32(float32(v)).Float32())
		}
	}
}

// EncodeHalf packs values as float16 bit patterns.
func EncodeHalf(vs []float64) []uint16 {
	out := make([]uint16, len(vs))
	for i, v := range vs {
		out[i] = float16.Fromfloat32(float32(v)).Bits()
	}
	return out
}

// DecodeHalf is the inverse of EncodeHalf.
func DecodeHalf(bits []uint16) []float64 {
	out := make([]float64, len(bits))
	for i, b := range bits {
		out[i] = float64(float16.Frombits(b).Float32())
	}
	return out
}
