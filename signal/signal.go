// Package signal provides an API to manipulate digital signals. It allows to:
//	- convert interleaved data to non-interleaved
//	- convert bit depth for int signals
//	- validate and scrub sample values on the render path
package signal

import (
	"math"
	"time"
)

// Float64 is a non-interleaved float64 signal: the first dimension is
// for channels, the second for samples.
type Float64 [][]float64

const (
	// BitDepth8 is 8 bit depth.
	BitDepth8 = BitDepth(8)
	// BitDepth16 is 16 bit depth.
	BitDepth16 = BitDepth(16)
	// BitDepth32 is 32 bit depth.
	BitDepth32 = BitDepth(32)
)

// Limit is the sample magnitude treated as out-of-range on the render
// path. It leaves headroom above full scale for intermediate gain
// staging while still catching runaway unit output.
const Limit = 4.0

// BitDepth contains values required for int-to-float and backward conversion.
type BitDepth int

// divider is used when int to float conversion is done.
func (bitDepth BitDepth) divider() int {
	switch bitDepth {
	case BitDepth8:
		return math.MaxInt8
	case BitDepth16:
		return math.MaxInt16
	case BitDepth32:
		return math.MaxInt32
	default:
		return 1
	}
}

// multiplier is used when float to int conversion is done.
func (bitDepth BitDepth) multiplier() int {
	switch bitDepth {
	case BitDepth8:
		return math.MaxInt8 - 1
	case BitDepth16:
		return math.MaxInt16 - 1
	case BitDepth32:
		return math.MaxInt32 - 1
	default:
		return 1
	}
}

// InterInt is an interleaved int signal.
type InterInt struct {
	Data        []int
	NumChannels int
	BitDepth
}

// DurationOf returns time duration of passed samples for this sample rate.
func DurationOf(sampleRate int, samples int64) time.Duration {
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

// Empty returns a new silent signal with defined dimensions.
func Empty(numChannels, size int) Float64 {
	s := make([][]float64, numChannels)
	for i := range s {
		s[i] = make([]float64, size)
	}
	return s
}

// NumChannels returns number of channels.
func (s Float64) NumChannels() int {
	return len(s)
}

// Size returns the number of samples per channel.
func (s Float64) Size() int {
	if len(s) == 0 || s[0] == nil {
		return 0
	}
	return len(s[0])
}

// Clear zeroes all samples in place.
func (s Float64) Clear() {
	for i := range s {
		for j := range s[i] {
			s[i][j] = 0
		}
	}
}

// CopyFrom copies samples from src into s for overlapping dimensions.
func (s Float64) CopyFrom(src Float64) {
	for i := 0; i < len(s) && i < len(src); i++ {
		copy(s[i], src[i])
	}
}

// Clone returns a deep copy of the signal.
func (s Float64) Clone() Float64 {
	if s == nil {
		return nil
	}
	c := make([][]float64, len(s))
	for i := range s {
		c[i] = make([]float64, len(s[i]))
		copy(c[i], s[i])
	}
	return c
}

// Gain multiplies all samples by g in place.
func (s Float64) Gain(g float64) {
	for i := range s {
		for j := range s[i] {
			s[i][j] *= g
		}
	}
}

// Peak returns the largest absolute sample value.
func (s Float64) Peak() float64 {
	var peak float64
	for i := range s {
		for j := range s[i] {
			if v := math.Abs(s[i][j]); v > peak {
				peak = v
			}
		}
	}
	return peak
}

// Valid reports whether all samples are finite and within limit.
func (s Float64) Valid(limit float64) bool {
	for i := range s {
		for j := range s[i] {
			v := s[i][j]
			if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > limit {
				return false
			}
		}
	}
	return true
}

// Scrub replaces non-finite and out-of-range samples with silence in
// place.
func (s Float64) Scrub(limit float64) {
	for i := range s {
		for j := range s[i] {
			v := s[i][j]
			if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > limit {
				s[i][j] = 0
			}
		}
	}
}

// AsFloat64 converts interleaved int signal to float64.
func (ints InterInt) AsFloat64() Float64 {
	if ints.Data == nil || ints.NumChannels == 0 {
		return nil
	}
	floats := make([][]float64, ints.NumChannels)
	bufSize := int(math.Ceil(float64(len(ints.Data)) / float64(ints.NumChannels)))

	// determine the divider for bit depth conversion
	divider := float64(ints.BitDepth.divider())

	for i := range floats {
		floats[i] = make([]float64, bufSize)
		pos := 0
		for j := i; j < len(ints.Data); j = j + ints.NumChannels {
			floats[i][pos] = float64(ints.Data[j]) / divider
			pos++
		}
	}
	return floats
}

// AsInterInt converts float64 signal to interleaved int.
func (s Float64) AsInterInt(bitDepth BitDepth) []int {
	numChannels := len(s)
	if numChannels == 0 {
		return nil
	}

	// determine the multiplier for bit depth conversion
	multiplier := float64(bitDepth.multiplier())

	ints := make([]int, len(s[0])*numChannels)
	for i := range s[0] {
		for j := range s {
			ints[i*numChannels+j] = int(s[j][i] * multiplier)
		}
	}
	return ints
}
