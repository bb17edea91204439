// Package aiff provides a pump component for aiff files.
package aiff

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/aiff"

	"github.com/dudk/rack/signal"
)

// ErrUnsupportedBitDepth is returned when the file uses a bit depth the
// pump cannot decode.
var ErrUnsupportedBitDepth = errors.New("only 8, 16 and 32 bit depth are supported")

// Pump reads from an aiff file. The whole file is decoded on start,
// blocks are then served from memory.
type Pump struct {
	path    string
	file    *os.File
	samples int64
}

// NewPump creates a new aiff pump.
func NewPump(path string) *Pump {
	return &Pump{path: path}
}

// Pump opens and decodes the file and returns a closure serving a block
// per call.
func (p *Pump) Pump(sourceID string, bufferSize int) (func() (signal.Float64, error), int, int, error) {
	file, err := os.Open(p.path)
	if err != nil {
		return nil, 0, 0, err
	}
	decoder := aiff.NewDecoder(file)
	if !decoder.IsValidFile() {
		_ = file.Close()
		return nil, 0, 0, fmt.Errorf("aiff is not valid: %v", p.path)
	}
	ib, err := decoder.FullPCMBuffer()
	if err != nil {
		_ = file.Close()
		return nil, 0, 0, err
	}
	switch signal.BitDepth(ib.SourceBitDepth) {
	case signal.BitDepth8, signal.BitDepth16, signal.BitDepth32:
	default:
		_ = file.Close()
		return nil, 0, 0, ErrUnsupportedBitDepth
	}
	p.file = file

	numChannels := ib.Format.NumChannels
	sampleRate := ib.Format.SampleRate
	b := signal.InterInt{
		Data:        ib.Data,
		NumChannels: numChannels,
		BitDepth:    signal.BitDepth(ib.SourceBitDepth),
	}.AsFloat64()
	p.samples = int64(b.Size())

	pos := 0
	return func() (signal.Float64, error) {
		if pos >= b.Size() {
			return nil, io.EOF
		}
		end := pos + bufferSize
		if end > b.Size() {
			end = b.Size()
		}
		block := make([][]float64, numChannels)
		for i := range block {
			block[i] = b[i][pos:end]
		}
		pos = end
		if signal.Float64(block).Size() != bufferSize {
			return block, io.ErrUnexpectedEOF
		}
		return block, nil
	}, sampleRate, numChannels, nil
}

// Samples returns the total number of samples per channel. Valid after
// Pump was called.
func (p *Pump) Samples() int64 {
	return p.samples
}

// Flush closes the file.
func (p *Pump) Flush(string) error {
	return p.file.Close()
}
