// Package wav provides pump and sink components for wav files.
package wav

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/dudk/rack/signal"
)

type (
	// Pump reads from a wav file. It cannot be reused for consequent
	// runs.
	Pump struct {
		path    string
		file    *os.File
		decoder *wav.Decoder
		samples int64
	}

	// Sink saves audio to a wav file.
	Sink struct {
		path     string
		bitDepth signal.BitDepth
		format   int
		file     *os.File
		encoder  *wav.Encoder
	}
)

// ErrUnsupportedBitDepth is returned when an unsupported bit depth is used.
var ErrUnsupportedBitDepth = errors.New("only 16 and 32 bit depth are supported")

// NewPump creates a new wav pump.
func NewPump(path string) *Pump {
	return &Pump{path: path}
}

// Pump opens the file and returns a closure reading a block per call.
// The closure returns io.EOF when no data was read and
// io.ErrUnexpectedEOF when less than a full buffer was read.
func (p *Pump) Pump(sourceID string, bufferSize int) (func() (signal.Float64, error), int, int, error) {
	file, err := os.Open(p.path)
	if err != nil {
		return nil, 0, 0, err
	}

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		if err = file.Close(); err != nil {
			return nil, 0, 0, fmt.Errorf("wav is not valid, failed to close %v", p.path)
		}
		return nil, 0, 0, fmt.Errorf("wav is not valid: %v", p.path)
	}
	bitDepth := signal.BitDepth(decoder.BitDepth)
	if bitDepth != signal.BitDepth16 && bitDepth != signal.BitDepth32 {
		_ = file.Close()
		return nil, 0, 0, ErrUnsupportedBitDepth
	}

	p.file = file
	p.decoder = decoder
	numChannels := decoder.Format().NumChannels
	sampleRate := int(decoder.SampleRate)
	p.samples = decoder.PCMLen() / int64(decoder.BitDepth/8) / int64(numChannels)

	ib := &audio.IntBuffer{
		Format:         decoder.Format(),
		Data:           make([]int, bufferSize*numChannels),
		SourceBitDepth: int(decoder.BitDepth),
	}

	return func() (signal.Float64, error) {
		readSamples, err := p.decoder.PCMBuffer(ib)
		if err != nil {
			return nil, err
		}
		if readSamples == 0 {
			return nil, io.EOF
		}
		b := signal.InterInt{
			Data:        ib.Data[:readSamples],
			NumChannels: numChannels,
			BitDepth:    bitDepth,
		}.AsFloat64()
		if b.Size() != bufferSize {
			return b, io.ErrUnexpectedEOF
		}
		return b, nil
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

// NewSink creates a new wav sink.
func NewSink(path string, bitDepth signal.BitDepth) (*Sink, error) {
	if bitDepth != signal.BitDepth16 && bitDepth != signal.BitDepth32 {
		return nil, ErrUnsupportedBitDepth
	}
	return &Sink{
		path:     path,
		bitDepth: bitDepth,
		format:   1,
	}, nil
}

// Sink creates the file and returns a closure writing a block per call.
func (s *Sink) Sink(sourceID string, sampleRate, numChannels, bufferSize int) (func(signal.Float64) error, error) {
	f, err := os.Create(s.path)
	if err != nil {
		return nil, err
	}
	e := wav.NewEncoder(f, sampleRate, int(s.bitDepth), numChannels, s.format)

	s.file = f
	s.encoder = e
	ib := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: numChannels,
			SampleRate:  sampleRate,
		},
		SourceBitDepth: int(s.bitDepth),
	}

	return func(b signal.Float64) error {
		ib.Data = b.AsInterInt(s.bitDepth)
		return s.encoder.Write(ib)
	}, nil
}

// Flush flushes the encoder and closes the file.
func (s *Sink) Flush(string) error {
	if s.encoder == nil {
		return nil
	}
	if err := s.encoder.Close(); err != nil {
		return err
	}
	return s.file.Close()
}
