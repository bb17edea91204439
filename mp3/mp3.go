// Package mp3 provides pump and sink components for mp3 files.
package mp3

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/viert/lame"

	"github.com/dudk/rack/signal"
)

type (
	// Pump reads from an mp3 file. The decoder always provides stereo
	// 16 bit signal.
	Pump struct {
		path string
		file *os.File
		d    *mp3.Decoder
		done bool
	}

	// Sink saves audio to an mp3 file.
	Sink struct {
		path    string
		bitRate int
		quality int
		file    *os.File
		writer  *lame.LameWriter
	}
)

// NewPump creates a new mp3 pump.
func NewPump(path string) *Pump {
	return &Pump{path: path}
}

// Pump opens the file and returns a closure reading a block per call.
func (p *Pump) Pump(sourceID string, bufferSize int) (func() (signal.Float64, error), int, int, error) {
	file, err := os.Open(p.path)
	if err != nil {
		return nil, 0, 0, err
	}
	d, err := mp3.NewDecoder(file)
	if err != nil {
		_ = file.Close()
		return nil, 0, 0, err
	}
	p.file = file
	p.d = d

	const numChannels = 2
	return func() (signal.Float64, error) {
		if p.done {
			return nil, io.EOF
		}
		ints := make([]int, 0, bufferSize*numChannels)
		var val int16
		for len(ints) < bufferSize*numChannels && !p.done {
			if err := binary.Read(p.d, binary.LittleEndian, &val); err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					p.done = true
					break
				}
				return nil, err
			}
			ints = append(ints, int(val))
		}
		if len(ints) == 0 {
			return nil, io.EOF
		}
		if len(ints)%numChannels == 1 {
			ints = append(ints, 0)
		}
		b := signal.InterInt{
			Data:        ints,
			NumChannels: numChannels,
			BitDepth:    signal.BitDepth16,
		}.AsFloat64()
		if b.Size() != bufferSize {
			return b, io.ErrUnexpectedEOF
		}
		return b, nil
	}, d.SampleRate(), numChannels, nil
}

// Samples returns the total number of samples per channel. Valid after
// Pump was called, zero when the decoder cannot tell.
func (p *Pump) Samples() int64 {
	if p.d == nil {
		return 0
	}
	// decoded stream is stereo 16 bit: 4 bytes per sample
	if l := p.d.Length(); l > 0 {
		return l / 4
	}
	return 0
}

// Flush closes the file.
func (p *Pump) Flush(string) error {
	return p.file.Close()
}

// NewSink creates a new mp3 sink.
func NewSink(path string, bitRate, quality int) *Sink {
	return &Sink{
		path:    path,
		bitRate: bitRate,
		quality: quality,
	}
}

// Sink creates the file and returns a closure writing a block per call.
func (s *Sink) Sink(sourceID string, sampleRate, numChannels, bufferSize int) (func(signal.Float64) error, error) {
	f, err := os.Create(s.path)
	if err != nil {
		return nil, err
	}
	s.file = f
	s.writer = lame.NewWriter(f)
	s.writer.Encoder.SetBitrate(s.bitRate)
	s.writer.Encoder.SetQuality(s.quality)
	s.writer.Encoder.SetNumChannels(numChannels)
	s.writer.Encoder.SetInSamplerate(sampleRate)
	s.writer.Encoder.SetMode(lame.JOINT_STEREO)
	s.writer.Encoder.SetVBR(lame.VBR_RH)
	s.writer.Encoder.InitParams()

	return func(b signal.Float64) error {
		buf := new(bytes.Buffer)
		ints := b.AsInterInt(signal.BitDepth16)
		for i := range ints {
			if err := binary.Write(buf, binary.LittleEndian, int16(ints[i])); err != nil {
				return err
			}
		}
		_, err := s.writer.Write(buf.Bytes())
		return err
	}, nil
}

// Flush closes the encoder and the file.
func (s *Sink) Flush(string) error {
	if s.writer == nil {
		return nil
	}
	if err := s.writer.Close(); err != nil {
		return err
	}
	return s.file.Close()
}
