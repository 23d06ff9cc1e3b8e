package audio

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Engine opens capture streams on the host audio system.
type Engine interface {
	Open(sampleRate, channels, framesPerBuffer int) (Stream, error)
}

// Stream is an open capture stream. Read blocks until a buffer is ready.
type Stream interface {
	Start() error
	Read() ([]float32, error)
	Stop() error
	Close() error
}

// PortAudioEngine captures from the best available input device.
type PortAudioEngine struct {
	initOnce sync.Once
	initErr  error
}

func NewPortAudioEngine() *PortAudioEngine {
	return &PortAudioEngine{}
}

func (e *PortAudioEngine) Open(sampleRate, channels, framesPerBuffer int) (Stream, error) {
	e.initOnce.Do(func() { e.initErr = portaudio.Initialize() })
	if e.initErr != nil {
		return nil, e.initErr
	}

	dev, err := pickInputDevice()
	if err != nil {
		return nil, err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	buf := make([]float32, framesPerBuffer*channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, err
	}

	slog.Info("opened capture device", "device", dev.Name, "rate", sampleRate)
	return &paStream{stream: stream, buf: buf}, nil
}

func pickInputDevice() (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	var best *portaudio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 {
			continue
		}
		if best == nil || preferDevice(dev.Name, best.Name) {
			best = dev
		}
	}
	if best != nil {
		return best, nil
	}

	if def, derr := portaudio.DefaultInputDevice(); derr == nil {
		return def, nil
	}
	return nil, errors.New("no input device available")
}

// preferDevice ranks built-in mics above external/virtual ones.
func preferDevice(name, current string) bool {
	preferred := []string{"built-in", "macbook", "pulse", "default"}
	for _, p := range preferred {
		nameHas := containsIgnoreCase(name, p)
		currHas := containsIgnoreCase(current, p)
		if nameHas && !currHas {
			return true
		}
	}
	return false
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

type paStream struct {
	stream *portaudio.Stream
	buf    []float32
}

func (s *paStream) Start() error { return s.stream.Start() }
func (s *paStream) Stop() error  { return s.stream.Stop() }
func (s *paStream) Close() error { return s.stream.Close() }

func (s *paStream) Read() ([]float32, error) {
	if err := s.stream.Read(); err != nil {
		return nil, err
	}
	return append([]float32(nil), s.buf...), nil
}
