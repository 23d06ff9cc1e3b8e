// Package media handles recording files: WAV writing, MP3 transcode and probing
package media

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

const wavHeaderSize = 44

// WavWriter streams float32 samples to disk as 16-bit PCM WAV.
// The RIFF header is written up front with zero lengths and patched on Close,
// so a crash mid-recording leaves a file recoverable by length-tolerant tools.
type WavWriter struct {
	f          *os.File
	sampleRate int
	channels   int
	dataBytes  uint32
	closed     bool
}

// NewWavWriter creates the file and reserves the header.
func NewWavWriter(path string, sampleRate, channels int) (*WavWriter, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid wav params: rate=%d channels=%d", sampleRate, channels)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	w := &WavWriter{f: f, sampleRate: sampleRate, channels: channels}
	if err := w.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

// WriteSamples appends float32 samples in [-1, 1] as little-endian int16.
func (w *WavWriter) WriteSamples(samples []float32) error {
	if w.closed {
		return fmt.Errorf("wav writer closed")
	}
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(math.Round(float64(clampSample(s)) * math.MaxInt16))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	n, err := w.f.Write(buf)
	w.dataBytes += uint32(n)
	if err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	return nil
}

// Close patches the RIFF sizes and syncs the file.
func (w *WavWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.patchSizes(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync wav: %w", err)
	}
	return w.f.Close()
}

// BytesWritten returns the PCM payload size so far.
func (w *WavWriter) BytesWritten() uint32 { return w.dataBytes }

func (w *WavWriter) writeHeader() error {
	var h [wavHeaderSize]byte
	byteRate := uint32(w.sampleRate * w.channels * 2)
	blockAlign := uint16(w.channels * 2)

	copy(h[0:4], "RIFF")
	// h[4:8] chunk size, patched on close
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(w.channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], blockAlign)
	binary.LittleEndian.PutUint16(h[34:36], 16) // bits per sample
	copy(h[36:40], "data")
	// h[40:44] data size, patched on close

	if _, err := w.f.Write(h[:]); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	return nil
}

func (w *WavWriter) patchSizes() error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 36+w.dataBytes)
	if _, err := w.f.WriteAt(b[:], 4); err != nil {
		return fmt.Errorf("patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(b[:], w.dataBytes)
	if _, err := w.f.WriteAt(b[:], 40); err != nil {
		return fmt.Errorf("patch data size: %w", err)
	}
	return nil
}

func clampSample(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
