// Package audio records microphone input as WAV takes with live metering
package audio

import "math"

// dbFloor is the quietest meterable signal; anything below reads as silence.
const dbFloor = -80.0

// RMS computes the root mean square amplitude of a sample buffer.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFromRMS converts linear RMS amplitude to decibels full scale,
// clamped to [dbFloor, 0].
func DBFromRMS(rms float64) float64 {
	if rms <= 0 {
		return dbFloor
	}
	db := 20 * math.Log10(rms)
	if db < dbFloor {
		return dbFloor
	}
	if db > 0 {
		return 0
	}
	return db
}

// LevelFromDB normalizes dBFS to a 0..1 meter value with the floor at -80dB.
func LevelFromDB(db float64) float64 {
	if db <= dbFloor {
		return 0
	}
	if db >= 0 {
		return 1
	}
	return (db - dbFloor) / -dbFloor
}
