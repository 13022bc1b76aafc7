// Package audio computes loudness levels from raw PCM samples.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// Epsilon is the RMS floor applied before the logarithm so silence stays finite.
	Epsilon = 1e-9
	// MaxSampleValue is the full-scale magnitude of a 16-bit signed sample.
	MaxSampleValue = 32768.0
	// ClipThreshold is slightly below full scale to catch near-clips.
	ClipThreshold = 32760.0 / MaxSampleValue
)

// SilenceFloorDB is the level reported for fully silent input, 20*log10(Epsilon).
const SilenceFloorDB = -180.0

const (
	// DefaultAnalysisWindow is how much audio after the data offset is measured.
	// The level estimates onset loudness, not full-duration loudness.
	DefaultAnalysisWindow = 3000 * time.Millisecond
	// HeaderProbeBytes is the prefix fetched to locate the data chunk.
	HeaderProbeBytes = 64 * 1024
)

// Level holds the loudness of one analysed window.
type Level struct {
	// RMS is the linear root-mean-square amplitude, full scale = 1.0.
	RMS float64 `json:"rms"`
	// DBFS is 20*log10(max(RMS, Epsilon)).
	DBFS float64 `json:"dbfs"`
	// Frames is the number of complete frames measured.
	Frames int `json:"frames"`
	// Clipped counts frames whose mono amplitude reached ClipThreshold.
	Clipped int `json:"clipped,omitzero"`
}

// ComputeLevel measures S16LE interleaved PCM. Each frame is downmixed to mono
// by averaging its channels; a trailing partial frame is ignored.
func ComputeLevel(pcm []byte, channels int) Level {
	if channels < 1 {
		return Level{DBFS: SilenceFloorDB}
	}

	frameSize := 2 * channels
	var (
		sumSquares float64
		frames     int
		clipped    int
	)
	for i := 0; i+frameSize <= len(pcm); i += frameSize {
		var acc float64
		for ch := range channels {
			sample := int16(binary.LittleEndian.Uint16(pcm[i+2*ch:]))
			acc += float64(sample) / MaxSampleValue
		}
		mono := acc / float64(channels)
		sumSquares += mono * mono
		if math.Abs(mono) >= ClipThreshold {
			clipped++
		}
		frames++
	}

	rms := math.Sqrt(sumSquares / float64(max(1, frames)))
	return Level{
		RMS:     rms,
		DBFS:    ToDBFS(rms),
		Frames:  frames,
		Clipped: clipped,
	}
}

// ToDBFS converts a linear amplitude to decibels relative to full scale.
// Amplitudes at or below Epsilon map to SilenceFloorDB.
func ToDBFS(rms float64) float64 {
	if rms <= Epsilon {
		return SilenceFloorDB
	}
	return 20 * math.Log10(rms)
}
