// Package wav parses RIFF/WAVE container headers from a byte prefix.
//
// Only the header is interpreted: the parser reports where the sample data
// starts and how it is laid out, and leaves reading the samples to the caller.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for header parsing.
var (
	// ErrNotParseable is returned when the buffer does not hold a usable RIFF/WAVE header.
	ErrNotParseable = errors.New("wav: not parseable")

	// ErrUnsupported is returned for valid headers whose encoding is not 16-bit linear PCM.
	ErrUnsupported = errors.New("wav: unsupported format")
)

const (
	// MinHeaderSize is the size of the canonical 44-byte PCM header.
	MinHeaderSize = 44

	// chunkScanStart is the offset of the first sub-chunk after "RIFF" <size> "WAVE".
	chunkScanStart = 12
	chunkHeaderLen = 8
	fmtChunkMinLen = 16
)

// Audio format tags from the fmt chunk.
const (
	FormatPCM        uint16 = 0x0001
	FormatExtensible uint16 = 0xFFFE
)

// Format describes the sample layout declared by a WAVE header.
type Format struct {
	AudioFormat   uint16 `json:"audio_format"`
	Channels      uint16 `json:"channels"`
	SampleRate    uint32 `json:"sample_rate"`
	BitsPerSample uint16 `json:"bits_per_sample"`
	// DataOffset is the byte offset of the first sample, right after the data chunk header.
	DataOffset int `json:"data_offset"`
}

// Parse reads the RIFF/WAVE header at the start of buf.
// buf may be a prefix of the file; it only needs to reach the data chunk header.
func Parse(buf []byte) (Format, error) {
	if len(buf) < MinHeaderSize {
		return Format{}, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrNotParseable, len(buf), MinHeaderSize)
	}
	if string(buf[0:4]) != "RIFF" {
		return Format{}, fmt.Errorf("%w: missing RIFF tag", ErrNotParseable)
	}
	if string(buf[8:12]) != "WAVE" {
		return Format{}, fmt.Errorf("%w: missing WAVE tag", ErrNotParseable)
	}

	var (
		f       Format
		haveFmt bool
	)
	offset := chunkScanStart
	for offset+chunkHeaderLen <= len(buf) {
		id := buf[offset : offset+4]
		size := int64(binary.LittleEndian.Uint32(buf[offset+4 : offset+8]))
		body := offset + chunkHeaderLen

		switch string(id) {
		case "fmt ":
			if body+fmtChunkMinLen > len(buf) {
				return Format{}, fmt.Errorf("%w: truncated fmt chunk", ErrNotParseable)
			}
			f.AudioFormat = binary.LittleEndian.Uint16(buf[body:])
			f.Channels = binary.LittleEndian.Uint16(buf[body+2:])
			f.SampleRate = binary.LittleEndian.Uint32(buf[body+4:])
			f.BitsPerSample = binary.LittleEndian.Uint16(buf[body+14:])
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrNotParseable)
			}
			f.DataOffset = body
			return f, nil
		}

		// RIFF chunks are word aligned; odd sizes carry one pad byte.
		next := int64(body) + size + size&1
		if next <= int64(offset) || next > int64(len(buf)) {
			break
		}
		offset = int(next)
	}

	if !haveFmt {
		return Format{}, fmt.Errorf("%w: no fmt chunk", ErrNotParseable)
	}
	return Format{}, fmt.Errorf("%w: no data chunk", ErrNotParseable)
}

// Supported reports whether samples can be read as 16-bit little-endian PCM.
func (f Format) Supported() error {
	if f.AudioFormat != FormatPCM && f.AudioFormat != FormatExtensible {
		return fmt.Errorf("%w: audio format 0x%04x is not PCM", ErrUnsupported, f.AudioFormat)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupported, f.BitsPerSample)
	}
	if f.Channels == 0 || f.SampleRate == 0 {
		return fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupported, f.Channels, f.SampleRate)
	}
	return nil
}

// FrameSize returns the number of bytes holding one sample for every channel.
func (f Format) FrameSize() int {
	return int(f.BitsPerSample) / 8 * int(f.Channels)
}

// WindowRange returns the inclusive byte range covering d of audio from the data offset.
func (f Format) WindowRange(d time.Duration) (start, end int64) {
	frames := int64(f.SampleRate) * int64(d) / int64(time.Second)
	start = int64(f.DataOffset)
	end = start + frames*int64(f.FrameSize()) - 1
	return start, end
}
