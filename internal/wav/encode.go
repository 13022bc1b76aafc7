package wav

import "encoding/binary"

// EncodePCM16 builds a canonical 44-byte header followed by interleaved samples.
func EncodePCM16(sampleRate uint32, channels uint16, samples []int16) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, MinHeaderSize+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], fmtChunkMinLen)
	binary.LittleEndian.PutUint16(buf[20:], FormatPCM)
	binary.LittleEndian.PutUint16(buf[22:], channels)
	binary.LittleEndian.PutUint32(buf[24:], sampleRate)
	binary.LittleEndian.PutUint32(buf[28:], sampleRate*uint32(channels)*2)
	binary.LittleEndian.PutUint16(buf[32:], channels*2)
	binary.LittleEndian.PutUint16(buf[34:], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataLen))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[MinHeaderSize+2*i:], uint16(s))
	}
	return buf
}
