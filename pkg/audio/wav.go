package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the standard RIFF header produced by EncodeWAV.
// The takeover bridge tail-reads recorder files starting at this offset.
const WAVHeaderSize = 44

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// 44-byte RIFF/WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, WAVHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], bps)                // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV extracts PCM data, sample rate, and channel count from a WAV file
// produced by [EncodeWAV] or any other writer using the canonical 44-byte
// header layout. Only 16-bit PCM is accepted.
func DecodeWAV(wav []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(wav) < WAVHeaderSize {
		return nil, 0, 0, errors.New("audio: wav data shorter than header")
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, 0, errors.New("audio: not a RIFF/WAVE file")
	}
	format := binary.LittleEndian.Uint16(wav[20:22])
	if format != 1 {
		return nil, 0, 0, fmt.Errorf("audio: unsupported wav format %d (want PCM)", format)
	}
	bps := binary.LittleEndian.Uint16(wav[34:36])
	if bps != 16 {
		return nil, 0, 0, fmt.Errorf("audio: unsupported bit depth %d (want 16)", bps)
	}
	channels = int(binary.LittleEndian.Uint16(wav[22:24]))
	sampleRate = int(binary.LittleEndian.Uint32(wav[24:28]))
	dataSize := int(binary.LittleEndian.Uint32(wav[40:44]))
	if dataSize > len(wav)-WAVHeaderSize {
		dataSize = len(wav) - WAVHeaderSize
	}
	return wav[WAVHeaderSize : WAVHeaderSize+dataSize], sampleRate, channels, nil
}
