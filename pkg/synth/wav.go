package synth

import (
	"encoding/binary"
	"errors"
)

// WAVDurationMs computes the playback length of a RIFF/WAVE file from its
// fmt and data chunks. It walks the chunk list rather than assuming a fixed
// 44-byte header because the fmt chunk size varies between encoders.
func WAVDurationMs(wav []byte) (int64, error) {
	if len(wav) < 12 {
		return 0, errors.New("synth: WAV too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return 0, errors.New("synth: WAV missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return 0, errors.New("synth: WAV missing WAVE identifier")
	}

	var (
		sampleRate int
		blockAlign int
		dataSize   int
		foundFmt   bool
		foundData  bool
	)

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				sampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				blockAlign = int(binary.LittleEndian.Uint16(fmtData[12:14]))
				foundFmt = true
			}
		case "data":
			dataSize = chunkSize
			if rest := len(wav) - (offset + 8); dataSize > rest {
				dataSize = rest
			}
			foundData = true
		}

		// Chunks are word-aligned: pad by 1 if the size is odd.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
		if foundFmt && foundData {
			break
		}
	}

	if !foundFmt || !foundData {
		return 0, errors.New("synth: WAV missing fmt or data chunk")
	}
	if sampleRate <= 0 || blockAlign <= 0 {
		return 0, errors.New("synth: WAV fmt chunk has no usable rate")
	}
	frames := dataSize / blockAlign
	return int64(frames) * 1000 / int64(sampleRate), nil
}

// PCMDurationMs computes the playback length of raw PCM given its layout.
func PCMDurationMs(dataLen, sampleRate, channels, sampleWidth int) int64 {
	if sampleRate <= 0 || channels <= 0 || sampleWidth <= 0 {
		return 0
	}
	frames := dataLen / (channels * sampleWidth)
	return int64(frames) * 1000 / int64(sampleRate)
}
