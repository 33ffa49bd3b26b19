package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

// Format describes the fmt chunk of a WAV container.
type Format struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataBytes     uint32
	// DataOffset is the index of the first sample byte.
	DataOffset int
}

// Duration is derived from the data chunk size.
func (f Format) Duration() time.Duration {
	bytesPerSecond := uint64(f.SampleRate) * uint64(f.Channels) * uint64(f.BitsPerSample) / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(uint64(f.DataBytes) * uint64(time.Second) / bytesPerSecond)
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	w := bufio.NewWriter(out)

	header := []any{
		[]byte("RIFF"),
		uint32(36) + dataSize,
		[]byte("WAVE"),
		[]byte("fmt "),
		uint32(16),
		uint16(audioFormat),
		uint16(numChannels),
		uint32(sampleRate),
		uint32(sampleRate * numChannels * bitsPerSample / 8),
		uint16(numChannels * bitsPerSample / 8),
		uint16(bitsPerSample),
		[]byte("data"),
		dataSize,
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// ParseWAVHeader walks the RIFF chunks until both fmt and data are found.
func ParseWAVHeader(raw []byte) (Format, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return Format{}, ErrNotWAV
	}
	var (
		f       Format
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(raw) {
		id := string(raw[pos : pos+4])
		size := binary.LittleEndian.Uint32(raw[pos+4 : pos+8])
		body := pos + 8
		switch id {
		case "fmt ":
			if body+16 > len(raw) {
				return Format{}, ErrNotWAV
			}
			f.AudioFormat = binary.LittleEndian.Uint16(raw[body : body+2])
			f.Channels = binary.LittleEndian.Uint16(raw[body+2 : body+4])
			f.SampleRate = binary.LittleEndian.Uint32(raw[body+4 : body+8])
			f.BitsPerSample = binary.LittleEndian.Uint16(raw[body+14 : body+16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, ErrNotWAV
			}
			f.DataBytes = size
			f.DataOffset = body
			if avail := uint32(len(raw) - body); avail < size {
				// Streams written before the size was patched report 0 or 0xFFFFFFFF.
				f.DataBytes = avail
			}
			return f, nil
		}
		next := body + int(size)
		if size%2 == 1 {
			next++
		}
		if next <= pos {
			break
		}
		pos = next
	}
	return Format{}, ErrNotWAV
}
