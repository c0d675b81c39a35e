// Package audio converts between raw 16-bit little-endian PCM and WAV containers.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DataURIPrefix starts every audio payload published to the room.
const DataURIPrefix = "data:audio/wav;base64,"

// WritePCM encodes s16le pcm as a WAV stream.
func WritePCM(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid pcm format %d Hz x %d", sampleRate, channels)
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// TempWAV writes pcm to a temporary WAV file. The caller removes it with cleanup.
func TempWAV(pcm []byte, sampleRate, channels int) (path string, cleanup func(), err error) {
	file, err := os.CreateTemp("", "loqa_audio_*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("temp file: %w", err)
	}
	cleanup = func() { _ = os.Remove(file.Name()) }
	if err := WritePCM(file, pcm, sampleRate, channels); err != nil {
		file.Close()
		cleanup()
		return "", nil, err
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return file.Name(), cleanup, nil
}

// DataURI returns pcm as a base64 WAV data URI browsers can play directly.
func DataURI(pcm []byte, sampleRate, channels int) (string, error) {
	path, cleanup, err := TempWAV(pcm, sampleRate, channels)
	if err != nil {
		return "", err
	}
	defer cleanup()
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read wav: %w", err)
	}
	return DataURIPrefix + base64.StdEncoding.EncodeToString(data), nil
}

// DecodeDataURI returns the WAV bytes carried by a data URI.
func DecodeDataURI(uri string) ([]byte, error) {
	if len(uri) < len(DataURIPrefix) || uri[:len(DataURIPrefix)] != DataURIPrefix {
		return nil, fmt.Errorf("not a wav data uri")
	}
	return base64.StdEncoding.DecodeString(uri[len(DataURIPrefix):])
}

// Info reports the format and duration of a WAV file.
func Info(path string) (sampleRate, channels int, samples int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, 0, 0, fmt.Errorf("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	return int(dec.SampleRate), int(dec.NumChans), len(buf.Data), nil
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// ReadPCM decodes a 16-bit WAV stream into s16le pcm.
func ReadPCM(r io.ReadSeeker) (pcm []byte, sampleRate, channels int, err error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("invalid wav file")
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	pcm = make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm, int(dec.SampleRate), int(dec.NumChans), nil
}
