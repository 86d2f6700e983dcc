// Package codec decodes the encoded audio fragments exchanged over the duplex
// channel into PCM16 suitable for the playback engine, and encodes captured
// PCM into WAV containers for local persistence.
//
// A decode failure is always local to one fragment: callers drop the fragment,
// report the [DecodeError], and keep the stream running.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"layeh.com/gopus"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// MIME types accepted by [Decoder.Decode]. Parameters after ";" are ignored.
const (
	MimePCM  = "audio/pcm"
	MimeWAV  = "audio/wav"
	MimeMP3  = "audio/mpeg"
	MimeOgg  = "audio/ogg"
	MimeOpus = "audio/opus"
)

// Opus fragments carry no self-describing rate; the duplex protocol fixes
// them at 48 kHz mono, matching the encoder on the synthesis side.
const (
	opusSampleRate = 48000
	opusMaxSamples = 5760 // 120 ms at 48 kHz, the largest legal opus frame
)

// DecodeError describes a malformed or unsupported fragment. It wraps the
// underlying decoder error and records the MIME type for diagnostics.
type DecodeError struct {
	MimeType string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %s: %v", e.MimeType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Buffer is a decoded fragment: mono little-endian int16 PCM plus its rate.
type Buffer struct {
	PCM        []byte
	SampleRate int
}

// Duration returns the playback duration of the buffer.
func (b Buffer) Duration() time.Duration {
	return audio.PCMDuration(len(b.PCM), b.SampleRate, 1)
}

// Decoder turns encoded fragments into mono PCM16 buffers.
//
// The opus decoder is stateful (packet loss concealment history), so one
// Decoder instance serves one inbound stream. PCM, WAV, MP3, and Ogg Vorbis
// fragments are self-contained and carry no cross-fragment state.
//
// Decoder is not safe for concurrent use.
type Decoder struct {
	// PCMSampleRate is the rate assumed for raw audio/pcm fragments, which
	// carry no header. Defaults to 24000 when zero.
	PCMSampleRate int

	opus *gopus.Decoder
}

// NewDecoder creates a Decoder for a single inbound fragment stream.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode converts one encoded fragment into a mono PCM16 buffer. Multichannel
// sources are downmixed. Returns a [*DecodeError] on malformed input.
func (d *Decoder) Decode(data []byte, mimeType string) (Buffer, error) {
	mime := normalizeMime(mimeType)
	if len(data) == 0 {
		return Buffer{}, &DecodeError{MimeType: mime, Err: fmt.Errorf("empty fragment")}
	}

	switch mime {
	case MimePCM:
		return d.decodePCM(data)
	case MimeWAV:
		return decodeWAV(data, mime)
	case MimeMP3:
		return decodeMP3(data, mime)
	case MimeOgg:
		return decodeOgg(data, mime)
	case MimeOpus:
		return d.decodeOpus(data, mime)
	default:
		return Buffer{}, &DecodeError{MimeType: mime, Err: fmt.Errorf("unsupported mime type")}
	}
}

// decodePCM passes raw little-endian PCM16 through, validating alignment.
func (d *Decoder) decodePCM(data []byte) (Buffer, error) {
	if len(data)%2 != 0 {
		return Buffer{}, &DecodeError{MimeType: MimePCM, Err: fmt.Errorf("odd byte count %d", len(data))}
	}
	rate := d.PCMSampleRate
	if rate == 0 {
		rate = 24000
	}
	return Buffer{PCM: data, SampleRate: rate}, nil
}

func decodeWAV(data []byte, mime string) (Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, &DecodeError{MimeType: mime, Err: err}
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return Buffer{}, &DecodeError{MimeType: mime, Err: fmt.Errorf("missing format chunk")}
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = clampInt16(v)
	}
	pcm := audio.Int16ToBytes(samples)
	if buf.Format.NumChannels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return Buffer{PCM: pcm, SampleRate: buf.Format.SampleRate}, nil
}

func decodeMP3(data []byte, mime string) (Buffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Buffer{}, &DecodeError{MimeType: mime, Err: err}
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return Buffer{}, &DecodeError{MimeType: mime, Err: err}
	}
	// go-mp3 always emits 16-bit stereo.
	return Buffer{PCM: audio.StereoToMono(raw), SampleRate: dec.SampleRate()}, nil
}

func decodeOgg(data []byte, mime string) (Buffer, error) {
	floats, format, err := oggvorbis.ReadAll(bytes.NewReader(data))
	if err != nil {
		return Buffer{}, &DecodeError{MimeType: mime, Err: err}
	}

	samples := make([]int16, len(floats))
	for i, f := range floats {
		samples[i] = clampInt16(int(f * 32767))
	}
	pcm := audio.Int16ToBytes(samples)
	if format.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return Buffer{PCM: pcm, SampleRate: format.SampleRate}, nil
}

func (d *Decoder) decodeOpus(data []byte, mime string) (Buffer, error) {
	if d.opus == nil {
		dec, err := gopus.NewDecoder(opusSampleRate, 1)
		if err != nil {
			return Buffer{}, &DecodeError{MimeType: mime, Err: err}
		}
		d.opus = dec
	}
	samples, err := d.opus.Decode(data, opusMaxSamples, false)
	if err != nil {
		return Buffer{}, &DecodeError{MimeType: mime, Err: err}
	}
	return Buffer{PCM: audio.Int16ToBytes(samples), SampleRate: opusSampleRate}, nil
}

// EncodeWAV wraps mono PCM16 in a WAV container. Used when persisting offline
// recordings so that uploaded blobs are self-describing.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("codec: encode wav: invalid sample rate %d", sampleRate)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("codec: encode wav: odd byte count %d", len(pcm))
	}

	samples := audio.BytesToInt16(pcm)
	ints := make([]int, len(samples))
	for i, s := range samples {
		ints[i] = int(s)
	}

	var buf seekableBuffer
	enc := wav.NewEncoder(&buf, sampleRate, 16, 1, 1)
	err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           ints,
	})
	if err != nil {
		return nil, fmt.Errorf("codec: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("codec: encode wav: %w", err)
	}
	return buf.data, nil
}

// normalizeMime lowercases a MIME type and strips any parameters.
func normalizeMime(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

func clampInt16(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// seekableBuffer is an in-memory io.WriteSeeker for the WAV encoder, which
// seeks back to patch chunk sizes after writing samples.
type seekableBuffer struct {
	data []byte
	pos  int
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.pos) + offset
	case io.SeekEnd:
		abs = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("codec: invalid seek whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("codec: negative seek position %d", abs)
	}
	b.pos = int(abs)
	return abs, nil
}
