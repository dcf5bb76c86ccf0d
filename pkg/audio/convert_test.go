package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func pcmFromSamples(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func samplesFromPCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestResampleMono16Upsample(t *testing.T) {
	t.Parallel()

	// One 20 ms frame at 8 kHz is 160 samples; at 48 kHz it is 960.
	in := make([]int16, 160)
	for i := range in {
		in[i] = int16(i * 100)
	}
	out := ResampleMono16(pcmFromSamples(in), 8000, 48000)
	if got := len(out) / 2; got != 960 {
		t.Fatalf("upsampled sample count = %d, want 960", got)
	}

	// Linear interpolation preserves the first sample and monotonicity of a ramp.
	samples := samplesFromPCM(out)
	if samples[0] != in[0] {
		t.Errorf("first sample = %d, want %d", samples[0], in[0])
	}
	for i := 1; i < len(samples); i++ {
		if samples[i] < samples[i-1] {
			t.Fatalf("ramp not monotone at %d: %d < %d", i, samples[i], samples[i-1])
		}
	}
}

func TestResampleMono16SameRate(t *testing.T) {
	t.Parallel()

	in := pcmFromSamples([]int16{1, 2, 3})
	if out := ResampleMono16(in, 8000, 8000); !bytes.Equal(out, in) {
		t.Error("same-rate resample should return input unchanged")
	}
}

func TestDecimateMono16BoxFilter(t *testing.T) {
	t.Parallel()

	// Factor 6 (48 kHz → 8 kHz): each output sample is the mean of 6 inputs.
	in := []int16{6, 6, 6, 6, 6, 6, 12, 12, 12, 12, 12, 12}
	out := samplesFromPCM(DecimateMono16(pcmFromSamples(in), 48000, 8000))
	want := []int16{6, 12}
	if len(out) != len(want) {
		t.Fatalf("decimated sample count = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestDecimateMono16ZeroPadsFinalBlock(t *testing.T) {
	t.Parallel()

	// 8 samples at factor 6: final block has 2 real samples and 4 padded zeros.
	in := []int16{6, 6, 6, 6, 6, 6, 6, 6}
	out := samplesFromPCM(DecimateMono16(pcmFromSamples(in), 48000, 8000))
	if len(out) != 2 {
		t.Fatalf("decimated sample count = %d, want 2", len(out))
	}
	if out[1] != 2 { // (6+6+0+0+0+0)/6
		t.Errorf("padded block mean = %d, want 2", out[1])
	}
}

func TestStereoToMonoClamps(t *testing.T) {
	t.Parallel()

	in := pcmFromSamples([]int16{32767, 32767, -32768, -32768})
	out := samplesFromPCM(StereoToMono(in))
	if len(out) != 2 {
		t.Fatalf("mono sample count = %d, want 2", len(out))
	}
	if out[0] != 32767 || out[1] != -32768 {
		t.Errorf("got %v, want [32767 -32768]", out)
	}
}

func TestFormatConverterFastPath(t *testing.T) {
	t.Parallel()

	frame := Frame{Data: pcmFromSamples([]int16{1, 2}), SampleRate: 8000, Channels: 1}
	conv := FormatConverter{Target: Format{SampleRate: 8000, Channels: 1}}
	out := conv.Convert(frame)
	if &out.Data[0] != &frame.Data[0] {
		t.Error("matching format should return input buffer unchanged")
	}
}

func TestFormatConverterDropsOddBytes(t *testing.T) {
	t.Parallel()

	conv := FormatConverter{Target: Format{SampleRate: 8000, Channels: 1}}
	out := conv.Convert(Frame{Data: []byte{1, 2, 3}, SampleRate: 8000, Channels: 1})
	if out.Data != nil {
		t.Error("odd byte count should drop frame data")
	}
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	pcm := pcmFromSamples([]int16{0, 100, -100, 32767, -32768})
	wav := EncodeWAV(pcm, TelephonyRate, 1)
	if len(wav) != WAVHeaderSize+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), WAVHeaderSize+len(pcm))
	}

	got, rate, channels, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != TelephonyRate || channels != 1 {
		t.Errorf("decoded format = %dHz/%dch, want 8000Hz/1ch", rate, channels)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("decoded PCM differs from input")
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, _, _, err := DecodeWAV([]byte("not a wav file, definitely not a wav file!!")); err == nil {
		t.Error("expected error for non-RIFF input")
	}
}

func TestFrameSizeConstants(t *testing.T) {
	t.Parallel()

	if TelephonyFrameBytes != 320 {
		t.Errorf("TelephonyFrameBytes = %d, want 320", TelephonyFrameBytes)
	}
	if WebRTCFrameBytes != 1920 {
		t.Errorf("WebRTCFrameBytes = %d, want 1920", WebRTCFrameBytes)
	}
}
