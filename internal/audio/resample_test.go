package audio

import "testing"

func TestResamplerSameRateIsPassthrough(t *testing.T) {
	r, err := NewResampler(16000, 16000)
	if err != nil {
		t.Fatalf("NewResampler() error = %v", err)
	}
	in := []float32{0.1, -0.2, 0.3}
	out, err := r.Process(in)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(out) != len(in) || out[1] != in[1] {
		t.Fatalf("Process() = %v, want %v", out, in)
	}
}

func TestResamplerUpsamplesRoughlyByRatio(t *testing.T) {
	r, err := NewResampler(16000, 24000)
	if err != nil {
		t.Fatalf("NewResampler() error = %v", err)
	}
	in := make([]float32, 16000)
	for i := range in {
		in[i] = 0.25
	}
	var total int
	for off := 0; off < len(in); off += 1600 {
		out, err := r.Process(in[off : off+1600])
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		total += len(out)
	}
	if total < 21600 || total > 26400 {
		t.Fatalf("output samples = %d, want about 24000", total)
	}
}

func TestNewResamplerRejectsBadRates(t *testing.T) {
	if _, err := NewResampler(0, 24000); err == nil {
		t.Fatalf("expected error for zero rate")
	}
}

func TestRateFromMIME(t *testing.T) {
	cases := map[string]int{
		"audio/pcm;rate=24000":   24000,
		"audio/pcm; rate = 8000": 8000,
		"audio/pcm":              16000,
		"audio/pcm;rate=abc":     16000,
	}
	for mime, want := range cases {
		if got := RateFromMIME(mime, 16000); got != want {
			t.Fatalf("RateFromMIME(%q) = %d, want %d", mime, got, want)
		}
	}
}
