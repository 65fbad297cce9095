package audio

import (
	"fmt"
	"strconv"
	"strings"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a mono float stream between sample rates. It keeps
// filter state across calls, so one Resampler serves one stream.
type Resampler struct {
	from, to int
	rs       resampling.Resampler
}

func NewResampler(from, to int) (*Resampler, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", from, to)
	}
	r := &Resampler{from: from, to: to}
	if from == to {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	r.rs = rs
	return r, nil
}

func (r *Resampler) Process(samples []float32) ([]float32, error) {
	if r.rs == nil || len(samples) == 0 {
		return samples, nil
	}
	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = float64(s)
	}
	out, err := r.rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	res := make([]float32, len(out))
	for i, s := range out {
		res[i] = float32(s)
	}
	return res, nil
}

// RateFromMIME reads the rate parameter of an audio/pcm MIME type, falling
// back to def.
func RateFromMIME(mimeType string, def int) int {
	for _, param := range strings.Split(mimeType, ";")[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "rate") {
			continue
		}
		if rate, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && rate > 0 {
			return rate
		}
	}
	return def
}
