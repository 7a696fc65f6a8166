package audio

import (
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/frames"
	"github.com/zeozeozeo/gomplerate"
)

// Resampler converts mono PCM16 captured at a device rate to 16 kHz.
type Resampler struct {
	from int
	r    int16Resampler
}

type int16Resampler interface {
	ResampleInt16([]int16) []int16
}

// NewResampler returns a resampler from the given device rate. A rate equal
// to the wire rate yields an identity resampler.
func NewResampler(from int) (*Resampler, error) {
	if from <= 0 {
		return nil, errorsx.New(errorsx.ReasonConfigInvalid, "audio: sample rate must be positive")
	}
	if from == frames.SampleRate {
		return &Resampler{from: from}, nil
	}
	r, err := gomplerate.NewResampler(frames.Channels, from, frames.SampleRate)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonConfigInvalid, "audio: resampler %d->%d", from, frames.SampleRate)
	}
	return &Resampler{from: from, r: r}, nil
}

func (r *Resampler) SourceRate() int { return r.from }

func (r *Resampler) Resample(samples []int16) []int16 {
	if r.r == nil || len(samples) == 0 {
		return samples
	}
	return r.r.ResampleInt16(samples)
}
