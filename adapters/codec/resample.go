package codec

// Resample converts samples between rates with linear interpolation.
// Downsampling averages each source window first so high frequencies fold less.
// Output length is len(in)*to/from, so chunk durations are preserved exactly
// whenever the chunk holds a whole number of output samples. Continuous
// streams split into arbitrary chunks go through Resampler instead.
func Resample(in []int16, from, to int) []int16 {
	if from == to || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	n := len(in) * to / from
	out := make([]int16, n)

	if to < from {
		ratio := float64(from) / float64(to)
		for i := range out {
			start := int(float64(i) * ratio)
			end := int(float64(i+1) * ratio)
			if end > len(in) {
				end = len(in)
			}
			if end <= start {
				out[i] = in[start]
				continue
			}
			var sum int64
			for _, s := range in[start:end] {
				sum += int64(s)
			}
			out[i] = int16(sum / int64(end-start))
		}
		return out
	}

	step := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(in[idx])*(1-frac) + float64(in[idx+1])*frac
		out[i] = int16(v)
	}
	return out
}

// Resampler converts one continuous stream between rates. Boundary samples
// and the fractional output position carry over between chunks, so a stream
// of chunks resamples like their concatenation. Not safe for concurrent use.
type Resampler struct {
	from, to int

	// decimation: source samples that have not filled an output window yet
	pending []int16

	// interpolation: last sample of the previous chunk and the next output
	// position in units of 1/to source samples
	prev    int16
	hasPrev bool
	acc     int
}

// NewResampler creates a stream resampler from one rate to another
func NewResampler(from, to int) *Resampler {
	return &Resampler{from: from, to: to}
}

// Process resamples the next chunk of the stream
func (r *Resampler) Process(in []int16) []int16 {
	switch {
	case r.from == r.to:
		out := make([]int16, len(in))
		copy(out, in)
		return out
	case r.from > r.to && r.from%r.to == 0:
		return r.decimate(in)
	default:
		return r.interpolate(in)
	}
}

func (r *Resampler) decimate(in []int16) []int16 {
	window := r.from / r.to
	buf := make([]int16, 0, len(r.pending)+len(in))
	buf = append(buf, r.pending...)
	buf = append(buf, in...)

	out := make([]int16, len(buf)/window)
	for i := range out {
		var sum int64
		for _, s := range buf[i*window : (i+1)*window] {
			sum += int64(s)
		}
		out[i] = int16(sum / int64(window))
	}
	r.pending = append(r.pending[:0], buf[len(out)*window:]...)
	return out
}

// interpolate lags the input by one source sample so every output point has
// both neighbours available.
func (r *Resampler) interpolate(in []int16) []int16 {
	if len(in) == 0 {
		return []int16{}
	}
	buf := in
	if r.hasPrev {
		buf = make([]int16, 0, len(in)+1)
		buf = append(buf, r.prev)
		buf = append(buf, in...)
	}

	last := len(buf) - 1
	end := last * r.to
	var out []int16
	if r.acc < end {
		out = make([]int16, 0, (end-r.acc)/r.from+1)
	} else {
		out = []int16{}
	}
	for ; r.acc < end; r.acc += r.from {
		idx := r.acc / r.to
		frac := float64(r.acc%r.to) / float64(r.to)
		v := float64(buf[idx])*(1-frac) + float64(buf[idx+1])*frac
		out = append(out, int16(v))
	}
	r.acc -= end
	r.prev = buf[last]
	r.hasPrev = true
	return out
}
