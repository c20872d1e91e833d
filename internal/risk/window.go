package risk

import "gonum.org/v1/gonum/stat"

// DefaultWindowSize is the number of area-velocity samples averaged
const DefaultWindowSize = 5

// VelocityWindow is a fixed-capacity ring of the most recent frame-to-frame
// area changes. The oldest sample is overwritten once full.
type VelocityWindow struct {
	samples []float64
	head    int
	count   int
}

// NewVelocityWindow creates a window holding at most size samples
func NewVelocityWindow(size int) *VelocityWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &VelocityWindow{samples: make([]float64, size)}
}

// Push appends a sample, evicting the oldest when full
func (w *VelocityWindow) Push(v float64) {
	w.samples[w.head] = v
	w.head = (w.head + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

// Len returns the number of samples held
func (w *VelocityWindow) Len() int {
	return w.count
}

// Cap returns the window capacity
func (w *VelocityWindow) Cap() int {
	return len(w.samples)
}

// Values returns the samples in insertion order, oldest first
func (w *VelocityWindow) Values() []float64 {
	out := make([]float64, w.count)
	start := (w.head - w.count + len(w.samples)) % len(w.samples)
	for i := 0; i < w.count; i++ {
		out[i] = w.samples[(start+i)%len(w.samples)]
	}
	return out
}

// Mean returns the average sample, or 0 when empty
func (w *VelocityWindow) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return stat.Mean(w.Values(), nil)
}

// Resize changes the capacity, keeping the newest samples
func (w *VelocityWindow) Resize(size int) {
	if size <= 0 || size == len(w.samples) {
		return
	}
	values := w.Values()
	if len(values) > size {
		values = values[len(values)-size:]
	}
	w.samples = make([]float64, size)
	w.head, w.count = 0, 0
	for _, v := range values {
		w.Push(v)
	}
}
