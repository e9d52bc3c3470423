package core

const AVG_COUNT uint8 = 30

// Metrics tracks allocation traffic for one memory pool. The average
// allocation size is a rolling mean over the last AVG_COUNT samples.
type Metrics struct {
	avgCounter  uint8
	sizes       [AVG_COUNT]float64
	samples     uint8
	avgSize     float64
	Allocations uint64
	Frees       uint64
	Failures    uint64
	InUse       uint64
	PeakInUse   uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordAllocation(size uint64) {
	m.sizes[m.avgCounter] = float64(size)
	m.avgCounter = (m.avgCounter + 1) % AVG_COUNT
	if m.samples < AVG_COUNT {
		m.samples++
	}

	var total float64
	for i := uint8(0); i < m.samples; i++ {
		total += m.sizes[i]
	}
	m.avgSize = total / float64(m.samples)

	m.Allocations++
	m.InUse += size
	if m.InUse > m.PeakInUse {
		m.PeakInUse = m.InUse
	}
}

func (m *Metrics) RecordFree(size uint64) {
	m.Frees++
	m.InUse -= size
}

func (m *Metrics) RecordFailure() {
	m.Failures++
}

func (m *Metrics) AverageAllocationSize() float64 {
	return m.avgSize
}

func (m *Metrics) Reset() {
	*m = Metrics{PeakInUse: m.PeakInUse}
}
