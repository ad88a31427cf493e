package qcan

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Snapshot is one periodic statistics emission (spec section 4.7).
type Snapshot struct {
	Network           string
	APICount          uint64
	CANCount          uint64
	ErrCount          uint64
	BusLoadPercent    uint32
	MessagesPerSecond uint64
}

var (
	statAPIFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcan_api_frames_total",
		Help: "Total API frames dispatched, by network.",
	}, []string{"network"})
	statCANFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcan_can_frames_total",
		Help: "Total CAN frames dispatched, by network.",
	}, []string{"network"})
	statErrFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcan_error_frames_total",
		Help: "Total error frames dispatched, by network.",
	}, []string{"network"})
	statBusLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qcan_bus_load_percent",
		Help: "Most recently computed bus load percentage, by network.",
	}, []string{"network"})
	statMsgsPerSec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qcan_messages_per_second",
		Help: "CAN messages dispatched per statistics period, by network.",
	}, []string{"network"})
)

// bitsPerSecondTable maps nominal bit-rates to the normalization
// constant used for the bus-load percentage. Rates not listed leave
// the previous constant unchanged (section 4.5, step 3).
var bitsPerSecondTable = map[int32]uint32{
	125000:  125000,
	250000:  250000,
	500000:  500000,
	1000000: 1000000,
}

// Stats is the per-network statistics aggregator. State and cadence
// match section 4.7: three running counters, one consumed-bit
// accumulator, the previous CAN-counter snapshot, and the bus-load
// normalization constant.
type Stats struct {
	network string

	apiCount uint64
	canCount uint64
	errCount uint64

	bitAccumulator  uint64
	prevCANSnapshot uint64
	bitsPerSecond   uint32

	tickCounter    int
	ticksPerPeriod int

	publish chan Snapshot

	mu   sync.Mutex
	last Snapshot
}

// NewStats creates a Stats aggregator that emits a Snapshot every
// ticksPerPeriod dispatch ticks on a buffered, drop-on-full publish
// channel (observers must not block the dispatcher).
func NewStats(network string, ticksPerPeriod int, initialNominal int32) *Stats {
	bps, ok := bitsPerSecondTable[initialNominal]
	if !ok {
		bps = 500000
	}
	return &Stats{
		network:        network,
		bitsPerSecond:  bps,
		tickCounter:    ticksPerPeriod,
		ticksPerPeriod: ticksPerPeriod,
		publish:        make(chan Snapshot, 4),
	}
}

// Publish returns the channel observers should read Snapshots from.
func (s *Stats) Publish() <-chan Snapshot { return s.publish }

// SetBitsPerSecond recomputes the bus-load normalization constant from
// a newly configured nominal bit-rate, per section 4.5 step 3. Rates
// absent from the table leave the constant unchanged.
func (s *Stats) SetBitsPerSecond(nominal int32) {
	if bps, ok := bitsPerSecondTable[nominal]; ok {
		s.bitsPerSecond = bps
	}
}

// frameBits estimates the on-wire bit cost of a dispatched frame for
// bus-load accounting: arbitration + control overhead plus 8 bits per
// payload byte. Bit stuffing is not modeled; this is an approximation
// deliberately chosen over exact stuffed-bit simulation, which the
// dispatcher has no need for beyond a load percentage estimate.
func frameBits(fr Frame) int {
	switch fr.Category {
	case CategoryCAN:
		overhead := 47
		if fr.CAN.Ext {
			overhead += 20
		}
		return overhead + 8*int(fr.CAN.Len)
	case CategoryError:
		return 47 + 8*4
	default:
		return 0
	}
}

// RecordDispatch accounts one dispatched frame into the running
// counters and the bit accumulator, per the increment rules of
// section 4.3.
func (s *Stats) RecordDispatch(fr Frame, delivered bool) {
	switch fr.Category {
	case CategoryCAN:
		if delivered {
			s.canCount++
			statCANFrames.WithLabelValues(s.network).Inc()
			s.bitAccumulator += uint64(frameBits(fr))
		}
	case CategoryError:
		if delivered {
			s.errCount++
			statErrFrames.WithLabelValues(s.network).Inc()
			s.bitAccumulator += uint64(frameBits(fr))
		}
	case CategoryAPI:
		s.apiCount++
		statAPIFrames.WithLabelValues(s.network).Inc()
	}
}

// Tick decrements the statistics tick counter; when it reaches zero it
// emits a Snapshot and reloads the counter, per section 4.7.
func (s *Stats) Tick() {
	s.tickCounter--
	if s.tickCounter > 0 {
		return
	}
	s.tickCounter = s.ticksPerPeriod

	busLoad := s.bitAccumulator * 100 / uint64(s.bitsPerSecond)
	if busLoad > 100 {
		busLoad = 100
	}
	snap := Snapshot{
		Network:           s.network,
		APICount:          s.apiCount,
		CANCount:          s.canCount,
		ErrCount:          s.errCount,
		BusLoadPercent:    uint32(busLoad),
		MessagesPerSecond: s.canCount - s.prevCANSnapshot,
	}
	statBusLoad.WithLabelValues(s.network).Set(float64(snap.BusLoadPercent))
	statMsgsPerSec.WithLabelValues(s.network).Set(float64(snap.MessagesPerSecond))

	s.bitAccumulator = 0
	s.prevCANSnapshot = s.canCount

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()

	select {
	case s.publish <- snap:
	default:
	}
}

// Latest returns the most recently emitted Snapshot, or the zero
// value before the first statistics period elapses. Safe to call
// concurrently with Tick, unlike the other Stats methods which are
// only ever called from the single dispatch goroutine.
func (s *Stats) Latest() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
