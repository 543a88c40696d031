package relay

import (
	"sync/atomic"

	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

type itemKind int

const (
	itemValue itemKind = iota
	itemFailure
	itemData
)

// item is one unit of outbound work on a lane.
type item struct {
	kind    itemKind
	event   session.ValueEvent
	failure session.DeliveryFailure

	// itemData: a batch result, already encoded.
	topic   string
	payload []byte
}

// laneStats are the per-device relay counters.
type laneStats struct {
	published        atomic.Int64
	publishFailures  atomic.Int64
	formatErrors     atomic.Int64
	dropped          atomic.Int64
	commands         atomic.Int64
	commandErrors    atomic.Int64
	rateLimited      atomic.Int64
	deliveryFailures atomic.Int64
	historyErrors    atomic.Int64
}

// lane is a device's bounded outbound queue.
type lane struct {
	deviceID string
	ch       chan item
	stats    laneStats
}

func newLane(deviceID string, size int) *lane {
	return &lane{deviceID: deviceID, ch: make(chan item, size)}
}

// push enqueues it, discarding the oldest queued item when full. It
// reports whether anything was dropped and never blocks.
func (l *lane) push(it item) bool {
	dropped := false
	for {
		select {
		case l.ch <- it:
			return dropped
		default:
		}
		select {
		case <-l.ch:
			l.stats.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// Stats are the relay counters for one device.
type Stats struct {
	Published        int64 `json:"published"`
	PublishFailures  int64 `json:"publish_failures"`
	FormatErrors     int64 `json:"format_errors"`
	Dropped          int64 `json:"dropped"`
	Queued           int   `json:"queued"`
	Commands         int64 `json:"commands"`
	CommandErrors    int64 `json:"command_errors"`
	RateLimited      int64 `json:"rate_limited"`
	DeliveryFailures int64 `json:"delivery_failures"`
	HistoryErrors    int64 `json:"history_errors"`
}

func (s *Stats) add(o Stats) {
	s.Published += o.Published
	s.PublishFailures += o.PublishFailures
	s.FormatErrors += o.FormatErrors
	s.Dropped += o.Dropped
	s.Queued += o.Queued
	s.Commands += o.Commands
	s.CommandErrors += o.CommandErrors
	s.RateLimited += o.RateLimited
	s.DeliveryFailures += o.DeliveryFailures
	s.HistoryErrors += o.HistoryErrors
}

func (l *lane) snapshot() Stats {
	return Stats{
		Published:        l.stats.published.Load(),
		PublishFailures:  l.stats.publishFailures.Load(),
		FormatErrors:     l.stats.formatErrors.Load(),
		Dropped:          l.stats.dropped.Load(),
		Queued:           len(l.ch),
		Commands:         l.stats.commands.Load(),
		CommandErrors:    l.stats.commandErrors.Load(),
		RateLimited:      l.stats.rateLimited.Load(),
		DeliveryFailures: l.stats.deliveryFailures.Load(),
		HistoryErrors:    l.stats.historyErrors.Load(),
	}
}

// DeviceStats returns the relay counters for one device.
func (p *Pipeline) DeviceStats(deviceID string) (Stats, bool) {
	l, ok := p.lanes[deviceID]
	if !ok {
		return Stats{}, false
	}
	return l.snapshot(), true
}

// TotalStats sums the counters of every device.
func (p *Pipeline) TotalStats() Stats {
	var total Stats
	for _, l := range p.lanes {
		total.add(l.snapshot())
	}
	return total
}

// UnknownTopics returns how many inbound messages matched no binding.
func (p *Pipeline) UnknownTopics() int64 {
	return p.unknownTopics.Load()
}
