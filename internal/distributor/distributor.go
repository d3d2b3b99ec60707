package distributor

import (
	"errors"
	"strings"
	"sync"

	"github.com/ukydev/fleet-telemetry/internal/metrics"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

const (
	// FleetTopic carries every sample of every vehicle.
	FleetTopic = "fleet"

	vehicleTopicPrefix = "vehicle:"

	// DefaultBufferSize is used when a Distributor is created with a non-positive buffer.
	DefaultBufferSize = 64
)

var ErrInvalidTopic = errors.New("invalid topic")

// VehicleTopic returns the topic carrying the samples of a single vehicle.
func VehicleTopic(vehicleID string) string {
	return vehicleTopicPrefix + vehicleID
}

// ParseTopic validates a topic string supplied by a client.
func ParseTopic(topic string) (string, error) {
	if topic == FleetTopic {
		return topic, nil
	}
	if id, ok := strings.CutPrefix(topic, vehicleTopicPrefix); ok && strings.TrimSpace(id) != "" {
		return topic, nil
	}
	return "", ErrInvalidTopic
}

// Subscription is a live registration on one topic. Samples arrive on C
// until the subscription is removed, after which C is closed.
type Subscription struct {
	Topic string
	C     <-chan models.TelemetrySample

	ch chan models.TelemetrySample
}

// Distributor fans samples out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the sample.
type Distributor struct {
	mu         sync.RWMutex
	bufferSize int
	topics     map[string]map[*Subscription]struct{}
}

func New(bufferSize int) *Distributor {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Distributor{
		bufferSize: bufferSize,
		topics:     make(map[string]map[*Subscription]struct{}),
	}
}

func (d *Distributor) Subscribe(topic string) *Subscription {
	ch := make(chan models.TelemetrySample, d.bufferSize)
	sub := &Subscription{Topic: topic, C: ch, ch: ch}

	d.mu.Lock()
	subs, ok := d.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		d.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	d.mu.Unlock()

	metrics.Subscribers.Inc()
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Calling it
// more than once is harmless.
func (d *Distributor) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	subs, ok := d.topics[sub.Topic]
	if !ok {
		d.mu.Unlock()
		return
	}
	if _, ok := subs[sub]; !ok {
		d.mu.Unlock()
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(d.topics, sub.Topic)
	}
	close(sub.ch)
	d.mu.Unlock()

	metrics.Subscribers.Dec()
}

// Publish delivers the sample to the fleet topic and to the sample's vehicle topic.
func (d *Distributor) Publish(sample models.TelemetrySample) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	d.deliver(FleetTopic, "fleet", sample)
	d.deliver(VehicleTopic(sample.VehicleID), "vehicle", sample)
}

func (d *Distributor) deliver(topic, label string, sample models.TelemetrySample) {
	for sub := range d.topics[topic] {
		select {
		case sub.ch <- sample:
		default:
			metrics.DistributorDropsTotal.WithLabelValues(label).Inc()
		}
	}
}

func (d *Distributor) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.topics[topic])
}
