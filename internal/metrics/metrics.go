// Package metrics holds the OpenTelemetry instruments of the notify server.
package metrics

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "chat-notify"

// Metrics holds all notify metric instruments.
type Metrics struct {
	EventsPublished     metric.Int64Counter
	EventsUndelivered   metric.Int64Counter
	EventsSkipped       metric.Int64Counter
	FramesDropped       metric.Int64Counter
	ActiveSubscriptions metric.Int64UpDownCounter
	ChannelsCreated     metric.Int64Counter
	ChannelsEvicted     metric.Int64Counter
	Notifications       metric.Int64Counter
}

// New creates all instruments on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName))
}

// Discard returns instruments that record nothing.
func Discard() *Metrics {
	m, _ := NewWithMeter(noop.NewMeterProvider().Meter(meterName))
	return m
}

func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsPublished, err = meter.Int64Counter("notify.events.published",
		metric.WithDescription("Events enqueued on a user channel"))
	if err != nil {
		return nil, err
	}

	m.EventsUndelivered, err = meter.Int64Counter("notify.events.undelivered",
		metric.WithDescription("Events published for users without a channel"))
	if err != nil {
		return nil, err
	}

	m.EventsSkipped, err = meter.Int64Counter("notify.events.skipped",
		metric.WithDescription("Events skipped by lagging subscribers"))
	if err != nil {
		return nil, err
	}

	m.FramesDropped, err = meter.Int64Counter("notify.frames.dropped",
		metric.WithDescription("Event frames dropped because the payload could not be encoded"))
	if err != nil {
		return nil, err
	}

	m.ActiveSubscriptions, err = meter.Int64UpDownCounter("notify.subscriptions.active",
		metric.WithDescription("Currently attached subscriptions"))
	if err != nil {
		return nil, err
	}

	m.ChannelsCreated, err = meter.Int64Counter("notify.channels.created",
		metric.WithDescription("Per-user channels created"))
	if err != nil {
		return nil, err
	}

	m.ChannelsEvicted, err = meter.Int64Counter("notify.channels.evicted",
		metric.WithDescription("Idle per-user channels evicted"))
	if err != nil {
		return nil, err
	}

	m.Notifications, err = meter.Int64Counter("notify.notifications",
		metric.WithDescription("Change notifications handled, by channel and outcome"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
