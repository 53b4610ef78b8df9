package dispatcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/parksync/parksync/internal/dispatcher"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type metrics struct {
	accepted metric.Int64Counter
	rejected metric.Int64Counter
	dropped  metric.Int64Counter
	orderKey metric.Int64ObservableGauge
}

func newMetrics(d *Dispatcher) (*metrics, error) {
	m := meter()
	out := &metrics{}

	var err error
	out.accepted, err = m.Int64Counter(
		"dispatcher.commands.accepted",
		metric.WithDescription("Commands applied, by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating accepted counter: %w", err)
	}

	out.rejected, err = m.Int64Counter(
		"dispatcher.commands.rejected",
		metric.WithDescription("Commands rejected, by error code"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}

	out.dropped, err = m.Int64Counter(
		"dispatcher.notifications.dropped",
		metric.WithDescription("Notifications dropped because the consumer fell behind"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	out.orderKey, err = m.Int64ObservableGauge(
		"dispatcher.order_key",
		metric.WithDescription("Last applied order key"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating order key gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(out.orderKey, int64(d.LastOrderKey()))
			return nil
		},
		out.orderKey,
	)
	if err != nil {
		return nil, fmt.Errorf("registering order key callback: %w", err)
	}

	return out, nil
}
