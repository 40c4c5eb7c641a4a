package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/netunicorn/director/pkg/metricsx"
	"github.com/netunicorn/director/pkg/types"
	"github.com/sony/gobreaker"
)

// BreakerConnector wraps a Connector with a per-connector circuit breaker,
// so one misbehaving fleet backend cannot stall the infrastructure
// service's errgroup fan-out waiting on a connector that is down.
type BreakerConnector struct {
	name string
	inner Connector
	cb   *gobreaker.CircuitBreaker
}

// WrapWithBreaker returns inner instrumented with a circuit breaker named
// after it; ConnectorCircuitOpen reflects the breaker's state for
// dashboards.
func WrapWithBreaker(name string, inner Connector) *BreakerConnector {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metricsx.ConnectorCircuitOpen.WithLabelValues(name).Set(boolToFloat(to == gobreaker.StateOpen))
		},
	}
	return &BreakerConnector{name: name, inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (b *BreakerConnector) call(method string, fn func() (interface{}, error)) (interface{}, error) {
	timer := metricsx.NewTimer()
	result, err := b.cb.Execute(fn)
	timer.ObserveDurationVec(metricsx.ConnectorCallDuration, b.name, method)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %s: %w", b.name, method, err)
	}
	return result, nil
}

func (b *BreakerConnector) ListNodes(ctx context.Context, userFilter []string) ([]types.Node, error) {
	res, err := b.call("list_nodes", func() (interface{}, error) {
		return b.inner.ListNodes(ctx, userFilter)
	})
	if err != nil {
		return nil, err
	}
	return res.([]types.Node), nil
}

func (b *BreakerConnector) Deploy(ctx context.Context, experimentID string, deployments []types.Deployment) ([]ItemResult, error) {
	res, err := b.call("deploy", func() (interface{}, error) {
		return b.inner.Deploy(ctx, experimentID, deployments)
	})
	if err != nil {
		return nil, err
	}
	return res.([]ItemResult), nil
}

func (b *BreakerConnector) StartExecutors(ctx context.Context, experimentID string, deployments []types.Deployment) ([]ItemResult, error) {
	res, err := b.call("start_executors", func() (interface{}, error) {
		return b.inner.StartExecutors(ctx, experimentID, deployments)
	})
	if err != nil {
		return nil, err
	}
	return res.([]ItemResult), nil
}

func (b *BreakerConnector) StopExecutors(ctx context.Context, executorIDs []string) ([]ItemResult, error) {
	res, err := b.call("stop_executors", func() (interface{}, error) {
		return b.inner.StopExecutors(ctx, executorIDs)
	})
	if err != nil {
		return nil, err
	}
	return res.([]ItemResult), nil
}

func (b *BreakerConnector) StopExperiment(ctx context.Context, experimentID string) error {
	_, err := b.call("stop_experiment", func() (interface{}, error) {
		return nil, b.inner.StopExperiment(ctx, experimentID)
	})
	return err
}

func (b *BreakerConnector) Cleanup(ctx context.Context, experimentID string, deployments []types.Deployment) error {
	_, err := b.call("cleanup", func() (interface{}, error) {
		return nil, b.inner.Cleanup(ctx, experimentID, deployments)
	})
	return err
}
