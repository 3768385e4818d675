package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// coreStartsTotal counts core launches by control path and result
	coreStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevisor_core_starts_total",
		Help: "Total core launches by mode and result",
	}, []string{"mode", "result"})

	// coreTerminationsTotal counts exits nobody requested
	coreTerminationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corevisor_core_unexpected_terminations_total",
		Help: "Total unexpected core terminations",
	})

	// coreRecoveriesTotal counts recovery attempts by result
	coreRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevisor_core_recoveries_total",
		Help: "Total core recovery attempts by result",
	}, []string{"result"})

	// coreState exposes the current lifecycle state
	// (0 stopped, 1 starting, 2 running, 3 terminated, 4 recovering)
	coreState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corevisor_core_state",
		Help: "Current core lifecycle state",
	})

	// configOpsTotal counts validations and hot reloads by result
	configOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corevisor_config_operations_total",
		Help: "Total config operations by operation and result",
	}, []string{"operation", "result"})

	// coreLogDroppedTotal counts core output lines dropped by rate limiting
	coreLogDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corevisor_core_log_dropped_total",
		Help: "Total core output lines dropped by the rate limiter",
	})
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
