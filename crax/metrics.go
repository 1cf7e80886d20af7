package crax

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what exploit generation did.
type Metrics struct {
	ExploitsGenerated       prometheus.Counter
	PathsTerminated         *prometheus.CounterVec
	ForkVetoes              prometheus.Counter
	ConstraintGroupsApplied prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg, unless
// reg is nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ExploitsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expgen_exploits_generated_total",
			Help: "Number of exploit scripts written.",
		}),
		PathsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expgen_paths_terminated_total",
			Help: "Number of paths terminated by exploit generation, by reason.",
		}, []string{"reason"}),
		ForkVetoes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expgen_fork_vetoes_total",
			Help: "Number of forks that were not allowed.",
		}),
		ConstraintGroupsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expgen_constraint_groups_applied_total",
			Help: "Number of dynamic ROP constraint groups applied.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.ExploitsGenerated,
		m.PathsTerminated,
		m.ForkVetoes,
		m.ConstraintGroupsApplied,
	} {
		err := reg.Register(c)
		if err != nil {
			return nil, fmt.Errorf("failed to register metric - %w", err)
		}
	}

	return m, nil
}
