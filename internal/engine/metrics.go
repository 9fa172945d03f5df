package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
)

type metrics struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pvm_commands_total",
			Help: "Total number of executed commands by name and outcome",
		}, []string{"command", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pvm_command_duration_seconds",
			Help:    "Duration of command executions",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.duration)
	}
	return m
}

// outcome labels an error by its fault code.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if code := fault.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

func (m *metrics) interceptor(ctx context.Context, cmd command.Command, next command.Next) (any, error) {
	name := command.NameOf(cmd)
	start := time.Now()
	res, err := next(ctx, cmd)
	m.duration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	m.commands.WithLabelValues(name, outcome(err)).Inc()
	return res, err
}
