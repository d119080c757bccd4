package ledger

import (
	"time"

	"github.com/mcclellann/remitledger/pkg/money"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remitledger_allocations_created_total",
		Help: "Allocation rows written by the waterfall",
	})

	amountApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remitledger_amount_applied_total",
		Help: "Sum of amounts applied to installments",
	})

	unallocatedResidue = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remitledger_unallocated_amount_total",
		Help: "Sum of transaction amounts left unallocated after apply",
	})

	amountReversed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remitledger_amount_reversed_total",
		Help: "Sum of allocation amounts undone by reversals",
	})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remitledger_operations_total",
		Help: "Ledger operations by outcome",
	}, []string{"operation", "outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remitledger_operation_duration_seconds",
		Help:    "Ledger operation latency including lock wait",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation"})
)

// observe records the outcome and latency of one ledger call.
func observe(operation string, start time.Time, err error) {
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = kind(err)
	}
	operationsTotal.WithLabelValues(operation, outcome).Inc()
}

func moneyFloat(m money.Money) float64 {
	f, _ := m.Decimal().Float64()
	return f
}
