package observability

import "github.com/prometheus/client_golang/prometheus"

// StockMetrics counts ledger movements, workflow transitions, rejected operations and
// conflict retries. A nil receiver records nothing.
type StockMetrics struct {
	movements   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	retries     *prometheus.CounterVec
}

// NewStockMetrics registers the stock collectors on registerer.
func NewStockMetrics(registerer prometheus.Registerer) *StockMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &StockMetrics{
		movements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_stock_movements_total",
			Help: "Committed ledger entries by movement type.",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_stock_workflow_transitions_total",
			Help: "Workflow transitions by module and action.",
		}, []string{"module", "action"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_stock_rejections_total",
			Help: "Failed stock operations by operation and reason.",
		}, []string{"operation", "reason"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_stock_retries_total",
			Help: "Operations re-run after a concurrency conflict.",
		}, []string{"operation"}),
	}
	registerer.MustRegister(m.movements, m.transitions, m.rejections, m.retries)
	return m
}

// ObserveMovement counts one committed ledger entry.
func (m *StockMetrics) ObserveMovement(movementType string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(movementType).Inc()
}

// ObserveTransition counts one workflow transition.
func (m *StockMetrics) ObserveTransition(module, action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(module, action).Inc()
}

// ObserveRejection counts one failed operation.
func (m *StockMetrics) ObserveRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}

// ObserveRetry counts one conflict retry.
func (m *StockMetrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}
