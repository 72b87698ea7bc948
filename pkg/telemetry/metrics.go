package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricProfitRealizedTotal  = "dca_engine_profit_realized_total"
	MetricCyclesOpenedTotal    = "dca_engine_cycles_opened_total"
	MetricCyclesClosedTotal    = "dca_engine_cycles_closed_total"
	MetricFillsProcessedTotal  = "dca_engine_fills_processed_total"
	MetricTPUpdatesTotal       = "dca_engine_tp_updates_total"
	MetricGridShiftsTotal      = "dca_engine_grid_shifts_total"
	MetricEmergencyExitsTotal  = "dca_engine_emergency_exits_total"
	MetricActiveBots           = "dca_engine_active_bots"
	MetricOpenOrders           = "dca_engine_open_orders"
	MetricInventoryBase        = "dca_engine_inventory_base"
	MetricLatencyExchange      = "dca_engine_latency_exchange_ms"
	MetricLatencyFillToPersist = "dca_engine_latency_fill_to_persist_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	ProfitRealizedTotal  metric.Float64Counter
	CyclesOpenedTotal    metric.Int64Counter
	CyclesClosedTotal    metric.Int64Counter
	FillsProcessedTotal  metric.Int64Counter
	TPUpdatesTotal       metric.Int64Counter
	GridShiftsTotal      metric.Int64Counter
	EmergencyExitsTotal  metric.Int64Counter
	ActiveBots           metric.Int64ObservableGauge
	OpenOrders           metric.Int64ObservableGauge
	InventoryBase        metric.Float64ObservableGauge
	LatencyExchange      metric.Float64Histogram
	LatencyFillToPersist metric.Float64Histogram

	// State for observable gauges
	mu            sync.RWMutex
	activeBots    int64
	openOrdersMap map[string]int64
	inventoryMap  map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openOrdersMap: make(map[string]int64),
			inventoryMap:  make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.ProfitRealizedTotal, err = meter.Float64Counter(MetricProfitRealizedTotal, metric.WithDescription("Cumulative realized profit in quote currency"))
	if err != nil {
		return err
	}

	m.CyclesOpenedTotal, err = meter.Int64Counter(MetricCyclesOpenedTotal, metric.WithDescription("Total DCA cycles opened"))
	if err != nil {
		return err
	}

	m.CyclesClosedTotal, err = meter.Int64Counter(MetricCyclesClosedTotal, metric.WithDescription("Total DCA cycles closed"))
	if err != nil {
		return err
	}

	m.FillsProcessedTotal, err = meter.Int64Counter(MetricFillsProcessedTotal, metric.WithDescription("Total fill events processed"))
	if err != nil {
		return err
	}

	m.TPUpdatesTotal, err = meter.Int64Counter(MetricTPUpdatesTotal, metric.WithDescription("Total take-profit order replacements"))
	if err != nil {
		return err
	}

	m.GridShiftsTotal, err = meter.Int64Counter(MetricGridShiftsTotal, metric.WithDescription("Total grid shift reconstructions"))
	if err != nil {
		return err
	}

	m.EmergencyExitsTotal, err = meter.Int64Counter(MetricEmergencyExitsTotal, metric.WithDescription("Total emergency market exits"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyFillToPersist, err = meter.Float64Histogram(MetricLatencyFillToPersist, metric.WithDescription("Time from fill delivery to committed transaction"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.ActiveBots, err = meter.Int64ObservableGauge(MetricActiveBots, metric.WithDescription("Number of running bot supervisors"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activeBots)
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenOrders, err = meter.Int64ObservableGauge(MetricOpenOrders, metric.WithDescription("Number of currently open exchange orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.InventoryBase, err = meter.Float64ObservableGauge(MetricInventoryBase, metric.WithDescription("Accumulated base inventory of the open cycle"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.inventoryMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveBots(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeBots = count
}

func (m *MetricsHolder) SetOpenOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[symbol] = count
}

func (m *MetricsHolder) SetInventory(symbol string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventoryMap[symbol] = qty
}

func (m *MetricsHolder) GetOpenOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openOrdersMap {
		res[k] = v
	}
	return res
}
