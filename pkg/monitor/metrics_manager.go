package monitor

import (
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	monkit "github.com/spacemonkeygo/monkit/v3"
)

// MetricsManager bridges monkit task metrics and custom prometheus collectors
// into one registry served at /metrics.
type MetricsManager struct {
	monRegistry   *monkit.Registry
	promRegistry  *prometheus.Registry
	customMetrics map[string]prometheus.Collector
	mu            sync.RWMutex

	SystemMemoryUsage prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

var (
	globalManager *MetricsManager
	Mon           = monkit.Package()
	managerMutex  sync.RWMutex
)

// NewMetricsManager creates a metrics manager with the standard Go and
// process collectors plus the monkit adapter registered.
func NewMetricsManager() *MetricsManager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := &MetricsManager{
		monRegistry:   monkit.Default,
		promRegistry:  registry,
		customMetrics: make(map[string]prometheus.Collector),
	}

	factory := promauto.With(registry)
	manager.SystemMemoryUsage = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailsync",
		Name:      "system_memory_usage_bytes",
		Help:      "Current heap allocation in bytes",
	})
	manager.GoroutineCount = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailsync",
		Name:      "system_goroutines_total",
		Help:      "Current number of goroutines",
	})

	registry.MustRegister(NewMonkitAdapter(manager.monRegistry))

	return manager
}

// InitializeGlobalManager initializes the global metrics manager once.
func InitializeGlobalManager() error {
	managerMutex.Lock()
	defer managerMutex.Unlock()

	if globalManager == nil {
		globalManager = NewMetricsManager()
	}
	return nil
}

// GetGlobalManager returns the global metrics manager instance.
func GetGlobalManager() *MetricsManager {
	managerMutex.RLock()
	defer managerMutex.RUnlock()
	return globalManager
}

// RegisterCustomMetric registers a named collector exactly once.
func (m *MetricsManager) RegisterCustomMetric(name string, collector prometheus.Collector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.customMetrics[name]; exists {
		return fmt.Errorf("metric %s already registered", name)
	}

	if err := m.promRegistry.Register(collector); err != nil {
		return fmt.Errorf("failed to register metric %s: %w", name, err)
	}

	m.customMetrics[name] = collector
	return nil
}

// GetCustomMetric retrieves a custom metric by name.
func (m *MetricsManager) GetCustomMetric(name string) prometheus.Collector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.customMetrics[name]
}

// RegisterGlobalCustomMetric registers a collector with the global manager.
func RegisterGlobalCustomMetric(name string, collector prometheus.Collector) error {
	managerMutex.RLock()
	defer managerMutex.RUnlock()

	if globalManager == nil {
		return fmt.Errorf("global metrics manager not initialized")
	}

	return globalManager.RegisterCustomMetric(name, collector)
}

// UpdateSystemMetrics updates the process gauges.
func UpdateSystemMetrics(memoryUsage, goroutineCount float64) {
	managerMutex.RLock()
	defer managerMutex.RUnlock()

	if globalManager == nil {
		return
	}

	globalManager.SystemMemoryUsage.Set(memoryUsage)
	globalManager.GoroutineCount.Set(goroutineCount)
}

// StartSystemMetricsUpdater refreshes the process gauges on a ticker.
func StartSystemMetricsUpdater(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			UpdateSystemMetrics(float64(m.Alloc), float64(runtime.NumGoroutine()))
		}
	}()
}

// CreateMetricsHandler creates the HTTP handler for /metrics.
func CreateMetricsHandler() http.Handler {
	managerMutex.RLock()
	defer managerMutex.RUnlock()

	if globalManager == nil {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	return promhttp.HandlerFor(globalManager.promRegistry, promhttp.HandlerOpts{})
}
