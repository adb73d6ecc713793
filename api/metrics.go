package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertImportPasswordSpike AlertType = "import_password_spike"
	AlertBulkKeyExport       AlertType = "bulk_key_export"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// window is a sliding-window counter that fires once per threshold
// crossing.
type window struct {
	hits      []time.Time
	span      time.Duration
	threshold int
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	passwordFailures window
	keyExports       window

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultPasswordFailureWindow    = 1 * time.Minute
	defaultPasswordFailureThreshold = 20
	defaultKeyExportWindow          = 5 * time.Minute
	defaultKeyExportThreshold       = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		passwordFailures: window{span: defaultPasswordFailureWindow, threshold: defaultPasswordFailureThreshold},
		keyExports:       window{span: defaultKeyExportWindow, threshold: defaultKeyExportThreshold},
		alertFn:          alertFn,
		now:              time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditImportPasswordFailure:
		m.record(&m.passwordFailures, AlertImportPasswordSpike, "PKCS #12 password failure rate exceeds threshold")
	case AuditPrivateKeyExported:
		m.record(&m.keyExports, AlertBulkKeyExport, "private key export rate exceeds threshold")
	}
}

func (m *metricsCollector) record(w *window, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w.hits = append(w.hits, now)
	w.hits = trimWindow(w.hits, now, w.span)

	if len(w.hits) >= w.threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(w.hits),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same burst.
		w.hits = w.hits[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
