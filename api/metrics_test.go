package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T) (*metricsCollector, *[]AlertEvent) {
	t.Helper()
	var alerts []AlertEvent
	collector := newMetricsCollector(func(e AlertEvent) {
		alerts = append(alerts, e)
	})
	return collector, &alerts
}

func TestImportPasswordSpikeAlert(t *testing.T) {
	collector, alerts := collect(t)
	collector.passwordFailures.threshold = 5

	for range 4 {
		collector.recordEvent(AuditImportPasswordFailure)
	}
	assert.Empty(t, *alerts, "no alert below threshold")

	collector.recordEvent(AuditImportPasswordFailure)
	require.Len(t, *alerts, 1)
	assert.Equal(t, AlertImportPasswordSpike, (*alerts)[0].Type)
	assert.Equal(t, 5, (*alerts)[0].Count)
}

func TestBulkKeyExportAlert(t *testing.T) {
	collector, alerts := collect(t)
	collector.keyExports.threshold = 3

	collector.recordEvent(AuditPrivateKeyExported)
	collector.recordEvent(AuditCertExported)
	collector.recordEvent(AuditPrivateKeyExported)
	assert.Empty(t, *alerts, "certificate exports are not counted")

	collector.recordEvent(AuditPrivateKeyExported)
	require.Len(t, *alerts, 1)
	assert.Equal(t, AlertBulkKeyExport, (*alerts)[0].Type)
	assert.Equal(t, 3, (*alerts)[0].Threshold)
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.recordEvent(AuditImportPasswordFailure)
}

func TestMetricsNilCollector(t *testing.T) {
	var collector *metricsCollector
	collector.recordEvent(AuditImportPasswordFailure)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	collector, alerts := collect(t)
	collector.keyExports.threshold = 5
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }

	for range 4 {
		collector.recordEvent(AuditPrivateKeyExported)
	}
	now = now.Add(defaultKeyExportWindow + time.Second)

	collector.recordEvent(AuditPrivateKeyExported)
	assert.Empty(t, *alerts, "old exports should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	collector, alerts := collect(t)
	collector.passwordFailures.threshold = 3

	for range 3 {
		collector.recordEvent(AuditImportPasswordFailure)
	}
	require.Len(t, *alerts, 1, "first alert triggered")

	for range 2 {
		collector.recordEvent(AuditImportPasswordFailure)
	}
	assert.Len(t, *alerts, 1, "no second alert yet")

	collector.recordEvent(AuditImportPasswordFailure)
	assert.Len(t, *alerts, 2, "second alert triggered")
}
