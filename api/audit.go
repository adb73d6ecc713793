package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/ironcert/certmgr"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCertCreated           AuditEvent = "cert_created"
	AuditCSRCreated            AuditEvent = "csr_created"
	AuditCSRSigned             AuditEvent = "csr_signed"
	AuditCSRCompleted          AuditEvent = "csr_completed"
	AuditCertImported          AuditEvent = "cert_imported"
	AuditImportPasswordFailure AuditEvent = "import_password_failure"
	AuditCertEdited            AuditEvent = "cert_edited"
	AuditCertAttached          AuditEvent = "cert_attached"
	AuditCertDeleted           AuditEvent = "cert_deleted"
	AuditCertDeleteBlocked     AuditEvent = "cert_delete_blocked"
	AuditCertExported          AuditEvent = "cert_exported"
	AuditPrivateKeyExported    AuditEvent = "private_key_exported"
	AuditCertRenewed           AuditEvent = "cert_renewed"
	AuditCertRevoked           AuditEvent = "cert_revoked"
	AuditCRLPublished          AuditEvent = "crl_published"
	AuditCAImported            AuditEvent = "ca_imported"
)

// auditEventFor maps a creation method onto its audit event.
func auditEventFor(m certmgr.Method) AuditEvent {
	switch m {
	case certmgr.MethodExternal:
		return AuditCSRCreated
	case certmgr.MethodSign:
		return AuditCSRSigned
	case certmgr.MethodImport:
		return AuditCertImported
	case certmgr.MethodExisting:
		return AuditCertAttached
	}
	return AuditCertCreated
}

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	ts := time.Now().UTC().Format(time.RFC3339)
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", ts),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(newWebhookEvent(event, r.RemoteAddr, ts, attrs))
	}
}

// logEvent is a convenience for events about one certificate ref.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, refID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("refid", refID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a refused operation.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
