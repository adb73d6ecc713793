package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironcert/certmgr"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	mgr     *certmgr.Manager
	audit   *auditLogger
	alertFn AlertFunc
	webhook *auditWebhook
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc enables anomaly alerts, such as a burst of private key
// exports or of failed PKCS #12 passwords.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit event to url. authHeader, if set,
// is sent as "Name: value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// New creates a new API instance over the certificate manager.
func New(mgr *certmgr.Manager, opts ...Option) *API {
	a := &API{mgr: mgr}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	a.audit.webhook = a.webhook
	return a
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/certs", a.ListCerts)
	r.Post("/certs", a.CreateCert)
	r.Route("/certs/{ref}", func(r chi.Router) {
		r.Get("/", a.GetCert)
		r.Put("/", a.EditCert)
		r.Delete("/", a.DeleteCert)
		r.Post("/complete", a.CompleteCSR)
		r.Post("/export", a.ExportCert)
		r.Post("/renew", a.RenewCert)
		r.Post("/revoke", a.RevokeCert)
		r.Get("/usage", a.GetUsage)
	})

	r.Get("/cas", a.ListCAs)
	r.Post("/cas", a.ImportCA)

	r.Get("/crls", a.ListCRLs)
	r.Post("/crls/{ref}/publish", a.PublishCRL)

	r.Post("/users/{name}/certs", a.AttachCert)

	r.Get("/history", a.ListHistory)

	return r
}
