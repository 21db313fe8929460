// Package api exposes the certificate engine as a REST command surface.
// Handlers translate JSON bodies into engine operations and engine errors
// into transport codes; no certificate-state decision is made here.
package api

import (
	_ "embed"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/rs/zerolog"

	"github.com/certhold/certhold/ca"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	manager *ca.Manager
	log     zerolog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// New creates a new API instance on top of the engine.
func New(manager *ca.Manager, logger zerolog.Logger) *API {
	return &API{
		manager: manager,
		log:     logger.With().Str("component", "api").Logger(),
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

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

	r.Post("/vault/unlock", a.ProvideEncryptionKey)
	r.Post("/vault/lock", a.LockVault)
	r.Post("/vault/change-key", a.ChangeEncryptionKey)
	r.Get("/vault/status", a.VaultStatus)

	r.Get("/certificates", a.ListCertificates)
	r.Post("/certificates/csr", a.GenerateCSR)
	r.Post("/certificates/import", a.ImportCertificate)

	r.Route("/certificates/{hostname}", func(r chi.Router) {
		r.Get("/", a.GetCertificate)
		r.Delete("/", a.DeleteCertificate)
		r.Get("/chain", a.GetCertificateChain)
		r.Get("/history", a.GetCertificateHistory)
		r.Post("/upload", a.UploadCertificate)
		r.Post("/upload/preview", a.PreviewCertificateUpload)
		r.Post("/cancel-renewal", a.CancelRenewal)
		r.Put("/read-only", a.SetCertificateReadOnly)
		r.Put("/note", a.UpdateCertificateNote)
		r.Put("/pending-note", a.UpdatePendingNote)
		r.Get("/private-key", a.GetPrivateKeyPEM)
		r.Get("/pending-private-key", a.GetPendingPrivateKeyPEM)
		r.Post("/sign", a.SignCertificate)
		r.Post("/pkcs12", a.ExportPKCS12)
	})

	r.Post("/ca/init", a.InitRootCA)
	r.Post("/ca/import", a.ImportRootCA)
	r.Get("/ca/certificate", a.RootCACertificate)

	r.Post("/backup/export", a.ExportBackup)
	r.Post("/backup/validate", a.ValidateBackup)
	r.Post("/backup/restore", a.RestoreBackup)
	r.Post("/backup/import", a.ImportFromBackup)

	r.Get("/config", a.GetConfig)
	r.Put("/config", a.UpdateConfig)

	return r
}
