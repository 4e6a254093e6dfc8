package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/atomic"

	"code.kerpass.org/trustedcontacts/internal/observability"
	"code.kerpass.org/trustedcontacts/internal/transport"
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
)

const (
	maxBodySize  = 64 * 1024
	cborMimeType = "application/cbor"
)

var cborSrz = transport.NewCBORSerializer()

// Server exposes a Service over HTTP.
type Server struct {
	cfg     ServerCfg
	svc     *Service
	isReady atomic.Bool
	log     *slog.Logger
	srv     *http.Server
}

// NewServer returns a Server that serves svc.
func NewServer(cfg ServerCfg, svc *Service, log *slog.Logger) (*Server, error) {
	if err := cfg.Check(); nil != err {
		return nil, wrapError(err, "invalid cfg")
	}
	if err := svc.Check(); nil != err {
		return nil, wrapError(err, "invalid svc")
	}
	if nil == log {
		log = slog.Default()
	}

	srv := &Server{cfg: cfg, svc: svc, log: log}
	srv.isReady.Store(true)
	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

// Handler returns the Server http.Handler.
func (self *Server) Handler() http.Handler {
	mux := chi.NewRouter()

	mux.Route("/v1", func(r chi.Router) {
		r.Post("/customers/{accountId}/invitations", self.handleCreateInvitation)
		r.Put("/customers/{accountId}/invitations/{rId}", self.handleRefreshInvitation)
		r.Delete("/customers/{accountId}/relationships/{rId}", self.handleDeleteRelationship)
		r.Get("/customers/{accountId}/relationships", self.handleListRelationships)
		r.Put("/customers/{accountId}/certificates", self.handleUploadCertificates)
		r.Get("/invitations/{serverCode}", self.handleRetrieveInvitation)
		r.Post("/contacts/{accountId}/invitations/{serverCode}", self.handleAcceptInvitation)
		r.Get("/contacts/{accountId}/relationships", self.handleListProtectedCustomers)
	})

	// Health and diagnostic endpoints
	mux.Get("/livez", self.handleLivenessCheck)
	mux.Get("/readyz", self.handleReadinessCheck)
	mux.Get("/drain", self.handleDrain)
	mux.Get("/undrain", self.handleUndrain)

	mw := observability.Middleware{TraceIdHeader: self.cfg.TraceIdHeader}
	logged := mw.Wrap(mux)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.SetObservability(r.Context(), &observability.Observability{Logger: self.log})
		logged.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (self *Server) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req rel.InvitationRequest
	if !readBody(w, r, &req) {
		return
	}
	if req.AccountId != rel.AccountId(chi.URLParam(r, "accountId")) {
		writeError(w, r, wrapError(rel.ErrValidation, "accountId mismatch"))
		return
	}
	receipt, err := self.svc.CreateInvitation(r.Context(), req)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusCreated, receipt)
}

func (self *Server) handleRefreshInvitation(w http.ResponseWriter, r *http.Request) {
	var msg ProofMsg
	if !readBody(w, r, &msg) {
		return
	}
	receipt, err := self.svc.RefreshInvitation(
		r.Context(),
		rel.AccountId(chi.URLParam(r, "accountId")),
		rel.RelationshipId(chi.URLParam(r, "rId")),
		msg.Proof,
	)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, receipt)
}

func (self *Server) handleDeleteRelationship(w http.ResponseWriter, r *http.Request) {
	var msg ProofMsg
	if !readBody(w, r, &msg) {
		return
	}
	err := self.svc.DeleteInvitation(
		r.Context(),
		rel.AccountId(chi.URLParam(r, "accountId")),
		rel.RelationshipId(chi.URLParam(r, "rId")),
		msg.Proof,
	)
	if nil != err {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (self *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := self.svc.FetchRelationships(r.Context(), rel.AccountId(chi.URLParam(r, "accountId")))
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, rels)
}

func (self *Server) handleUploadCertificates(w http.ResponseWriter, r *http.Request) {
	var msg EndorsementsMsg
	if !readBody(w, r, &msg) {
		return
	}
	err := self.svc.UploadKeyCertificates(r.Context(), rel.AccountId(chi.URLParam(r, "accountId")), msg.Endorsements)
	if nil != err {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (self *Server) handleRetrieveInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := self.svc.RetrieveInvitation(r.Context(), chi.URLParam(r, "serverCode"))
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, inv)
}

func (self *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req rel.AcceptRequest
	if !readBody(w, r, &req) {
		return
	}
	err := self.svc.AcceptInvitation(
		r.Context(),
		rel.AccountId(chi.URLParam(r, "accountId")),
		chi.URLParam(r, "serverCode"),
		req,
	)
	if nil != err {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (self *Server) handleListProtectedCustomers(w http.ResponseWriter, r *http.Request) {
	pcs, err := self.svc.FetchProtectedCustomers(r.Context(), rel.AccountId(chi.URLParam(r, "accountId")))
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, ProtectedCustomersMsg{ProtectedCustomers: pcs})
}

func (self *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (self *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !self.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (self *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !self.isReady.Swap(false) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}
	self.log.Info("Server marked as not ready")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (self *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if self.isReady.Swap(true) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}
	self.log.Info("Server marked as ready")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// RunInBackground starts serving HTTP requests.
func (self *Server) RunInBackground() {
	go func() {
		self.log.Info("Starting HTTP server", "listenAddress", self.cfg.ListenAddr)
		if err := self.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			self.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown marks self as not ready, waits DrainDuration and gracefully stops the HTTP server.
func (self *Server) Shutdown() {
	if self.isReady.Swap(false) && self.cfg.DrainDuration > 0 {
		self.log.Info("Draining", "duration", self.cfg.DrainDuration)
		time.Sleep(self.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), self.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := self.srv.Shutdown(ctx); err != nil {
		self.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		self.log.Info("HTTP server gracefully stopped")
	}
}

// readBody decodes the request body in dst, it writes an error response if it fails.
func readBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if nil != err {
		writeError(w, r, errors.Join(rel.ErrValidation, err))
		return false
	}
	err = cborSrz.Unmarshal(body, dst)
	if nil != err {
		writeError(w, r, errors.Join(rel.ErrValidation, err))
		return false
	}
	return true
}

func writeBody(w http.ResponseWriter, r *http.Request, status int, v any) {
	srzmsg, err := cborSrz.Marshal(v)
	if nil != err {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", cborMimeType)
	w.WriteHeader(status)
	_, err = w.Write(srzmsg)
	if nil != err {
		observability.GetObservability(r.Context()).Log().Debug("failed delivering response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	log := observability.GetObservability(r.Context()).Log()
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	} else {
		log.Debug("request rejected", "status", status, "error", err)
	}
	http.Error(w, http.StatusText(status), status)
}

// statusOf maps err flags to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, rel.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rel.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, rel.ErrExpired):
		return http.StatusGone
	case errors.Is(err, rel.ErrValidation), errors.Is(err, transport.ValidationError), errors.Is(err, transport.SerializationError):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
