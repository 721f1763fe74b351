package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vouchlend/core/events"
	"vouchlend/crypto"
	"vouchlend/native/lending"
	"vouchlend/native/registry"
	"vouchlend/native/reputation"
	"vouchlend/observability"
)

// Server exposes the registry, reputation and lending modules over HTTP. The
// execution model is ledger-style: every mutating request except default
// handling names its caller address explicitly, and each request runs as a
// single engine call. State writes and token movements made before an engine
// error are not rolled back.
type Server struct {
	registry   *registry.Engine
	reputation *reputation.Engine
	lending    *lending.Engine
	recorder   *events.Recorder
	logger     *slog.Logger
	router     chi.Router
}

// New wires the module engines into an HTTP router.
func New(reg *registry.Engine, rep *reputation.Engine, lend *lending.Engine, recorder *events.Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:   reg,
		reputation: rep,
		lending:    lend,
		recorder:   recorder,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Route("/registry", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/update-name", s.handleUpdateName)
			r.Get("/users/{addr}", s.handleProfile)
			r.Get("/total", s.handleTotalRegistered)
		})
		r.Route("/reputation", func(r chi.Router) {
			r.Post("/vouches", s.handleAddVouch)
			r.Post("/vouches/remove", s.handleRemoveVouch)
			r.Get("/profiles/{addr}", s.handleReputationProfile)
			r.Get("/vouches/{voucher}/{borrower}", s.handleVouchDetails)
			r.Get("/vouches/received/{borrower}", s.handleActiveVouches)
		})
		r.Route("/lending", func(r chi.Router) {
			r.Post("/offers", s.handleCreateOffer)
			r.Post("/offers/{id}/accept", s.handleAcceptOffer)
			r.Post("/offers/{id}/cancel", s.handleCancelOffer)
			r.Get("/offers/{id}", s.handleGetOffer)
			r.Post("/requests", s.handleCreateRequest)
			r.Post("/requests/{id}/fund", s.handleFundRequest)
			r.Post("/requests/{id}/cancel", s.handleCancelRequest)
			r.Get("/requests/{id}", s.handleGetRequest)
			r.Post("/agreements/{id}/repay", s.handleRepay)
			r.Post("/agreements/{id}/modification", s.handleRequestModification)
			r.Post("/agreements/{id}/modification/respond", s.handleRespondModification)
			r.Post("/agreements/{id}/default", s.handleDefault)
			r.Get("/agreements/{id}", s.handleGetAgreement)
		})
		r.Get("/events", s.handleEvents)
	})
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Error("gateway: encode response", "err", err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, module, method string, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, lending.ErrOfferNotFound),
		errors.Is(err, lending.ErrRequestNotFound),
		errors.Is(err, lending.ErrAgreementNotFound),
		errors.Is(err, reputation.ErrVouchNotFound),
		errors.Is(err, registry.ErrNotRegistered):
		status = http.StatusNotFound
	case errors.Is(err, lending.ErrUnauthorized), errors.Is(err, reputation.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, lending.ErrIllegalState),
		errors.Is(err, lending.ErrAlreadyFulfilled),
		errors.Is(err, lending.ErrAlreadySettled),
		errors.Is(err, reputation.ErrVouchActive),
		errors.Is(err, registry.ErrAlreadyRegistered):
		status = http.StatusConflict
	}
	s.logger.Warn("gateway: request failed", "module", module, "method", method, "err", err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) observe(module, method string, start time.Time, err error) {
	observability.ModuleMetrics().Observe(module, method, err, time.Since(start))
}

func decodeBody(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.New("gateway: invalid decimal amount")
	}
	return amount, nil
}

func pathAddress(r *http.Request, name string) (crypto.Address, error) {
	return crypto.ParseAddress(chi.URLParam(r, name))
}

func pathHash(r *http.Request, name string) (crypto.Hash, error) {
	return crypto.ParseHash(chi.URLParam(r, name))
}
