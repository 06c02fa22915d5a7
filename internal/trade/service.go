// Package trade provides the HTTP handlers for spot trades, binary options,
// portfolios, prices and exchange API keys. Business rules live in
// internal/settlement; this package decodes, validates and maps errors.
//
// The caller is identified by the X-User-ID header, set by the gateway
// that authenticates the session.
package trade

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/binary"
	"github.com/Ragunath041/cryptrade/internal/model"
	"github.com/Ragunath041/cryptrade/internal/settlement"
)

// UserHeader carries the authenticated caller id.
const UserHeader = "X-User-ID"

// OperatorHeader carries the operator token on /admin routes.
const OperatorHeader = "X-Operator-Token"

const maxBodyBytes = 1 << 20

type ctxKey struct{}

// Service serves the settlement API over HTTP.
type Service struct {
	svc           *settlement.Service
	hub           *WSHub // optional
	validate      *validator.Validate
	operatorToken string
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed. An empty operatorToken leaves the /admin
// routes unmounted.
func NewService(svc *settlement.Service, hub *WSHub, operatorToken string) *Service {
	return &Service{
		svc:           svc,
		hub:           hub,
		validate:      validator.New(),
		operatorToken: operatorToken,
	}
}

// Mount registers every route on r, which is usually the /api/v1 subrouter.
func (s *Service) Mount(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	r.Post("/users", s.CreateUser)
	r.Get("/prices", s.GetPrices)
	r.Get("/prices/{symbol}/history", s.GetPriceHistory)

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)

		r.Get("/me", s.GetMe)
		r.Get("/balance", s.GetBalance)

		r.Post("/spot-trades", s.ExecuteSpotTrade)
		r.Get("/spot-trades", s.ListSpotTrades)

		r.Get("/portfolio", s.GetPortfolio)
		r.Get("/portfolio/value", s.GetPortfolioValue)
		r.Post("/portfolio/sync", s.SyncPortfolio)
		r.Post("/portfolio/resync", s.ResyncPortfolio)

		r.Post("/binary-options", s.OpenOption)
		r.Get("/binary-options", s.ListOptions)
		r.Get("/binary-options/active", s.ActiveOptions)
		r.Get("/binary-options/history", s.OptionHistory)
		r.Get("/binary-options/update-expired", s.UpdateExpired)
		r.Post("/binary-options/update-expired", s.UpdateExpired)
		r.Get("/binary-options/{id}", s.GetOption)
		r.Post("/binary-options/{id}/close-early", s.CloseEarly)

		r.Post("/api-keys", s.CreateAPIKey)
		r.Get("/api-keys", s.ListAPIKeys)
		r.Delete("/api-keys/{id}", s.DeleteAPIKey)
		r.Post("/api-keys/{id}/test", s.TestAPIKey)
	})

	if s.operatorToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireOperator)
			r.Post("/users/{userID}/credit", s.AdminCredit)
			r.Post("/binary-options/{id}/void", s.AdminVoid)
			r.Post("/sweep", s.AdminSweep)
		})
	}
}

// RequireUser rejects requests without a caller id and stores it in the
// request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			writeError(w, "missing "+UserHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Service) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(OperatorHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.operatorToken)) != 1 {
			writeError(w, "operator token required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// --- Users ---

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req settlement.CreateUserRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.svc.CreateUser(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetMe handles GET /api/v1/me
func (s *Service) GetMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.GetUser(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetBalance handles GET /api/v1/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Balance(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": b})
}

// --- Spot trades and portfolio ---

// ExecuteSpotTrade handles POST /api/v1/spot-trades
func (s *Service) ExecuteSpotTrade(w http.ResponseWriter, r *http.Request) {
	var req settlement.SpotTradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.UserID = userID(r)

	res, err := s.svc.ExecuteSpotTrade(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListSpotTrades handles GET /api/v1/spot-trades
func (s *Service) ListSpotTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.svc.ListSpotTrades(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.SpotTrade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	positions, err := s.svc.Positions(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPortfolioValue handles GET /api/v1/portfolio/value
func (s *Service) GetPortfolioValue(w http.ResponseWriter, r *http.Request) {
	pv, err := s.svc.PortfolioValue(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

type syncRequest struct {
	APIKeyID string `json:"api_key_id" validate:"required"`
}

// SyncPortfolio handles POST /api/v1/portfolio/sync
func (s *Service) SyncPortfolio(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !s.decode(w, r, &req) {
		return
	}
	items, err := s.svc.SyncFromExchange(r.Context(), userID(r), req.APIKeyID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "items": items})
}

// ResyncPortfolio handles POST /api/v1/portfolio/resync
func (s *Service) ResyncPortfolio(w http.ResponseWriter, r *http.Request) {
	positions, err := s.svc.ResyncPositions(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Binary options ---

// openOptionBody accepts the legacy field names trade_type (BUY maps to UP,
// anything else to DOWN) and quantity (for amount).
type openOptionBody struct {
	settlement.OpenOptionRequest
	TradeType string           `json:"trade_type"`
	Quantity  *decimal.Decimal `json:"quantity"`
}

// OpenOption handles POST /api/v1/binary-options
func (s *Service) OpenOption(w http.ResponseWriter, r *http.Request) {
	var body openOptionBody
	if !decodeBody(w, r, &body) {
		return
	}
	req := body.OpenOptionRequest
	if req.Direction == "" && body.TradeType != "" {
		req.Direction = model.DirectionDown
		if strings.EqualFold(body.TradeType, string(model.SideBuy)) {
			req.Direction = model.DirectionUp
		}
	}
	if req.Amount.IsZero() && body.Quantity != nil {
		req.Amount = *body.Quantity
	}
	if !s.check(w, &req) {
		return
	}
	req.UserID = userID(r)

	o, err := s.svc.OpenOption(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOptions handles GET /api/v1/binary-options
func (s *Service) ListOptions(w http.ResponseWriter, r *http.Request) {
	s.writeOptions(w, r, s.svc.ListOptions)
}

// ActiveOptions handles GET /api/v1/binary-options/active
func (s *Service) ActiveOptions(w http.ResponseWriter, r *http.Request) {
	s.writeOptions(w, r, s.svc.ActiveOptions)
}

// OptionHistory handles GET /api/v1/binary-options/history
func (s *Service) OptionHistory(w http.ResponseWriter, r *http.Request) {
	s.writeOptions(w, r, s.svc.OptionHistory)
}

func (s *Service) writeOptions(w http.ResponseWriter, r *http.Request, list func(context.Context, string) ([]model.BinaryOption, error)) {
	options, err := list(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if options == nil {
		options = []model.BinaryOption{}
	}
	writeJSON(w, http.StatusOK, options)
}

// GetOption handles GET /api/v1/binary-options/{id}
func (s *Service) GetOption(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.GetOption(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CloseEarly handles POST /api/v1/binary-options/{id}/close-early
func (s *Service) CloseEarly(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.CloseEarly(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "trade": st})
}

// UpdateExpired handles GET|POST /api/v1/binary-options/update-expired
// Settles the caller's due options. Query parameters: force, ignore_expiry,
// manual_price, trade_id.
func (s *Service) UpdateExpired(w http.ResponseWriter, r *http.Request) {
	opts, err := sweepOptions(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.sweep(w, r, settlement.SweepRequest{UserID: userID(r), SweepOptions: opts})
}

func (s *Service) sweep(w http.ResponseWriter, r *http.Request, req settlement.SweepRequest) {
	report, err := s.svc.Sweep(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// sweepOptions reads the override flags. A flag is on when present, unless
// its value parses as false.
func sweepOptions(r *http.Request) (binary.SweepOptions, error) {
	q := r.URL.Query()
	flag := func(name string) bool {
		if !q.Has(name) {
			return false
		}
		v, err := strconv.ParseBool(q.Get(name))
		return err != nil || v
	}
	opts := binary.SweepOptions{
		Force:        flag("force"),
		IgnoreExpiry: flag("ignore_expiry"),
		TradeID:      q.Get("trade_id"),
	}
	if q.Has("manual_price") {
		p, err := decimal.NewFromString(q.Get("manual_price"))
		if err != nil {
			return opts, settlement.ErrInvalidManualPrice
		}
		opts.ManualPrice = &p
	}
	return opts, nil
}

// --- API keys ---

// CreateAPIKey handles POST /api/v1/api-keys
func (s *Service) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req settlement.CreateAPIKeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.UserID = userID(r)
	k, err := s.svc.CreateAPIKey(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, k)
}

// ListAPIKeys handles GET /api/v1/api-keys
func (s *Service) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.svc.ListAPIKeys(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// DeleteAPIKey handles DELETE /api/v1/api-keys/{id}
func (s *Service) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteAPIKey(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestAPIKey handles POST /api/v1/api-keys/{id}/test
func (s *Service) TestAPIKey(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.svc.TestAPIKey(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "balances": holdings})
}

// --- Prices ---

// GetPrices handles GET /api/v1/prices?symbols=BTC,ETH
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		for _, sym := range strings.Split(raw, ",") {
			if sym = strings.TrimSpace(sym); sym != "" {
				symbols = append(symbols, sym)
			}
		}
	}
	prices, err := s.svc.Quotes(r.Context(), symbols)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

// GetPriceHistory handles GET /api/v1/prices/{symbol}/history
// Query parameters: interval (default 1h), start and end (RFC 3339,
// default the last 24 hours).
func (s *Service) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	interval := q.Get("interval")
	if interval == "" {
		interval = "1h"
	}
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	var err error
	if v := q.Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, "end must be RFC 3339", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, "start must be RFC 3339", http.StatusBadRequest)
			return
		}
	}

	points, err := s.svc.History(r.Context(), chi.URLParam(r, "symbol"), interval, start, end)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// --- Operator ---

type creditRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AdminCredit handles POST /api/v1/admin/users/{userID}/credit
func (s *Service) AdminCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.svc.Credit(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": b})
}

// AdminVoid handles POST /api/v1/admin/binary-options/{id}/void
func (s *Service) AdminVoid(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.VoidOption(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AdminSweep handles POST /api/v1/admin/sweep
// Same flags as update-expired, across every user.
func (s *Service) AdminSweep(w http.ResponseWriter, r *http.Request) {
	opts, err := sweepOptions(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.sweep(w, r, settlement.SweepRequest{SweepOptions: opts})
}

// --- Encoding ---

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst) && s.check(w, dst)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Service) check(w http.ResponseWriter, v any) bool {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeError(w, strings.ToLower(fe.Field())+" failed "+fe.Tag()+" validation", http.StatusBadRequest)
			return false
		}
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps the error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
