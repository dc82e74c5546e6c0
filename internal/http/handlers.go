package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/field-dispatch/internal/config"
	"github.com/example/field-dispatch/internal/dispatch"
	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/ingest"
	"github.com/example/field-dispatch/internal/ledger"
	"github.com/example/field-dispatch/internal/lifecycle"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/payments"
	"github.com/example/field-dispatch/internal/storage"
)

// Server wires the engine behind a thin HTTP surface. Handlers decode,
// delegate and encode; the invariants live in dispatch, lifecycle and ledger.
type Server struct {
	Controller *lifecycle.Controller
	Dispatcher *dispatch.Service
	Ledger     *ledger.Service
	Geo        geo.Index
	Workers    storage.WorkerStore
	Wallets    storage.LedgerStore
	Kafka      *ingest.KafkaProducer
	WSReg      *notify.WSRegistry
	Payouts    *payments.StripeClient

	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

// NewServer builds the full wiring from config: Redis geo index and Postgres
// stores when configured, in-memory fallbacks otherwise.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.MaxCandidates)
	} else {
		index = geo.NewMemoryIndex(cfg.MaxCandidates)
	}

	var (
		bookings storage.BookingStore
		workers  storage.WorkerStore
		wallets  storage.LedgerStore
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		bookings, workers, wallets = ps, ps, ps
	} else {
		bookings = storage.NewMemoryBookingStore()
		workers = storage.NewMemoryWorkerStore()
		wallets = storage.NewMemoryLedgerStore()
	}

	wsreg := notify.NewWSRegistry()
	publishers := notify.Multi{&notify.LogPublisher{Logger: logger}, wsreg}
	if cfg.AMQPURL != "" {
		ap, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, ap)
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	dispatcher := &dispatch.Service{
		Index:        index,
		Bookings:     bookings,
		Workers:      workers,
		Notifier:     publishers,
		RadiusMeters: cfg.SearchRadiusMeters,
		Logger:       logger,
	}
	ledgerSvc := &ledger.Service{Store: wallets, Logger: logger}
	controller := &lifecycle.Controller{
		Bookings:            bookings,
		Workers:             workers,
		Ledger:              ledgerSvc,
		Dispatcher:          dispatcher,
		Notifier:            publishers,
		Logger:              logger,
		AllowCustomerCancel: cfg.AllowCustomerCancel,
	}

	s := &Server{
		Controller: controller,
		Dispatcher: dispatcher,
		Ledger:     ledgerSvc,
		Geo:        index,
		Workers:    workers,
		Wallets:    wallets,
		Kafka:      kp,
		WSReg:      wsreg,
		Payouts:    payments.NewStripeClient(),
		cfg:        cfg,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/bookings", s.handleCreateBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}", s.handleGetBooking).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{id}/dispatch", s.handleDispatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/status", s.handleUpdateStatus).Methods("PUT")
	s.mux.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")

	s.mux.HandleFunc("/api/v1/workers", s.handleRegisterWorker).Methods("POST")
	s.mux.HandleFunc("/api/v1/workers/{id}/availability", s.handleSetAvailability).Methods("PUT")
	s.mux.HandleFunc("/internal/worker/locations", s.handleWorkerLocation).Methods("POST")

	s.mux.HandleFunc("/api/v1/wallet/{worker_id}", s.handleBalance).Methods("GET")
	s.mux.HandleFunc("/api/v1/wallet/{worker_id}/withdrawals", s.handleWithdraw).Methods("POST")
	s.mux.HandleFunc("/api/v1/wallet/{worker_id}/transactions", s.handleTransactions).Methods("GET")
	s.mux.HandleFunc("/api/v1/wallet/withdrawals/{tx_id}/confirm", s.handleConfirmWithdrawal).Methods("POST")

	s.mux.HandleFunc("/ws/{worker_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createBookingRequest struct {
	CustomerID       string          `json:"customer_id"`
	Skill            string          `json:"skill"`
	Description      string          `json:"description"`
	Lon              float64         `json:"lon"`
	Lat              float64         `json:"lat"`
	Address          models.Address  `json:"address"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	EstimatedMinutes int             `json:"estimated_minutes"`
	Priority         models.Priority `json:"priority"`
	EstimatedCost    int64           `json:"estimated_cost"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	b, err := s.Controller.CreateBooking(r.Context(), lifecycle.CreateBookingInput{
		CustomerID:       req.CustomerID,
		Skill:            req.Skill,
		Description:      req.Description,
		Lon:              req.Lon,
		Lat:              req.Lat,
		Address:          req.Address,
		ScheduledAt:      req.ScheduledAt,
		EstimatedMinutes: req.EstimatedMinutes,
		Priority:         req.Priority,
		EstimatedCost:    req.EstimatedCost,
		Currency:         s.cfg.Currency,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	// fire-and-forget dispatch; the booking stands even if nobody is nearby
	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.Dispatcher.Assign(ctx, id); err != nil {
			s.logger.Error("auto-dispatch failed", "booking_id", id, "error", err)
		}
	}(b.ID)
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, err := s.Controller.Bookings.GetBooking(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.Dispatcher.Assign(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type workerActionRequest struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
	Status   string `json:"status,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// callerID resolves the verified caller identity. Authentication happens
// upstream; by the time a request reaches the engine the X-Worker-ID header
// carries a trusted id.
func callerID(r *http.Request, body workerActionRequest) string {
	if id := r.Header.Get("X-Worker-ID"); id != "" {
		return id
	}
	return body.WorkerID
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req workerActionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	b, err := s.Controller.Accept(r.Context(), id, callerID(r, req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req workerActionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	b, res, err := s.Controller.Reject(r.Context(), id, callerID(r, req), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": b, "reassignment": res})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req workerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	b, err := s.Controller.UpdateStatus(r.Context(), id, callerID(r, req), models.BookingStatus(req.Status), req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Controller.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type registerWorkerRequest struct {
	Name   string   `json:"name"`
	Phone  string   `json:"phone"`
	Lon    float64  `json:"lon"`
	Lat    float64  `json:"lat"`
	Skills []string `json:"skills"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.Name == "" || len(req.Skills) == 0 {
		writeJSONError(w, http.StatusBadRequest, "name and skills are required", nil)
		return
	}
	loc, err := models.NewGeoPoint(req.Lon, req.Lat)
	if err != nil {
		s.writeError(w, err)
		return
	}
	now := time.Now()
	worker := &models.Worker{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		Phone:              req.Phone,
		Location:           loc,
		Availability:       models.Offline,
		Skills:             req.Skills,
		LastLocationUpdate: now,
	}
	if err := s.Workers.PutWorker(r.Context(), worker); err != nil {
		s.writeError(w, err)
		return
	}
	// a wallet is created alongside every worker
	wallet := &models.Wallet{
		WorkerID:       worker.ID,
		MinimumReserve: s.cfg.MinimumReserve,
		Currency:       s.cfg.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Wallets.CreateWallet(r.Context(), wallet); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

type availabilityRequest struct {
	Availability models.Availability `json:"availability"`
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	switch req.Availability {
	case models.Available, models.Busy, models.Offline:
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown availability "+string(req.Availability), nil)
		return
	}
	worker, err := s.Workers.GetWorker(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.Workers.SetAvailability(r.Context(), id, worker.Availability, req.Availability); err != nil {
		s.writeError(w, err)
		return
	}
	worker.Availability = req.Availability
	if err := s.Geo.Upsert(r.Context(), *worker); err != nil {
		s.logger.Warn("geo upsert failed", "worker_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkerLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	loc, err := models.NewGeoPoint(u.Loc.Lon, u.Loc.Lat)
	if err != nil {
		s.writeError(w, err)
		return
	}
	u.Loc = loc
	if u.Availability == "" {
		u.Availability = models.Available
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(u); err != nil {
			s.logger.Warn("location publish failed", "worker_id", u.WorkerID, "error", err)
		}
	}
	if err := s.Geo.Upsert(r.Context(), models.Worker{
		ID:           u.WorkerID,
		Location:     u.Loc,
		Availability: u.Availability,
		Skills:       u.Skills,
		Rating:       u.Rating,
	}); err != nil {
		s.logger.Warn("geo upsert failed", "worker_id", u.WorkerID, "error", err)
	}
	if err := s.Workers.UpdateLocation(r.Context(), u.WorkerID, u.Loc); err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Warn("worker location update failed", "worker_id", u.WorkerID, "error", err)
	}
	observability.WorkersOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["worker_id"]
	wallet, err := s.Ledger.Balance(r.Context(), workerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":                  wallet.Balance,
		"available_for_withdrawal": wallet.AvailableForWithdrawal(),
		"currency":                 wallet.Currency,
		"total_earnings":           wallet.TotalEarnings,
		"total_withdrawals":        wallet.TotalWithdrawals,
		"last_withdrawal_at":       wallet.LastWithdrawalAt,
		"can_withdraw_today":       wallet.CanWithdrawToday(time.Now()),
	})
}

type withdrawRequest struct {
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["worker_id"]
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.Destination == "" {
		writeJSONError(w, http.StatusBadRequest, "destination is required", nil)
		return
	}
	txn, err := s.Ledger.Withdraw(r.Context(), workerID, req.Amount, req.Destination)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// kick off the external transfer; confirmation arrives out of band
	if s.Payouts != nil {
		wallet, werr := s.Ledger.Balance(r.Context(), workerID)
		currency := s.cfg.Currency
		if werr == nil && wallet.Currency != "" {
			currency = wallet.Currency
		}
		if _, perr := s.Payouts.CreatePayout(r.Context(), req.Amount, currency, req.Destination); perr != nil {
			s.logger.Warn("payout initiation failed", "transaction_id", txn.ID, "error", perr)
		}
	}
	writeJSON(w, http.StatusOK, txn)
}

type confirmWithdrawalRequest struct {
	Failed        bool   `json:"failed,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (s *Server) handleConfirmWithdrawal(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["tx_id"]
	var req confirmWithdrawalRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	var err error
	if req.Failed {
		err = s.Ledger.FailWithdrawal(r.Context(), txID, req.FailureReason)
	} else {
		err = s.Ledger.ConfirmWithdrawal(r.Context(), txID)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["worker_id"]
	q := storage.TransactionQuery{
		Page:   atoiDefault(r.URL.Query().Get("page"), 1),
		Limit:  atoiDefault(r.URL.Query().Get("limit"), 20),
		Type:   models.TransactionType(r.URL.Query().Get("type")),
		Status: models.TransactionStatus(r.URL.Query().Get("status")),
	}
	txs, total, err := s.Ledger.Transactions(r.Context(), workerID, q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	totalPages := (total + q.Limit - 1) / q.Limit
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"pagination": map[string]any{
			"current_page": q.Page,
			"total_pages":  totalPages,
			"total":        total,
		},
	})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["worker_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "upgrade failed", nil)
		return
	}
	s.WSReg.Add(id, conn)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		transition *models.InvalidTransitionError
		validation *models.ValidationError
		rules      *models.LedgerRuleViolation
	)
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, models.ErrNotAuthorized):
		writeJSONError(w, http.StatusForbidden, err.Error(), nil)
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrInvalidState):
		writeJSONError(w, http.StatusConflict, err.Error(), nil)
	case errors.As(err, &transition):
		writeJSONError(w, http.StatusBadRequest, transition.Error(), nil)
	case errors.As(err, &validation):
		writeJSONError(w, http.StatusBadRequest, validation.Error(), nil)
	case errors.As(err, &rules):
		writeJSONError(w, http.StatusUnprocessableEntity, "withdrawal validation failed", rules.Violations)
	default:
		s.logger.Error("internal error", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string, violations []string) {
	body := map[string]any{"error": msg}
	if len(violations) > 0 {
		body["violations"] = violations
	}
	writeJSON(w, status, body)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
