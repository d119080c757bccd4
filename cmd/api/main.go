package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/remitledger/pkg/app"
	"github.com/mcclellann/remitledger/pkg/config"
	"github.com/mcclellann/remitledger/pkg/ledger"
	"github.com/mcclellann/remitledger/pkg/lock"
	"github.com/mcclellann/remitledger/pkg/logging"
	"github.com/mcclellann/remitledger/pkg/money"
	"github.com/mcclellann/remitledger/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "remitledger",
	Name:      "http_requests_total",
	Help:      "HTTP requests by route and status code.",
}, []string{"method", "route", "code"})

// Server holds the ledger instance.
type Server struct {
	ledger *ledger.Ledger
	log    logrus.FieldLogger
}

func NewServer(l *ledger.Ledger, log logrus.FieldLogger) *Server {
	return &Server{ledger: l, log: log}
}

// Router registers every route on a new mux router.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/organizations", s.createOrganizationHandler).Methods("POST")
	router.HandleFunc("/organizations/{id}/customers", s.createCustomerHandler).Methods("POST")
	router.HandleFunc("/organizations/{id}/remittance-accounts", s.issueRemittanceAccountHandler).Methods("POST")
	router.HandleFunc("/organizations/{id}/remittance-accounts", s.listRemittanceAccountsHandler).Methods("GET")
	router.HandleFunc("/organizations/{id}/summary", s.summaryHandler).Methods("GET")
	router.HandleFunc("/organizations/{id}/transactions", s.listTransactionsHandler).Methods("GET")

	router.HandleFunc("/loans", s.bookLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/repayments", s.listRepaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/schedule", s.generateScheduleHandler).Methods("POST")

	router.HandleFunc("/remittances", s.ingestRemittanceHandler).Methods("POST")
	router.HandleFunc("/remittances/{id}", s.getTransactionHandler).Methods("GET")
	router.HandleFunc("/remittances/{id}/apply", s.applyHandler).Methods("POST")
	router.HandleFunc("/remittances/{id}/reverse", s.reverseHandler).Methods("POST")
	router.HandleFunc("/remittances/{id}/allocations", s.listAllocationsHandler).Methods("GET")

	router.HandleFunc("/repayments/{id}/reverse", s.reverseRepaymentHandler).Methods("PATCH")
	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		httpRequests.WithLabelValues(r.Method, route, fmt.Sprint(rec.status)).Inc()
		s.log.WithFields(logrus.Fields{
			logging.FieldMethod:   r.Method,
			logging.FieldPath:     r.URL.Path,
			logging.FieldStatus:   rec.status,
			logging.FieldDuration: time.Since(start).Milliseconds(),
		}).Debug("request handled")
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTenor),
		errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, ledger.ErrRepaymentNotFound),
		errors.Is(err, ledger.ErrOrganizationNotFound),
		errors.Is(err, ledger.ErrMissingLoan),
		errors.Is(err, ledger.ErrMissingCustomer),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyAllocated),
		errors.Is(err, ledger.ErrTransactionDisputed),
		errors.Is(err, ledger.ErrSettledByRemittance),
		errors.Is(err, ledger.ErrDuplicateReference),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNoAllocations),
		errors.Is(err, ledger.ErrNothingToReverse),
		errors.Is(err, ledger.ErrMissingOrganization):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lock.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	entry := s.log.WithError(err).WithFields(logrus.Fields{
		logging.FieldMethod: r.Method,
		logging.FieldPath:   r.URL.Path,
	})
	if code >= http.StatusInternalServerError {
		entry.Error("request failed")
		respondWithError(w, code, http.StatusText(code))
		return
	}
	entry.Info("request rejected")
	respondWithError(w, code, err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid "+what+" ID")
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a JSON body into v. An empty body is allowed when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
	return false
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createOrganizationHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	org, err := s.ledger.CreateOrganization(r.Context(), req.Name)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, org)
}

func (s *Server) createCustomerHandler(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "organization")
	if !ok {
		return
	}
	var req struct {
		FullName string `json:"full_name"`
		StaffID  string `json:"staff_id"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	customer, err := s.ledger.CreateCustomer(r.Context(), orgID, req.FullName, req.StaffID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, customer)
}

func (s *Server) issueRemittanceAccountHandler(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "organization")
	if !ok {
		return
	}
	var req struct {
		ForceNew bool `json:"force_new"`
	}
	if !decodeBody(w, r, &req, true) {
		return
	}
	account, err := s.ledger.IssueRemittanceAccount(r.Context(), orgID, req.ForceNew)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (s *Server) listRemittanceAccountsHandler(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "organization")
	if !ok {
		return
	}
	accounts, err := s.ledger.ListRemittanceAccounts(r.Context(), orgID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, accounts)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "organization")
	if !ok {
		return
	}
	summary, err := s.ledger.OrganizationSummary(r.Context(), orgID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func (s *Server) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "organization")
	if !ok {
		return
	}
	rows, err := s.ledger.ListOrganizationTransactions(r.Context(), orgID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rows)
}

func (s *Server) bookLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID  uuid.UUID   `json:"customer_id"`
		Principal   money.Money `json:"principal"`
		TenorMonths int         `json:"tenor_months"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	loan, schedule, err := s.ledger.BookLoan(r.Context(), req.CustomerID, req.Principal, req.TenorMonths)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"loan":       loan,
		"repayments": schedule,
	})
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, loan)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	if err := s.ledger.DeleteLoan(r.Context(), loanID); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRepaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	repayments, err := s.ledger.ListRepaymentsForLoan(r.Context(), loanID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, repayments)
}

func (s *Server) generateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	var req struct {
		MonthlyAmount money.Money `json:"monthly_amount"`
		TenorMonths   int         `json:"tenor_months"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	schedule, err := s.ledger.GenerateRepaymentSchedule(r.Context(), loan, req.MonthlyAmount, req.TenorMonths)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, schedule)
}

func (s *Server) ingestRemittanceHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.IngestRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	result, err := s.ledger.IngestRemittance(r.Context(), req)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

func (s *Server) getTransactionHandler(w http.ResponseWriter, r *http.Request) {
	txID, ok := pathID(w, r, "transaction")
	if !ok {
		return
	}
	tx, err := s.ledger.GetTransaction(r.Context(), txID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (s *Server) applyHandler(w http.ResponseWriter, r *http.Request) {
	txID, ok := pathID(w, r, "transaction")
	if !ok {
		return
	}
	result, err := s.ledger.ApplyInboundTransaction(r.Context(), txID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) reverseHandler(w http.ResponseWriter, r *http.Request) {
	txID, ok := pathID(w, r, "transaction")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req, true) {
		return
	}
	result, err := s.ledger.ReverseInboundTransaction(r.Context(), txID, req.Reason)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) listAllocationsHandler(w http.ResponseWriter, r *http.Request) {
	txID, ok := pathID(w, r, "transaction")
	if !ok {
		return
	}
	allocations, err := s.ledger.ListTransactionAllocations(r.Context(), txID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, allocations)
}

func (s *Server) reverseRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	repaymentID, ok := pathID(w, r, "repayment")
	if !ok {
		return
	}
	reverse := s.ledger.ReverseRepaymentPayment
	if r.URL.Query().Get("force") == "true" {
		reverse = s.ledger.ReverseRepaymentPaymentForce
	}
	repayment, err := reverse(r.Context(), repaymentID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, repayment)
}

func main() {
	bootLog := logging.New("info", "text")
	cfg, err := config.Load(bootLog)
	if err != nil {
		bootLog.Fatalf("Failed to load configuration: %v", err)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize ledger: %v", err)
	}
	defer a.Close()

	server := NewServer(a.Ledger, log)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Graceful shutdown failed")
		}
	}()

	log.WithField("port", cfg.Server.Port).Info("Server starting")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	log.Info("Server stopped")
}
