// Package httpapi exposes the ledger over HTTP: the payment webhook
// endpoint and a token-guarded internal surface used by the signup
// flow and the generation-job workers.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/versecraft/creditledger/internal/identity"
	"github.com/versecraft/creditledger/internal/webhook"
	"github.com/versecraft/creditledger/pkg/ledger"
)

// Ledger is the read/reconcile surface the API serves.
type Ledger interface {
	Balances(ctx context.Context, accountID string) (map[ledger.CreditType]int64, error)
	History(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
	Reconcile(ctx context.Context, accountID string, email string) (int, error)
	AuditTrail(ctx context.Context, sinceUnixUTC int64, limit int) ([]ledger.AuditEvent, error)
}

// Guard is the job reserve/refund surface.
type Guard interface {
	Reserve(ctx context.Context, accountID string, creditType ledger.CreditType, jobID string) error
	Refund(ctx context.Context, accountID string, creditType ledger.CreditType, jobID string) error
}

// Verifier authenticates webhook deliveries.
type Verifier interface {
	Verify(eventID string, timestamp string, signature string, body []byte) error
}

// Dispatcher routes verified webhook bodies.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte) error
}

// Server is the HTTP facade.
type Server struct {
	cfg        Config
	verifier   Verifier
	dispatcher Dispatcher
	ledger     Ledger
	guard      Guard
	logger     *zap.Logger
}

// NewServer wires a Server. The configuration must already be
// validated.
func NewServer(cfg Config, verifier Verifier, dispatcher Dispatcher, ledgerService Ledger, guard Guard, logger *zap.Logger) (*Server, error) {
	if verifier == nil || dispatcher == nil || ledgerService == nil || guard == nil {
		return nil, fmt.Errorf("%w: http server dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		verifier:   verifier,
		dispatcher: dispatcher,
		ledger:     ledgerService,
		guard:      guard,
		logger:     logger,
	}, nil
}

// Router assembles the gin engine. Exposed for request-level tests.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/payments", server.handleWebhook)

	internal := router.Group("/internal")
	internal.Use(serviceAuth([]byte(server.cfg.ServiceTokenKey), server.cfg.ServiceTokenIssuer))

	internal.GET("/accounts/:accountId/balances", server.handleBalances)
	internal.GET("/accounts/:accountId/entries", server.handleEntries)
	internal.POST("/accounts/:accountId/reconcile", server.handleReconcile)
	internal.POST("/jobs/:jobId/reserve", server.handleReserve)
	internal.POST("/jobs/:jobId/refund", server.handleRefund)
	internal.GET("/audit-events", server.handleAuditTrail)

	return router
}

// Run boots the HTTP facade and blocks until the context is cancelled
// or the listener fails.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http facade listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleWebhook verifies and dispatches a payment event. Signature and
// store-transport failures are the only retryable outcomes; business
// outcomes (unknown product, unmatched account) are resolved downstream
// and acknowledged so the processor does not redeliver.
func (server *Server) handleWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	eventID := ctx.GetHeader("event-id")
	timestamp := ctx.GetHeader("event-timestamp")
	signature := ctx.GetHeader("event-signature")

	if err := server.verifier.Verify(eventID, timestamp, signature, body); err != nil {
		server.logger.Warn("webhook signature rejected", zap.String("eventId", eventID))
		ctx.JSON(http.StatusUnauthorized, errorResponse("signature_invalid", "signature verification failed"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	err = server.dispatcher.Dispatch(requestCtx, body)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"status": "processed"})
	case errors.Is(err, webhook.ErrMalformedEvent), errors.Is(err, identity.ErrNoIdentity):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "event body does not parse"))
	case errors.Is(err, identity.ErrAmbiguousEmail):
		// A data error redelivery cannot fix. Acknowledge and leave the
		// loud log for the operator.
		server.logger.Error("webhook customer email matches multiple accounts",
			zap.String("eventId", eventID), zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"status": "unresolved"})
	case errors.Is(err, ledger.ErrLedgerUnavailable), errors.Is(err, ledger.ErrStoreConflict):
		server.logger.Warn("webhook processing unavailable", zap.String("eventId", eventID), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "retry later"))
	default:
		server.logger.Error("webhook processing failed", zap.String("eventId", eventID), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_error", "retry later"))
	}
}

func (server *Server) handleBalances(ctx *gin.Context) {
	accountID := ctx.Param("accountId")
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	balances, err := server.ledger.Balances(requestCtx, accountID)
	if err != nil {
		server.respondError(ctx, "balances", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account_id": accountID, "balances": balances})
}

func (server *Server) handleEntries(ctx *gin.Context) {
	accountID := ctx.Param("accountId")
	before := parseInt64Query(ctx, "before", 0)
	limit := int(parseInt64Query(ctx, "limit", int64(server.cfg.HistoryLimit)))

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	entries, err := server.ledger.History(requestCtx, accountID, before, limit)
	if err != nil {
		server.respondError(ctx, "entries", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account_id": accountID, "entries": renderEntries(entries)})
}

type reconcileRequest struct {
	Email string `json:"email"`
}

func (server *Server) handleReconcile(ctx *gin.Context) {
	accountID := ctx.Param("accountId")
	var request reconcileRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	applied, err := server.ledger.Reconcile(requestCtx, accountID, request.Email)
	if err != nil {
		server.respondError(ctx, "reconcile", err)
		return
	}
	server.logger.Info("pending grants reconciled",
		zap.String("accountId", accountID),
		zap.Int("applied", applied),
		zap.String("caller", callerFromContext(ctx)))
	ctx.JSON(http.StatusOK, gin.H{"account_id": accountID, "applied": applied})
}

type jobRequest struct {
	AccountID  string `json:"account_id"`
	CreditType string `json:"credit_type"`
}

func (server *Server) handleReserve(ctx *gin.Context) {
	server.handleJobCall(ctx, "reserve", server.guard.Reserve)
}

func (server *Server) handleRefund(ctx *gin.Context) {
	server.handleJobCall(ctx, "refund", server.guard.Refund)
}

func (server *Server) handleJobCall(ctx *gin.Context, operation string, call func(context.Context, string, ledger.CreditType, string) error) {
	jobID := ctx.Param("jobId")
	var request jobRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	creditType, err := ledger.ParseCreditType(request.CreditType)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credit_type", request.CreditType))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	if err := call(requestCtx, request.AccountID, creditType, jobID); err != nil {
		server.respondError(ctx, operation, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": operation + "d"})
}

func (server *Server) handleAuditTrail(ctx *gin.Context) {
	since := parseInt64Query(ctx, "since", 0)
	limit := int(parseInt64Query(ctx, "limit", int64(server.cfg.HistoryLimit)))

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	events, err := server.ledger.AuditTrail(requestCtx, since, limit)
	if err != nil {
		server.respondError(ctx, "audit trail", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"events": renderAuditEvents(events)})
}

func (server *Server) respondError(ctx *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_credits", "balance too low"))
	case errors.Is(err, ledger.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "no such account"))
	case errors.Is(err, ledger.ErrLedgerUnavailable), errors.Is(err, ledger.ErrStoreConflict):
		server.logger.Warn("ledger unavailable", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "retry later"))
	case errors.Is(err, ledger.ErrInvalidAccountID),
		errors.Is(err, ledger.ErrInvalidIdempotencyKey),
		errors.Is(err, ledger.ErrInvalidCreditType),
		errors.Is(err, ledger.ErrInvalidEmail):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed"))
	}
}

type entryView struct {
	EntryID        string `json:"entry_id"`
	Kind           string `json:"kind"`
	CreditType     string `json:"credit_type"`
	SignedAmount   int64  `json:"signed_amount"`
	IdempotencyKey string `json:"idempotency_key"`
	MetadataJSON   string `json:"metadata_json"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func renderEntries(entries []ledger.Entry) []entryView {
	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, entryView{
			EntryID:        entry.EntryID,
			Kind:           string(entry.Kind),
			CreditType:     string(entry.CreditType),
			SignedAmount:   entry.SignedAmount(),
			IdempotencyKey: entry.IdempotencyKey,
			MetadataJSON:   entry.MetadataJSON,
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	return views
}

type auditEventView struct {
	EventID        string `json:"event_id"`
	Kind           string `json:"kind"`
	AccountID      string `json:"account_id,omitempty"`
	Email          string `json:"email,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`
	DetailJSON     string `json:"detail_json"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func renderAuditEvents(events []ledger.AuditEvent) []auditEventView {
	views := make([]auditEventView, 0, len(events))
	for _, event := range events {
		views = append(views, auditEventView{
			EventID:        event.EventID,
			Kind:           event.Kind,
			AccountID:      event.AccountID,
			Email:          event.Email,
			TransactionID:  event.TransactionID,
			DetailJSON:     event.DetailJSON,
			CreatedUnixUTC: event.CreatedUnixUTC,
		})
	}
	return views
}

func parseInt64Query(ctx *gin.Context, name string, fallback int64) int64 {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
