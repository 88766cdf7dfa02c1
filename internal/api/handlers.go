package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/common"
	"serotonyl.ru/starsbot/internal/features/ledger"
	"serotonyl.ru/starsbot/internal/features/payments"
)

const (
	defaultRecordsLimit = 20
	maxRecordsLimit     = 100
)

type handlers struct {
	processor *payments.Processor
}

type paymentRequest struct {
	UserID          int64                   `json:"user_id" binding:"required"`
	OperationID     string                  `json:"operation_id" binding:"required"`
	AmountMinor     int64                   `json:"amount_minor"`
	Direction       ledger.Direction        `json:"direction" binding:"required"`
	Category        string                  `json:"category" binding:"required"`
	Bypass          bool                    `json:"bypass"`
	Metadata        json.RawMessage         `json:"metadata"` // {"kind": "...", "data": {...}}
	CurrencyContext *ledger.CurrencyContext `json:"currency_context"`
	Locale          string                  `json:"locale"`
	Description     string                  `json:"description"`
}

type refundRequest struct {
	OperationID string `json:"operation_id" binding:"required"`
	OperatorID  int64  `json:"operator_id"`
	Reason      string `json:"reason"`
	Locale      string `json:"locale"`
}

type renewalRequest struct {
	UserID      int64  `json:"user_id" binding:"required"`
	OperationID string `json:"operation_id" binding:"required"`
	Plan        string `json:"plan"`
	Days        int    `json:"days"`
	AmountMinor int64  `json:"amount_minor"`
	OperatorID  int64  `json:"operator_id"`
	Reason      string `json:"reason"`
}

type resultResponse struct {
	Success    bool   `json:"success"`
	NewBalance int64  `json:"new_balance"`
	RecordID   string `json:"record_id"`
	Replayed   bool   `json:"replayed"`
}

type recordResponse struct {
	ID              string                  `json:"id"`
	OperationID     string                  `json:"operation_id"`
	AmountMinor     int64                   `json:"amount_minor"`
	Direction       ledger.Direction        `json:"direction"`
	Status          ledger.Status           `json:"status"`
	Category        string                  `json:"category"`
	CurrencyContext *ledger.CurrencyContext `json:"currency_context,omitempty"`
	Metadata        json.RawMessage         `json:"metadata,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
}

// GET /v1/users/:id/balance
func (h *handlers) balance(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	balance, err := h.processor.Balance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

// GET /v1/users/:id/records?limit=&category=
func (h *handlers) records(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	limit := defaultRecordsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(n, maxRecordsLimit)
	}

	records, err := h.processor.Records(c.Request.Context(), ledger.Filter{
		UserID:   userID,
		Category: c.Query("category"),
		Limit:    limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]recordResponse, 0, len(records))
	for _, r := range records {
		meta, err := ledger.EncodeMetadata(r.Metadata)
		if err != nil {
			log.WithError(err).WithField("record_id", r.ID).Warn("Не удалось сериализовать метаданные")
		}
		out = append(out, recordResponse{
			ID:              r.ID,
			OperationID:     r.OperationID,
			AmountMinor:     r.AmountMinor,
			Direction:       r.Direction,
			Status:          r.Status,
			Category:        r.Category,
			CurrencyContext: r.CurrencyContext,
			Metadata:        meta,
			CreatedAt:       r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

// POST /v1/payments
func (h *handlers) process(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}
	meta, err := ledger.DecodeMetadata(req.Metadata)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_metadata", "details": err.Error()})
		return
	}

	res, err := h.processor.Process(c.Request.Context(), payments.Operation{
		UserID:          req.UserID,
		OperationID:     req.OperationID,
		AmountMinor:     req.AmountMinor,
		Direction:       req.Direction,
		Category:        req.Category,
		Bypass:          req.Bypass,
		Metadata:        meta,
		CurrencyContext: req.CurrencyContext,
		Locale:          req.Locale,
		Description:     req.Description,
	})
	respondResult(c, res, err)
}

// POST /v1/refunds
func (h *handlers) refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}
	// без оператора и причины — автоматический возврат после сбоя генерации
	if req.OperatorID == 0 && req.Reason == "" {
		res, err := h.processor.RefundCharge(c.Request.Context(), req.OperationID, req.Locale)
		respondResult(c, res, err)
		return
	}
	res, err := h.processor.Refund(c.Request.Context(), payments.RefundRequest{
		OriginalOperationID: req.OperationID,
		OperatorID:          req.OperatorID,
		Reason:              req.Reason,
		Locale:              req.Locale,
	})
	respondResult(c, res, err)
}

// POST /v1/renewals
func (h *handlers) renew(c *gin.Context) {
	var req renewalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}
	res, err := h.processor.Renew(c.Request.Context(), payments.RenewalRequest{
		UserID:      req.UserID,
		OperationID: req.OperationID,
		Plan:        req.Plan,
		Days:        req.Days,
		AmountMinor: req.AmountMinor,
		OperatorID:  req.OperatorID,
		Reason:      req.Reason,
	})
	respondResult(c, res, err)
}

func userParam(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return 0, false
	}
	return userID, true
}

func respondResult(c *gin.Context, res *payments.Result, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	if !res.Success {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": reasonCode(res.Reason), "message": res.Reason.Error()})
		return
	}
	c.JSON(http.StatusOK, resultResponse{
		Success:    true,
		NewBalance: res.NewBalance,
		RecordID:   res.RecordID,
		Replayed:   res.Replayed,
	})
}

func respondError(c *gin.Context, err error) {
	if errors.Is(err, common.ErrStorage) {
		log.WithError(err).WithField("request_id", c.GetString("request_id")).Error("Сбой хранилища в HTTP API")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again"})
		return
	}
	log.WithError(err).WithField("request_id", c.GetString("request_id")).Error("Ошибка HTTP API")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}

// reasonCode — машиночитаемый код бизнес-отказа.
func reasonCode(err error) string {
	switch {
	case errors.Is(err, common.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, common.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, common.ErrOperationConflict):
		return "operation_conflict"
	case errors.Is(err, common.ErrNotRefundable):
		return "not_refundable"
	case errors.Is(err, common.ErrUnknownPlan):
		return "unknown_plan"
	case errors.Is(err, common.ErrInvalidOperation):
		return "invalid_operation"
	}
	return "rejected"
}
