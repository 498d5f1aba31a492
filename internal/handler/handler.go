package handler

import (
	"errors"
	"strconv"

	"transferd/internal/service"
	"transferd/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	accountService  *service.AccountService
	transferService *service.TransferService
	logger          *zap.Logger
}

func NewHandler(accountService *service.AccountService, transferService *service.TransferService, logger *zap.Logger) *Handler {
	return &Handler{
		accountService:  accountService,
		transferService: transferService,
		logger:          logger.Named("http"),
	}
}

// ============================================================
// Accounts
// ============================================================

type OpenAccountRequest struct {
	AccountID string `json:"account_id" binding:"required"`
}

// OpenAccount
// POST /api/v1/account/open
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid parameters: "+err.Error())
		return
	}

	account, err := h.accountService.OpenAccount(c.Request.Context(), req.AccountID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id": account.AccountID,
		"created_at": account.CreatedAt,
	})
}

// Deposit seeds funds with a single credit entry.
// POST /api/v1/account/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req service.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid parameters: "+err.Error())
		return
	}

	entry, err := h.accountService.Deposit(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"entry_no": entry.EntryNo,
		"amount":   entry.Amount,
	})
}

// GetBalance
// GET /api/v1/account/balance?account_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id is required")
		return
	}

	balance, err := h.accountService.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id": accountID,
		"balance":    balance,
	})
}

// ListEntries
// GET /api/v1/account/entries?account_id=xxx&page=1&page_size=20
func (h *Handler) ListEntries(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id is required")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, err := h.accountService.ListEntries(c.Request.Context(), accountID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":  entries,
		"total": total,
		"page":  page,
	})
}

// ============================================================
// Transfers
// ============================================================

// SubmitTransfer answers 202 with the job id; the outcome is polled through
// GetJobStatus.
// POST /api/v1/transfer/submit
func (h *Handler) SubmitTransfer(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid parameters: "+err.Error())
		return
	}

	resp, err := h.transferService.SubmitTransfer(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Accepted(c, resp)
}

// GetJobStatus
// GET /api/v1/transfer/status?job_id=xxx
func (h *Handler) GetJobStatus(c *gin.Context) {
	jobID := c.Query("job_id")
	if jobID == "" {
		response.ParamError(c, "job_id is required")
		return
	}

	status, err := h.transferService.GetJobStatus(c.Request.Context(), jobID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, status)
}

type CancelTransferRequest struct {
	JobID string `json:"job_id" binding:"required"`
}

// CancelTransfer
// POST /api/v1/transfer/cancel
func (h *Handler) CancelTransfer(c *gin.Context) {
	var req CancelTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid parameters: "+err.Error())
		return
	}

	if err := h.transferService.CancelTransfer(c.Request.Context(), req.JobID); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"job_id": req.JobID,
		"status": "cancelled",
	})
}

// fail maps service errors onto response codes. Anything unknown is a
// server error and gets logged.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrAmountPrecision):
		response.BusinessError(c, response.CodeInvalidAmount, err.Error())
	case errors.Is(err, service.ErrSameAccount):
		response.BusinessError(c, response.CodeSameAccount, err.Error())
	case errors.Is(err, service.ErrInvalidAccount):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, err.Error())
	case errors.Is(err, service.ErrJobNotFound):
		response.BusinessError(c, response.CodeJobNotFound, err.Error())
	case errors.Is(err, service.ErrJobNotCancelable):
		response.BusinessError(c, response.CodeJobNotCancelable, err.Error())
	case errors.Is(err, service.ErrServiceStopping):
		response.BusinessError(c, response.CodeServiceStopping, err.Error())
	default:
		h.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		response.ServerError(c, "internal server error")
	}
}
