package handler

import (
	"context"
	"strconv"

	"qwallet/internal/model"
	"qwallet/internal/service"
	"qwallet/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Handler is the thin HTTP layer over the ledger services.
type Handler struct {
	walletService  *service.WalletService
	balanceService *service.BalanceService
	processor      *service.TransactionProcessor
}

func NewHandler(walletService *service.WalletService, balanceService *service.BalanceService, processor *service.TransactionProcessor) *Handler {
	return &Handler{
		walletService:  walletService,
		balanceService: balanceService,
		processor:      processor,
	}
}

// ============================================================
// Transactions
// ============================================================

// SubmitTransaction executes one transaction.
// POST /api/v1/transactions
func (h *Handler) SubmitTransaction(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.processor.Submit(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ListTransactions returns an owner's transactions, newest first.
// GET /api/v1/transactions?owner_id=xxx&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		response.ParamError(c, "owner_id is required")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	list, total, err := h.processor.ListByOwner(c.Request.Context(), ownerID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetTransaction returns the stored state for an idempotency reference.
// GET /api/v1/transactions/:reference
func (h *Handler) GetTransaction(c *gin.Context) {
	result, err := h.processor.GetByReference(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// CancelTransaction aborts a still-pending transaction.
// POST /api/v1/transactions/:reference/cancel
func (h *Handler) CancelTransaction(c *gin.Context) {
	result, err := h.processor.Cancel(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// Balances
// ============================================================

// GetBalances returns an owner's balances, optionally for one currency.
// GET /api/v1/balances/:ownerId?currency=USD
func (h *Handler) GetBalances(c *gin.Context) {
	ownerID := c.Param("ownerId")
	currency := c.Query("currency")

	if currency != "" {
		balance, err := h.balanceService.Get(c.Request.Context(), ownerID, currency)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, balance)
		return
	}

	balances, err := h.balanceService.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, balances)
}

type balanceOpRequest struct {
	Currency string          `json:"currency" binding:"required"`
	Amount   decimal.Decimal `json:"amount" binding:"required"`
}

type balanceOp func(ctx context.Context, tx *gorm.DB, ownerID, currency string, amount decimal.Decimal) (*model.Balance, error)

func (h *Handler) runBalanceOp(c *gin.Context, op balanceOp) {
	var req balanceOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	balance, err := op(c.Request.Context(), nil, c.Param("ownerId"), req.Currency, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, balance)
}

// LockBalance moves funds from available to locked.
// POST /api/v1/balances/:ownerId/lock
func (h *Handler) LockBalance(c *gin.Context) {
	h.runBalanceOp(c, h.balanceService.Lock)
}

// UnlockBalance moves funds from locked back to available.
// POST /api/v1/balances/:ownerId/unlock
func (h *Handler) UnlockBalance(c *gin.Context) {
	h.runBalanceOp(c, h.balanceService.Unlock)
}

// ============================================================
// Wallets
// ============================================================

type createWalletRequest struct {
	OwnerID    string `json:"ownerId" binding:"required"`
	Currency   string `json:"currency" binding:"required"`
	WalletType string `json:"walletType" binding:"required"`
	Name       string `json:"name"`
}

// CreateWallet registers a new wallet.
// POST /api/v1/wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	var req createWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	wallet, err := h.walletService.Create(c.Request.Context(), req.OwnerID, req.Currency, req.WalletType, req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, wallet)
}

// GetWallet returns one wallet.
// GET /api/v1/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	wallet, err := h.walletService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, wallet)
}

// ListWallets returns an owner's wallets.
// GET /api/v1/wallets?owner_id=xxx
func (h *Handler) ListWallets(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		response.ParamError(c, "owner_id is required")
		return
	}

	wallets, err := h.walletService.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, wallets)
}

type setWalletStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetWalletStatus moves a wallet through its lifecycle.
// PUT /api/v1/wallets/:id/status
func (h *Handler) SetWalletStatus(c *gin.Context) {
	var req setWalletStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	wallet, err := h.walletService.SetStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, wallet)
}

type renameWalletRequest struct {
	Name string `json:"name" binding:"required"`
}

// RenameWallet updates a wallet's display name.
// PUT /api/v1/wallets/:id/name
func (h *Handler) RenameWallet(c *gin.Context) {
	var req renameWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	wallet, err := h.walletService.Rename(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, wallet)
}
