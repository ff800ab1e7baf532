package handler

import (
	"errors"

	"qwallet/internal/infrastructure/lock"
	"qwallet/internal/repository"
	"qwallet/internal/service"
	"qwallet/pkg/response"

	"github.com/gin-gonic/gin"
)

// writeError maps the service error taxonomy onto HTTP statuses and stable
// business codes. Anything unrecognized is an infrastructure failure and must
// surface as a 500, never be swallowed.
func writeError(c *gin.Context, err error) {
	switch {
	// Validation errors: caller mistake.
	case errors.Is(err, service.ErrInvalidShape),
		errors.Is(err, service.ErrInvalidFee):
		response.Error(c, 400, response.CodeInvalidShape, err.Error())
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidWalletType),
		errors.Is(err, service.ErrRefundExceedsOriginal):
		response.ParamError(c, err.Error())

	// Business-rule errors: retriable once state changes.
	case errors.Is(err, repository.ErrInsufficientFunds):
		response.BusinessError(c, response.CodeInsufficientFunds, err.Error())
	case errors.Is(err, repository.ErrInsufficientLocked):
		response.BusinessError(c, response.CodeInsufficientLockedFunds, err.Error())
	case errors.Is(err, service.ErrWalletInactive):
		response.BusinessError(c, response.CodeWalletInactive, err.Error())
	case errors.Is(err, service.ErrCurrencyMismatch):
		response.BusinessError(c, response.CodeCurrencyMismatch, err.Error())
	case errors.Is(err, service.ErrInvalidWalletTransition):
		response.BusinessError(c, response.CodeInvalidWalletTransition, err.Error())
	case errors.Is(err, service.ErrOriginalTransactionNotFound):
		response.BusinessError(c, response.CodeOriginalTxnNotFound, err.Error())
	case errors.Is(err, service.ErrNotCancellable):
		response.BusinessError(c, response.CodeNotCancellable, err.Error())
	case errors.Is(err, repository.ErrWalletNotFound):
		response.NotFound(c, response.CodeWalletNotFound, err.Error())
	case errors.Is(err, repository.ErrTransactionNotFound):
		response.NotFound(c, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, repository.ErrDuplicateWallet):
		response.Conflict(c, response.CodeDuplicateWallet, err.Error())
	case errors.Is(err, service.ErrReferenceConflict):
		response.Conflict(c, response.CodeReferenceConflict, err.Error())
	case errors.Is(err, repository.ErrInvalidStatusTransition):
		// A cancel racing a submit, or a replayed terminal write: the record
		// moved first. The current state is readable, so report a conflict.
		response.Conflict(c, response.CodeStatusConflict, err.Error())

	// Concurrency errors: transient, safe for the caller to retry.
	case errors.Is(err, lock.ErrLockTimeout):
		response.Error(c, 503, response.CodeLockTimeout, err.Error())
	case errors.Is(err, repository.ErrOptimisticLock):
		response.Error(c, 503, response.CodeConcurrentModification, err.Error())

	default:
		response.ServerError(c, err.Error())
	}
}
