package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeNotFound    = 404
	CodeConflict    = 409
	CodeServerError = 500
)

// Business error codes, stable across releases.
const (
	CodeInsufficientFunds       = 1001
	CodeInsufficientLockedFunds = 1002
	CodeWalletInactive          = 1003
	CodeCurrencyMismatch        = 1004
	CodeWalletNotFound          = 1005
	CodeOriginalTxnNotFound     = 1006
	CodeDuplicateWallet         = 1007
	CodeReferenceConflict       = 1008
	CodeInvalidShape            = 1009
	CodeLockTimeout             = 1010
	CodeConcurrentModification  = 1011
	CodeTransactionNotFound     = 1012
	CodeNotCancellable          = 1013
	CodeInvalidWalletTransition = 1014
	CodeStatusConflict          = 1015
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeParamError, message)
}

func NotFound(c *gin.Context, code int, message string) {
	Error(c, http.StatusNotFound, code, message)
}

func Conflict(c *gin.Context, code int, message string) {
	Error(c, http.StatusConflict, code, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, http.StatusUnprocessableEntity, code, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeServerError, message)
}
