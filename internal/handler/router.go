package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter wires the HTTP surface.
func SetupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		transactions := api.Group("/transactions")
		{
			transactions.POST("", h.SubmitTransaction)
			transactions.GET("", h.ListTransactions)
			transactions.GET("/:reference", h.GetTransaction)
			transactions.POST("/:reference/cancel", h.CancelTransaction)
		}

		balances := api.Group("/balances")
		{
			balances.GET("/:ownerId", h.GetBalances)
			balances.POST("/:ownerId/lock", h.LockBalance)
			balances.POST("/:ownerId/unlock", h.UnlockBalance)
		}

		wallets := api.Group("/wallets")
		{
			wallets.POST("", h.CreateWallet)
			wallets.GET("", h.ListWallets)
			wallets.GET("/:id", h.GetWallet)
			wallets.PUT("/:id/status", h.SetWalletStatus)
			wallets.PUT("/:id/name", h.RenameWallet)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
