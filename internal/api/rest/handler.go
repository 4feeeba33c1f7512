package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/duskwallet/wallet-sync/internal/adapter"
	"github.com/duskwallet/wallet-sync/internal/domain"
	"github.com/duskwallet/wallet-sync/internal/dust"
	"github.com/duskwallet/wallet-sync/internal/orchestrator"
	"github.com/duskwallet/wallet-sync/internal/utxo"
)

// Handler defines the interface for REST API handlers
type Handler interface {
	// GetSyncStatus reports the synchronization state of a tracked wallet
	// GET /api/v1/sync/:address
	GetSyncStatus(c *gin.Context)

	// GetBalance reports the available and pending balances of a wallet
	// GET /api/v1/balance/:address
	GetBalance(c *gin.Context)

	// GetDust reports the accrued dust balance of a wallet
	// GET /api/v1/dust/:address?at=<unix seconds, defaults to now>
	GetDust(c *gin.Context)

	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)
}

// handler implements the Handler interface
type handler struct {
	manager *orchestrator.Manager
	machine *utxo.Machine
	clock   adapter.Clock
}

// NewHandler creates a new REST API handler
func NewHandler(manager *orchestrator.Manager, machine *utxo.Machine, clock adapter.Clock) Handler {
	return &handler{
		manager: manager,
		machine: machine,
		clock:   clock,
	}
}

// GetSyncStatus reports the synchronization state of a tracked wallet
func (h *handler) GetSyncStatus(c *gin.Context) {
	address := c.Param("address")
	if address == "" {
		respondBadRequest(c, "Wallet address is required")
		return
	}

	o, ok := h.manager.Lookup(address)
	if !ok {
		respondNotFound(c, "Wallet is not being synchronized")
		return
	}

	response := SyncStatusResponse{Address: address}
	switch state := o.State().(type) {
	case domain.SyncConnecting:
		response.State = "connecting"
	case domain.SyncSyncing:
		response.State = "syncing"
		id := state.ProcessedID
		response.EventID = &id
	case domain.SyncSynced:
		response.State = "synced"
		id := state.HighestID
		response.EventID = &id
	case domain.SyncFailed:
		response.State = "failed"
		response.Error = state.Message
	}

	c.JSON(http.StatusOK, response)
}

// GetBalance reports the available and pending balances of a wallet
func (h *handler) GetBalance(c *gin.Context) {
	address := c.Param("address")
	if address == "" {
		respondBadRequest(c, "Wallet address is required")
		return
	}

	available, err := h.machine.AvailableBalance(c.Request.Context(), address)
	if err != nil {
		respondInternalError(c, err, "Failed to compute available balance")
		return
	}

	pending, err := h.machine.PendingBalance(c.Request.Context(), address)
	if err != nil {
		respondInternalError(c, err, "Failed to compute pending balance")
		return
	}

	c.JSON(http.StatusOK, BalanceResponse{
		Address:   address,
		Available: available.String(),
		Pending:   pending.String(),
	})
}

// GetDust reports the accrued dust balance of a wallet
func (h *handler) GetDust(c *gin.Context) {
	address := c.Param("address")
	if address == "" {
		respondBadRequest(c, "Wallet address is required")
		return
	}

	at := h.clock.Now()
	if raw := c.Query("at"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondBadRequest(c, "Invalid 'at' parameter", "must be a unix timestamp in seconds")
			return
		}
		at = time.Unix(seconds, 0).UTC()
	}

	tokens, err := h.machine.AvailableFeeTokens(c.Request.Context(), address)
	if err != nil {
		respondInternalError(c, err, "Failed to list fee tokens")
		return
	}

	response := DustResponse{
		Address: address,
		At:      at.Unix(),
		Tokens:  make([]DustTokenResponse, 0, len(tokens)),
	}

	snapshot := make([]domain.FeeToken, 0, len(tokens))
	for _, token := range tokens {
		snapshot = append(snapshot, *token)
		response.Tokens = append(response.Tokens, DustTokenResponse{
			Nullifier:     token.Nullifier,
			CurrentValue:  dust.CurrentValue(token, at).String(),
			Capacity:      token.Capacity.String(),
			RatePerSecond: token.RatePerSecond.String(),
			AtCapacity:    dust.IsAtCapacity(token, at),
		})
	}
	response.Total = dust.TotalBalance(snapshot, at).String()

	c.JSON(http.StatusOK, response)
}

// HealthCheck returns the health status of the API
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}
