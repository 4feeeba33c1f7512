package rest

// SyncStatusResponse describes the synchronization state of a tracked wallet.
type SyncStatusResponse struct {
	Address string  `json:"address"`
	State   string  `json:"state"`
	EventID *uint64 `json:"event_id,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// BalanceResponse reports the spendable and locked balances of a wallet.
// Values are decimal strings since balances can exceed uint64.
type BalanceResponse struct {
	Address   string `json:"address"`
	Available string `json:"available"`
	Pending   string `json:"pending"`
}

// DustTokenResponse describes a single fee token and its accrued value.
type DustTokenResponse struct {
	Nullifier     string `json:"nullifier"`
	CurrentValue  string `json:"current_value"`
	Capacity      string `json:"capacity"`
	RatePerSecond string `json:"rate_per_second"`
	AtCapacity    bool   `json:"at_capacity"`
}

// DustResponse reports the dust balance of a wallet at a point in time.
type DustResponse struct {
	Address string              `json:"address"`
	At      int64               `json:"at"`
	Total   string              `json:"total"`
	Tokens  []DustTokenResponse `json:"tokens"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
