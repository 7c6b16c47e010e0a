package model

// Vendor service names as stored in servicecredentials.
const (
	ServiceBirdeye = "birdeye"
	ServiceGecko   = "geckoterminal"
)

// ServiceCredential is one API key in a vendor's pool, with its credit
// budget. AvailableCredits is decremented in memory during a fetch
// session and settled back to the store as a net delta.
type ServiceCredential struct {
	ID               int64  `json:"id"`
	Service          string `json:"service"`
	APIKey           string `json:"api_key"`
	AvailableCredits int64  `json:"available_credits"`
	DefaultCredits   int64  `json:"default_credits"`
	CreditsPerCall   int64  `json:"credits_per_call"`
	IsResetAvailable bool   `json:"is_reset_available"`
	NextResetAt      int64  `json:"next_reset_at"`
	IsActive         bool   `json:"is_active"`
}
