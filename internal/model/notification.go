package model

import "encoding/json"

// AlertType labels the strategy event behind a notification.
type AlertType string

const (
	AlertBullishCross    AlertType = "BULLISH_CROSS"
	AlertBearishCross    AlertType = "BEARISH_CROSS"
	AlertBandTouch       AlertType = "BAND_TOUCH"
	AlertAVWAPBreakout   AlertType = "AVWAP_BREAKOUT"
	AlertAVWAPBreakdown  AlertType = "AVWAP_BREAKDOWN"
	AlertStochOversold   AlertType = "STOCH_RSI_OVERSOLD"
	AlertStochOverbought AlertType = "STOCH_RSI_OVERBOUGHT"
)

// NotificationStatus is the delivery state of a notification row.
type NotificationStatus string

const (
	NotifyPending NotificationStatus = "pending"
	NotifySent    NotificationStatus = "sent"
	NotifyFailed  NotificationStatus = "failed"
)

// Button is one inline deep-link button attached to a notification.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Notification is one outbound alert, journaled before delivery and
// updated with the transport outcome. Sends are single-shot: a failed
// row stays failed and is not re-driven.
type Notification struct {
	ID           string             `json:"id"`
	Source       string             `json:"source"` // emitting component, e.g. "alert-engine"
	ChatGroup    string             `json:"chat_group"`
	Content      string             `json:"content"`
	Status       NotificationStatus `json:"status"`
	TokenAddress string             `json:"token_address"`
	Timeframe    Timeframe          `json:"timeframe"`
	StrategyType AlertType          `json:"strategy_type"`
	Buttons      []Button           `json:"buttons,omitempty"`
	CreatedAt    int64              `json:"created_at"`
	SentAt       int64              `json:"sent_at,omitempty"`
	ErrorDetails string             `json:"error_details,omitempty"`
}

// ButtonsJSON returns the buttons serialized for the store.
func (n *Notification) ButtonsJSON() string {
	if len(n.Buttons) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(n.Buttons)
	return string(b)
}

// JSON returns the JSON-encoded notification.
func (n *Notification) JSON() []byte {
	b, _ := json.Marshal(n)
	return b
}
