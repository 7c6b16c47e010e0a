package notification

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/obscurainvera/onchain-sub000/internal/alert"
	"github.com/obscurainvera/onchain-sub000/internal/model"
	"github.com/obscurainvera/onchain-sub000/internal/session"
)

// Composer turns strategy events into journal-ready notification rows.
// Content stays plain text; transports do their own escaping.
type Composer struct {
	source    string
	chatGroup string
}

// NewComposer creates a composer targeting the given chat group.
func NewComposer(chatGroup string) *Composer {
	return &Composer{source: "alert-engine", chatGroup: chatGroup}
}

// Compose builds the pending notification for one event. marketCap is
// optional; a nil value just drops the line.
func (c *Composer) Compose(ev alert.Event, tok *model.Token, marketCap *float64) *model.Notification {
	bar := &ev.Bar
	var b strings.Builder

	head := headline(ev.Type)
	if ev.PairLabel != "" {
		head += " " + ev.PairLabel
	}
	if ev.TouchedBand != "" {
		head += " @ " + ev.TouchedBand
	}
	b.WriteString(head + "\n")
	fmt.Fprintf(&b, "%s (%s) %s\n", tok.Symbol, bar.Timeframe, shorten(tok.TokenAddress))

	fmt.Fprintf(&b, "Price %s", bar.Close)
	if marketCap != nil {
		fmt.Fprintf(&b, " | MCap %s", formatUSD(*marketCap))
	}
	b.WriteString("\n")

	if line := joinCells(cell("EMA12", bar.EMA12), cell("EMA21", bar.EMA21), cell("EMA34", bar.EMA34)); line != "" {
		b.WriteString(line + "\n")
	}
	if line := joinCells(decCell("VWAP", bar.VWAP), decCell("AVWAP", bar.AVWAP)); line != "" {
		b.WriteString(line + "\n")
	}
	if line := joinCells(cell("RSI", bar.RSI), cell("K", bar.StochK), cell("D", bar.StochD)); line != "" {
		b.WriteString(line + "\n")
	}
	b.WriteString(session.Timestamp(bar.UnixTime))

	return &model.Notification{
		ID:           uuid.NewString(),
		Source:       c.source,
		ChatGroup:    c.chatGroup,
		Content:      b.String(),
		Status:       model.NotifyPending,
		TokenAddress: tok.TokenAddress,
		Timeframe:    bar.Timeframe,
		StrategyType: ev.Type,
		Buttons:      buttons(tok),
		CreatedAt:    time.Now().Unix(),
	}
}

func headline(t model.AlertType) string {
	switch t {
	case model.AlertBullishCross:
		return "🟢 Bullish cross"
	case model.AlertBearishCross:
		return "🔴 Bearish cross"
	case model.AlertBandTouch:
		return "🎯 Band touch"
	case model.AlertAVWAPBreakout:
		return "🚀 AVWAP breakout"
	case model.AlertAVWAPBreakdown:
		return "⚠️ AVWAP breakdown"
	case model.AlertStochOversold:
		return "📉 Stoch-RSI oversold"
	case model.AlertStochOverbought:
		return "📈 Stoch-RSI overbought"
	}
	return string(t)
}

// buttons builds the deep-link row for a token: vendor chart pages
// keyed by pair and token address.
func buttons(tok *model.Token) []model.Button {
	return []model.Button{
		{Text: "DexScreener", URL: fmt.Sprintf("https://dexscreener.com/%s/%s", tok.Chain, tok.PairAddress)},
		{Text: "Birdeye", URL: fmt.Sprintf("https://birdeye.so/token/%s?chain=%s", tok.TokenAddress, tok.Chain)},
	}
}

func cell(label string, v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%s %.4f", label, *v)
}

func decCell(label string, v *decimal.Decimal) string {
	if v == nil {
		return ""
	}
	return label + " " + v.String()
}

func joinCells(cells ...string) string {
	var kept []string
	for _, c := range cells {
		if c != "" {
			kept = append(kept, c)
		}
	}
	return strings.Join(kept, " | ")
}

// shorten elides the middle of a long address for display.
func shorten(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// formatUSD renders a market cap with the usual K/M/B suffixes.
func formatUSD(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("$%.2fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.2fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("$%.2fK", v/1e3)
	}
	return fmt.Sprintf("$%.2f", v)
}
