// Package notify mirrors engine events to Telegram. The sink is a pure
// observer: delivery failures are logged and never reach the trading
// path, and a missing token or chat id turns every send into a no-op.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/events"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram posts messages to a single chat via the Bot API
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewTelegram creates a Telegram sink. With an empty token or chat id
// the sink stays disabled and Send does nothing.
func NewTelegram(token, chatID string, log zerolog.Logger) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: defaultAPIBase,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "notify").Logger(),
	}
}

// Enabled reports whether the sink has credentials to deliver anything
func (t *Telegram) Enabled() bool {
	return t.token != "" && t.chatID != ""
}

// Attach subscribes the sink to the event types it mirrors. Handlers
// hand off to a goroutine so delivery never blocks an emitter.
func (t *Telegram) Attach(bus *events.Bus) {
	bus.Subscribe(events.TradeExecuted, func(e *events.Event) {
		go t.Send(tradeMessage(e.Data))
	})
	bus.Subscribe(events.ExecutionFailed, func(e *events.Event) {
		go t.Send(fmt.Sprintf("❌ <b>Order failed</b>: %v %v\n%v",
			e.Data["side"], e.Data["symbol"], e.Data["error"]))
	})
	bus.Subscribe(events.RiskVeto, func(e *events.Event) {
		go t.Send(fmt.Sprintf("🛑 <b>Order vetoed</b>: %v\n%v %v — %v",
			e.Data["reason"], e.Data["side"], e.Data["symbol"], e.Data["detail"]))
	})
	bus.Subscribe(events.CircuitBreakerTripped, func(e *events.Event) {
		go t.Send(fmt.Sprintf("⛔ <b>Circuit breaker tripped</b>: %v\nAll trading halted until manual reset.",
			e.Data["reason"]))
	})
	bus.Subscribe(events.CircuitBreakerReset, func(e *events.Event) {
		go t.Send("✅ <b>Circuit breaker reset</b>, trading resumed")
	})
	bus.Subscribe(events.StrategyStatusChanged, func(e *events.Event) {
		if status, _ := e.Data["status"].(string); status != "ERROR" {
			return
		}
		go t.Send(fmt.Sprintf("⚠️ <b>Strategy %v moved to ERROR</b>: %v",
			e.Data["strategy_id"], e.Data["reason"]))
	})
}

// DailySummary posts the once-a-day account digest
func (t *Telegram) DailySummary(equity, pnl24h float64, openPositions int) {
	arrow := "📈"
	if pnl24h < 0 {
		arrow = "📉"
	}
	t.Send(fmt.Sprintf("%s <b>Daily summary</b>\nEquity: %.2f USDT\n24h PnL: %+.2f USDT\nOpen positions: %d",
		arrow, equity, pnl24h, openPositions))
}

// Send posts one HTML-formatted message. Failures are logged, never
// returned: nothing upstream can act on them.
func (t *Telegram) Send(text string) {
	if !t.Enabled() {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		t.log.Error().Err(err).Msg("Failed to encode telegram payload")
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.log.Warn().Err(err).Msg("Telegram delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.log.Warn().Int("status", resp.StatusCode).Msg("Telegram API rejected message")
	}
}

func tradeMessage(data map[string]interface{}) string {
	side, _ := data["side"].(string)
	emoji := "🟢"
	if side == "SELL" {
		emoji = "🔴"
	}
	return fmt.Sprintf("%s <b>%v %v</b>\nAmount: %v @ %v\nValue: %v USDT (fee %v)\nStrategy %v — %v",
		emoji, side, data["symbol"], data["amount"], data["price"],
		data["value"], data["fee"], data["strategy_id"], data["reason"])
}
