package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	// DefaultStreamURL is the Binance combined-stream WebSocket endpoint
	DefaultStreamURL = "wss://stream.binance.com:9443/stream"

	dialTimeout = 30 * time.Second

	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
)

// TickerSink receives live ticker updates. The market data cache
// implements this to keep watched symbols warm.
type TickerSink interface {
	PutTicker(symbol string, ticker *Ticker24h)
}

// miniTickerFrame is one message from the combined miniTicker stream
type miniTickerFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string  `json:"e"`
		EventTime int64   `json:"E"`
		Symbol    string  `json:"s"`
		Close     float64 `json:"c,string"`
		Open      float64 `json:"o,string"`
		High      float64 `json:"h,string"`
		Low       float64 `json:"l,string"`
		Volume    float64 `json:"v,string"`
		QuoteVol  float64 `json:"q,string"`
	} `json:"data"`
}

// Warmer maintains a miniTicker WebSocket subscription for a set of
// symbols and pushes updates into the sink. The engine never depends on
// the warmer: cache misses still fetch over REST.
type Warmer struct {
	url  string
	sink TickerSink
	log  zerolog.Logger

	mu      sync.Mutex
	symbols []string
	conn    *websocket.Conn
	cancel  context.CancelFunc
	stopped bool

	stopChan chan struct{}
}

// NewWarmer creates a ticker warmer. An empty url selects the production
// stream endpoint.
func NewWarmer(url string, sink TickerSink, log zerolog.Logger) *Warmer {
	if url == "" {
		url = DefaultStreamURL
	}
	return &Warmer{
		url:      url,
		sink:     sink,
		log:      log.With().Str("component", "ticker_warmer").Logger(),
		stopChan: make(chan struct{}),
	}
}

// SetSymbols replaces the subscription set and reconnects if it changed.
// Called by the watchlist sync job.
func (w *Warmer) SetSymbols(symbols []string) {
	w.mu.Lock()
	same := len(symbols) == len(w.symbols)
	if same {
		for i := range symbols {
			if !strings.EqualFold(symbols[i], w.symbols[i]) {
				same = false
				break
			}
		}
	}
	w.symbols = append([]string(nil), symbols...)
	stopped := w.stopped
	connected := w.conn != nil
	w.mu.Unlock()

	// Only force a reconnect on a live connection. Before Start, or
	// while a reconnect loop is already running, the new set is picked
	// up by the next connect.
	if same || stopped || !connected {
		return
	}

	w.log.Info().Strs("symbols", symbols).Msg("Subscription set changed, reconnecting")
	w.disconnect()
	go w.reconnectLoop()
}

// Start connects and begins the read loop. A failed initial connection is
// retried in the background.
func (w *Warmer) Start() {
	if err := w.connect(); err != nil {
		w.log.Warn().Err(err).Msg("Initial WebSocket connection failed, will retry in background")
		go w.reconnectLoop()
		return
	}
	w.log.Info().Msg("Ticker warmer started")
}

// Stop closes the connection and halts reconnection
func (w *Warmer) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopChan)
	w.disconnect()
	w.log.Info().Msg("Ticker warmer stopped")
}

func (w *Warmer) streamURL() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.symbols) == 0 {
		return "", false
	}
	streams := make([]string, len(w.symbols))
	for i, s := range w.symbols {
		streams[i] = strings.ToLower(s) + "@miniTicker"
	}
	return fmt.Sprintf("%s?streams=%s", w.url, strings.Join(streams, "/")), true
}

func (w *Warmer) connect() error {
	wsURL, ok := w.streamURL()
	if !ok {
		return fmt.Errorf("no symbols to subscribe")
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	w.conn = conn
	w.cancel = cancel
	w.mu.Unlock()

	go w.readMessages(ctx, conn)

	w.log.Info().Str("url", wsURL).Msg("WebSocket connected")
	return nil
}

func (w *Warmer) disconnect() {
	w.mu.Lock()
	conn := w.conn
	cancel := w.cancel
	w.conn = nil
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

func (w *Warmer) readMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			default:
			}
			w.log.Warn().Err(err).Msg("WebSocket read failed, reconnecting")
			go w.reconnectLoop()
			return
		}

		var frame miniTickerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.log.Debug().Err(err).Msg("Skipping unparseable stream frame")
			continue
		}
		if frame.Data.Symbol == "" || frame.Data.Close <= 0 {
			continue
		}

		w.sink.PutTicker(frame.Data.Symbol, &Ticker24h{
			Symbol:      frame.Data.Symbol,
			LastPrice:   frame.Data.Close,
			PriceChange: frame.Data.Close - frame.Data.Open,
			PriceChangePercent: func() float64 {
				if frame.Data.Open == 0 {
					return 0
				}
				return (frame.Data.Close - frame.Data.Open) / frame.Data.Open * 100
			}(),
			HighPrice:   frame.Data.High,
			LowPrice:    frame.Data.Low,
			Volume:      frame.Data.Volume,
			QuoteVolume: frame.Data.QuoteVol,
			CloseTime:   frame.Data.EventTime,
		})
	}
}

// reconnectLoop retries the connection with capped exponential backoff
func (w *Warmer) reconnectLoop() {
	attempt := 0
	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		delay := w.backoff(attempt)
		w.log.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Attempting WebSocket reconnect")

		select {
		case <-w.stopChan:
			return
		case <-time.After(delay):
		}

		if err := w.connect(); err != nil {
			w.log.Warn().Err(err).Msg("Reconnect failed")
			attempt++
			continue
		}

		w.log.Info().Msg("WebSocket reconnected")
		return
	}
}

func (w *Warmer) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(baseReconnectDelay) * math.Pow(2, float64(attempt)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}
