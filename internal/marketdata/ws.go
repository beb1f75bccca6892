package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/exosim/control-plane/internal/domain"
	"github.com/exosim/control-plane/internal/rpc"
)

// barIngestRequest is the HTTP boundary DTO for the upstream bar feed —
// the external collaborator spec.md treats as out of scope; this endpoint
// is only the seam where a real feed adapter would plug in.
type barIngestRequest struct {
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	VWAP       float64   `json:"vwap"`
	VWAS       float64   `json:"vwas"`
	VWAV       float64   `json:"vwav"`
	Volume     int64     `json:"volume"`
	TradeCount int64     `json:"trade_count"`
	Currency   string    `json:"currency"`
}

const ingestDecimalScale = 8

// Router builds the exchange worker's HTTP surface: /healthz, /readyz, the
// subscriber WebSocket at /ws, and the upstream-bar ingest seam at
// /ingest — chi wiring matches the teacher's handlers.RegisterRoutes shape.
func (m *Multiplexer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", m.handleHealthz)
	r.Get("/readyz", m.handleHealthz)
	r.Get("/ws", m.handleWS)
	r.Post("/ingest", m.handleIngest)
	return r
}

func (m *Multiplexer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"subscribers_count": m.SubscriberCount(),
	})
}

// handleIngest accepts a batch of upstream bars as JSON and feeds them into
// OnUpstreamBar, standing in for whatever real upstream bar feed a
// production deployment would subscribe to instead.
func (m *Multiplexer) handleIngest(w http.ResponseWriter, r *http.Request) {
	var reqs []barIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid batch payload"})
		return
	}

	batch := make([]domain.MarketDataBar, len(reqs))
	for i, req := range reqs {
		batch[i] = domain.MarketDataBar{
			Timestamp:  req.Timestamp,
			Symbol:     req.Symbol,
			Open:       domain.DecimalFromFloat64(req.Open, ingestDecimalScale),
			High:       domain.DecimalFromFloat64(req.High, ingestDecimalScale),
			Low:        domain.DecimalFromFloat64(req.Low, ingestDecimalScale),
			Close:      domain.DecimalFromFloat64(req.Close, ingestDecimalScale),
			VWAP:       domain.DecimalFromFloat64(req.VWAP, ingestDecimalScale),
			VWAS:       domain.DecimalFromFloat64(req.VWAS, ingestDecimalScale),
			VWAV:       domain.DecimalFromFloat64(req.VWAV, ingestDecimalScale),
			Volume:     req.Volume,
			TradeCount: req.TradeCount,
			Currency:   req.Currency,
		}
	}

	m.OnUpstreamBar(r.Context(), batch)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "accepted": len(batch)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleWS upgrades to a WebSocket subscriber connection. The client sends
// one msgpack-encoded rpc.Envelope{Kind: subscribe} frame to register its
// symbol set, then receives a stream of rpc.Envelope{Kind: update} frames
// until it disconnects.
func (m *Multiplexer) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusInternalError, "internal error")

	ctx := r.Context()

	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		subscriberID = r.RemoteAddr
	}

	var symbols []string
	var firstEnv rpc.Envelope
	if _, data, readErr := c.Read(ctx); readErr == nil {
		if err := msgpack.Unmarshal(data, &firstEnv); err == nil && firstEnv.Subscribe != nil {
			symbols = firstEnv.Subscribe.Symbols
		}
	}

	updates, err := m.Subscribe(ctx, subscriberID, symbols)
	if err != nil {
		c.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer m.Unsubscribe(subscriberID)

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case update, ok := <-updates:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			env := rpc.Envelope{Kind: rpc.KindUpdate, Update: &update}
			payload, err := msgpack.Marshal(env)
			if err != nil {
				m.log.Error().Err(err).Msg("failed to marshal outbound envelope")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, m.sendDeadline)
			err = c.Write(writeCtx, websocket.MessageBinary, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
