package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"bossfight/ledger"
	"bossfight/metrics"
	"bossfight/models"
)

// BetGateway is the HTTP layer's view of the ledger client
type BetGateway interface {
	FetchRound(ctx context.Context, roundID uint64) (*models.RoundAccount, error)
	HasBet(ctx context.Context, roundID uint64, bettorWallet string) (*models.BetSummary, error)
	PrepareBetTx(ctx context.Context, roundID uint64, bettorWallet, username string, amountLamports uint64, prediction models.Prediction) (string, error)
}

// API serves the HTTP endpoints and the realtime websocket
type API struct {
	hub     *Hub
	game    GameController
	ledger  BetGateway
	metrics *metrics.Registry
	limiter *rate.Limiter
	static  string
}

// NewAPI builds the HTTP surface. staticDir may be empty to disable
// overlay file serving.
func NewAPI(hub *Hub, game GameController, gateway BetGateway, reg *metrics.Registry, staticDir string) *API {
	return &API{
		hub:     hub,
		game:    game,
		ledger:  gateway,
		metrics: reg,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		static:  staticDir,
	}
}

// Routes returns the configured mux
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/game-status", a.handleGameStatus)
	mux.HandleFunc("GET /api/current-round", a.handleCurrentRound)
	mux.HandleFunc("GET /api/betting-round/{roundId}", a.handleBettingRound)
	mux.HandleFunc("POST /api/place-bet", a.handlePlaceBet)
	mux.HandleFunc("POST /api/bet-notification", a.handleBetNotification)
	mux.HandleFunc("GET /api/bet-status/{wallet}/{roundId}", a.handleBetStatus)
	mux.HandleFunc("GET /test", a.handleTestInject)
	mux.HandleFunc("GET /status", a.handleLegacyStatus)
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /ws", a.handleWS)
	if a.static != "" {
		mux.Handle("/", http.FileServer(http.Dir(a.static)))
	}
	return mux
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	if !a.limiter.Allow() {
		a.metrics.UpgradeRejected.Inc()
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	a.hub.ServeWS(a.game, w, r)
}

func (a *API) handleGameStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.game.Snapshot())
}

func (a *API) handleCurrentRound(w http.ResponseWriter, r *http.Request) {
	snap := a.game.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"roundId":           snap.RoundID,
		"phase":             snap.Phase,
		"bettingRoundPDA":   snap.PDAs.BettingRound,
		"escrowPDA":         snap.PDAs.Escrow,
		"totalDeathBets":    snap.TotalDeathBets,
		"totalSurvivalBets": snap.TotalSurvivalBets,
		"timeRemaining":     snap.TimeRemainingMs,
	})
}

func (a *API) handleBettingRound(w http.ResponseWriter, r *http.Request) {
	roundID, err := strconv.ParseUint(r.PathValue("roundId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid round id")
		return
	}
	round, err := a.ledger.FetchRound(r.Context(), roundID)
	if err != nil {
		if errors.Is(err, ledger.ErrRoundNotFound) {
			writeError(w, http.StatusNotFound, "round not found")
			return
		}
		log.WithField("error", err).Error("Round proxy read failed")
		writeError(w, http.StatusBadGateway, "ledger read failed")
		return
	}
	writeJSON(w, http.StatusOK, round)
}

type placeBetRequest struct {
	WalletAddress string `json:"walletAddress"`
	Username      string `json:"username"`
	Amount        uint64 `json:"amount"`
	Prediction    string `json:"prediction"`
}

func (a *API) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prediction := models.Prediction(req.Prediction)
	if req.WalletAddress == "" || req.Username == "" || req.Amount == 0 || !prediction.Valid() {
		writeError(w, http.StatusBadRequest, "walletAddress, username, amount and prediction (death|survival) are required")
		return
	}

	// Phase alone is not enough: the orchestrator may not have ticked
	// past the betting deadline yet when a late bet arrives.
	snap := a.game.Snapshot()
	if !snap.AcceptingBets {
		writeError(w, http.StatusConflict, "betting is not open")
		return
	}

	existing, err := a.ledger.HasBet(r.Context(), snap.RoundID, req.WalletAddress)
	if err != nil {
		log.WithField("error", err).Error("Bet existence check failed")
		writeError(w, http.StatusBadGateway, "ledger read failed")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "bet already placed for this round")
		return
	}

	tx, err := a.ledger.PrepareBetTx(r.Context(), snap.RoundID, req.WalletAddress, req.Username, req.Amount, prediction)
	if err != nil {
		log.WithField("error", err).Error("Bet transaction build failed")
		writeError(w, http.StatusBadGateway, "failed to build transaction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction": tx,
		"roundId":     snap.RoundID,
	})
}

type betNotificationRequest struct {
	WalletAddress string `json:"walletAddress"`
	Username      string `json:"username"`
	Amount        uint64 `json:"amount"`
	Prediction    string `json:"prediction"`
}

// handleBetNotification mirrors a just-confirmed bet for UI liveness.
// Authoritative totals are refreshed from chain on fight start.
func (a *API) handleBetNotification(w http.ResponseWriter, r *http.Request) {
	var req betNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prediction := models.Prediction(req.Prediction)
	if req.WalletAddress == "" || !prediction.Valid() {
		writeError(w, http.StatusBadRequest, "walletAddress and prediction are required")
		return
	}
	a.game.NotifyBet(models.BetSummary{
		Username:       req.Username,
		Wallet:         req.WalletAddress,
		AmountLamports: req.Amount,
		Prediction:     prediction,
		Ts:             time.Now().UnixMilli(),
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleBetStatus(w http.ResponseWriter, r *http.Request) {
	roundID, err := strconv.ParseUint(r.PathValue("roundId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid round id")
		return
	}
	wallet := r.PathValue("wallet")
	bet, err := a.ledger.HasBet(r.Context(), roundID, wallet)
	if err != nil {
		log.WithField("error", err).Error("Bet status read failed")
		writeError(w, http.StatusBadGateway, "ledger read failed")
		return
	}
	if bet == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"exists": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"exists": true, "bet": bet})
}

// handleTestInject feeds a synthetic chat message through the normal
// interpretation path; it only has an effect during Fighting.
func (a *API) handleTestInject(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	msg := r.URL.Query().Get("msg")
	if user == "" || msg == "" {
		writeError(w, http.StatusBadRequest, "user and msg query params are required")
		return
	}
	a.game.InjectTest(user, msg)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleLegacyStatus is the original boss-HP snapshot endpoint
func (a *API) handleLegacyStatus(w http.ResponseWriter, r *http.Request) {
	snap := a.game.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bossHP":      snap.BossHP,
		"maxHP":       snap.MaxHP,
		"phase":       snap.Phase,
		"subscribers": a.hub.ClientCount(),
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("error", err).Error("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
