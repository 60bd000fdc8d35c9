// Package api is the HTTP session layer: it validates raw requests, calls
// into the matching engine with normalized order descriptors, and serializes
// outcomes back to the client.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crossex/cross/internal/auth"
	"github.com/crossex/cross/internal/engine"
	"github.com/crossex/cross/internal/ledger"
	"github.com/crossex/cross/internal/models"
	"github.com/crossex/cross/internal/notify"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	Ledger *ledger.Ledger
	Auth   *auth.Service
	Hub    *notify.Hub
	Log    zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(eng *engine.Engine, led *ledger.Ledger, authService *auth.Service, hub *notify.Hub, logger zerolog.Logger) *Handler {
	return &Handler{Engine: eng, Ledger: led, Auth: authService, Hub: hub, Log: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Register handles user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusConflict, "failed to register user")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login and returns a session token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAlreadyLoggedIn):
		writeError(w, http.StatusConflict, "user already logged in")
	case err != nil:
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

// Logout releases the account's session slot.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.Auth.Logout(userID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// UpdateCredentials changes an account's password. The account must not have
// an active session.
func (h *Handler) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.Auth.UpdateCredentials(r.Context(), req.Username, req.OldPassword, req.NewPassword)
	switch {
	case errors.Is(err, auth.ErrAlreadyLoggedIn):
		writeError(w, http.StatusConflict, "user currently logged in")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "username/old password mismatch")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "credentials updated"})
	}
}

// PlaceOrder submits a limit, market, or stop order to the engine.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Side  string `json:"side"`
		Kind  string `json:"kind"`
		Size  int64  `json:"size"`
		Price int64  `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	side, kind := models.Side(req.Side), models.Kind(req.Kind)
	if !side.Valid() {
		writeError(w, http.StatusBadRequest, "side must be 'ask' or 'bid'")
		return
	}
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be 'limit', 'market', or 'stop'")
		return
	}
	if req.Size <= 0 {
		writeError(w, http.StatusBadRequest, "size must be positive")
		return
	}
	if kind != models.Market && req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}

	out, err := h.Engine.Submit(r.Context(), engine.Request{
		UserID: userID,
		Side:   side,
		Kind:   kind,
		Size:   req.Size,
		Price:  req.Price,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.Log.Info().
		Str("request_id", RequestID(r.Context())).
		Int64("user_id", userID).
		Str("side", req.Side).
		Str("kind", req.Kind).
		Str("status", string(out.Status)).
		Msg("order request handled")
	if out.Status == engine.StatusRejected {
		writeJSON(w, http.StatusUnprocessableEntity, out)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// CancelOrder cancels a resting order owned by the caller.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	if err := h.Engine.Cancel(r.Context(), orderID, userID); err != nil {
		writeError(w, http.StatusNotFound, "order does not exist, belongs to a different user, or has already been finalized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "order cancelled"})
}

// GetOrderBook returns both book sides in priority order.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	asks, bids := h.Engine.Books()
	writeJSON(w, http.StatusOK, map[string]any{
		"asks": asks,
		"bids": bids,
	})
}

// dayJSON renders a day's aggregates, with the "none" sentinel for days
// without executions.
type dayJSON struct {
	Day   int `json:"day"`
	Open  any `json:"open"`
	Close any `json:"close"`
	Min   any `json:"min"`
	Max   any `json:"max"`
}

func renderDay(d models.DayStats) dayJSON {
	if d.Empty {
		return dayJSON{Day: d.Day, Open: "none", Close: "none", Min: "none", Max: "none"}
	}
	return dayJSON{Day: d.Day, Open: d.Open, Close: d.Close, Min: d.Min, Max: d.Max}
}

// GetPriceHistory returns per-day open/close/min/max aggregates for every day
// of the requested month. The month token uses the "Jan2006" format.
func (h *Handler) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("month")
	month, err := time.Parse("Jan2006", token)
	if err != nil {
		writeError(w, http.StatusBadRequest, "month must be in MonYYYY format, e.g. Jan2025")
		return
	}

	history := h.Ledger.MonthHistory(month.Year(), month.Month())
	days := make([]dayJSON, 0, len(history))
	for _, d := range history {
		days = append(days, renderDay(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"month": token,
		"days":  days,
	})
}

// GetUserTrades returns the caller's executed fragments.
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	trades := []models.Fragment{}
	for _, f := range h.Ledger.Fragments() {
		if f.UserID == userID {
			trades = append(trades, f)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// Notifications upgrades the connection to a websocket and attaches it to the
// notification hub. The session token is passed as a query parameter because
// browsers cannot set headers on websocket requests.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Auth.UserFromToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	h.Hub.Attach(userID, conn)
	h.Log.Info().Int64("user_id", userID).Msg("notification channel attached")

	// Hold the connection open; any read error means the client went away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.Hub.Detach(userID, conn)
			conn.Close()
			return
		}
	}
}
