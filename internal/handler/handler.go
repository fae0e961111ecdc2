// Package handler содержит HTTP-обработчики API реферальной системы.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/referral-system/internal/middleware"
	"github.com/mmeshcher/referral-system/internal/model"
	"github.com/mmeshcher/referral-system/internal/refcode"
	"github.com/mmeshcher/referral-system/internal/repository"
	"github.com/mmeshcher/referral-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, name, email, password string, referrerCode *string) (*model.User, error)
	AuthenticateUser(ctx context.Context, email, password string) (int64, error)
	RegisterClick(ctx context.Context, code, remoteAddr string) error
	CreateOrder(ctx context.Context, amount float64, code string, buyerEmail *string) (*service.OrderResult, error)
	GetStatsByCode(ctx context.Context, code string) (*model.CodeStats, error)
	GetUserStats(ctx context.Context, userID int64) (*service.UserStats, error)
}

// Handler реализует HTTP-обработчики API реферальной системы.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type signupRequest struct {
	Name         string  `json:"name"`
	Email        string  `json:"email"`
	Password     string  `json:"password"`
	ReferrerCode *string `json:"referrerCode,omitempty"`
}

type signupResponse struct {
	UserID       int64  `json:"userId"`
	ReferralCode string `json:"referralCode"`
	Token        string `json:"token"`
}

// Signup обрабатывает регистрацию нового пользователя.
// Код пригласившего необязателен и проверяется только синтаксически.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch {
	case req.Name == "":
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	case req.Email == "":
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	case req.Password == "":
		http.Error(w, "password is required", http.StatusBadRequest)
		return
	}

	if req.ReferrerCode != nil && !refcode.IsValid(*req.ReferrerCode) {
		http.Error(w, "referrerCode is malformed", http.StatusBadRequest)
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req.Name, req.Email, req.Password, req.ReferrerCode)
	if err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			http.Error(w, "email already registered", http.StatusConflict)
			return
		}
		h.logger.Error("signup error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	token, err := h.authMiddleware.IssueToken(u.ID)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, token)
	writeJSON(w, h.logger, signupResponse{
		UserID:       u.ID,
		ReferralCode: u.ReferralCode,
		Token:        token,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login выполняет аутентификацию пользователя и выдаёт токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	token, err := h.authMiddleware.IssueToken(userID)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, token)
	writeJSON(w, h.logger, loginResponse{Token: token})
}

// Click записывает переход по реферальной ссылке.
// Существование кода не проверяется: журнал переходов append-only.
func (h *Handler) Click(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	if err := h.service.RegisterClick(r.Context(), code, r.RemoteAddr); err != nil {
		h.logger.Error("register click error", zap.Error(err), zap.String("code", code))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type orderRequest struct {
	Amount     *float64 `json:"amount"`
	Code       string   `json:"code"`
	BuyerEmail *string  `json:"buyerEmail,omitempty"`
}

type payoutResponse struct {
	UserID int64   `json:"userId"`
	Level  int     `json:"level"`
	Amount float64 `json:"amount"`
}

type orderResponse struct {
	OrderID int64            `json:"orderId"`
	Amount  float64          `json:"amount"`
	Code    string           `json:"code"`
	Payouts []payoutResponse `json:"payouts"`
}

// CreateOrder принимает заказ, привязанный к реферальному коду, и возвращает
// распределённые по нему выплаты.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Amount == nil {
		http.Error(w, "amount is required", http.StatusBadRequest)
		return
	}
	if *req.Amount < 0 {
		http.Error(w, "amount must not be negative", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	res, err := h.service.CreateOrder(r.Context(), *req.Amount, req.Code, req.BuyerEmail)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, "unknown referral code", http.StatusNotFound)
			return
		}
		h.logger.Error("create order error", zap.Error(err), zap.String("code", req.Code))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	payouts := make([]payoutResponse, 0, len(res.Payouts))
	for _, p := range res.Payouts {
		payouts = append(payouts, payoutResponse{
			UserID: p.UserID,
			Level:  p.Level,
			Amount: float64(p.AmountCents) / 100,
		})
	}

	writeJSON(w, h.logger, orderResponse{
		OrderID: res.OrderID,
		Amount:  float64(res.AmountCents) / 100,
		Code:    res.Code,
		Payouts: payouts,
	})
}

type statsResponse struct {
	Code        string  `json:"code"`
	Clicks      int64   `json:"clicks"`
	Orders      int64   `json:"orders"`
	Revenue     float64 `json:"revenue"`
	Commissions float64 `json:"commissions"`
}

// GetStats возвращает агрегированную статистику по реферальному коду.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	stats, err := h.service.GetStatsByCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, "unknown referral code", http.StatusNotFound)
			return
		}
		h.logger.Error("get stats error", zap.Error(err), zap.String("code", code))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, statsResponse{
		Code:        code,
		Clicks:      stats.Clicks,
		Orders:      stats.Orders,
		Revenue:     float64(stats.RevenueCents) / 100,
		Commissions: float64(stats.CommissionCents) / 100,
	})
}

type commissionResponse struct {
	OrderID   int64   `json:"orderId"`
	Level     int     `json:"level"`
	Amount    float64 `json:"amount"`
	CreatedAt string  `json:"createdAt"`
}

type meStatsResponse struct {
	ReferralCode string               `json:"referralCode"`
	Clicks       int64                `json:"clicks"`
	Orders       int64                `json:"orders"`
	Revenue      float64              `json:"revenue"`
	Commissions  float64              `json:"commissions"`
	History      []commissionResponse `json:"history"`
}

// GetMyStats возвращает статистику текущего пользователя по его коду
// и историю его начислений.
func (h *Handler) GetMyStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stats, err := h.service.GetUserStats(r.Context(), userID)
	if err != nil {
		h.logger.Error("get user stats error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	history := make([]commissionResponse, 0, len(stats.Commissions))
	for _, c := range stats.Commissions {
		history = append(history, commissionResponse{
			OrderID:   c.OrderID,
			Level:     c.Level,
			Amount:    float64(c.AmountCents) / 100,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, h.logger, meStatsResponse{
		ReferralCode: stats.ReferralCode,
		Clicks:       stats.Stats.Clicks,
		Orders:       stats.Stats.Orders,
		Revenue:      float64(stats.Stats.RevenueCents) / 100,
		Commissions:  float64(stats.Stats.CommissionCents) / 100,
		History:      history,
	})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response error", zap.Error(err))
	}
}
