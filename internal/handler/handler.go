// Package handler содержит HTTP-обработчики API сервиса authgate.
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/authgate-system/internal/clock"
	"github.com/mmeshcher/authgate-system/internal/middleware"
	"github.com/mmeshcher/authgate-system/internal/model"
	"github.com/mmeshcher/authgate-system/internal/repository"
	"github.com/mmeshcher/authgate-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Authenticate(ctx context.Context, req service.AuthRequest) (*model.AuthResult, error)
	ValidateCode(ctx context.Context, code string) (*model.CodeValidation, error)
	GetAccess(ctx context.Context, userID int64) (*model.AccessRecord, error)
	GetAnalytics(ctx context.Context, from, to time.Time) (*model.Analytics, error)
}

// Handler реализует HTTP-обработчики API сервиса authgate.
type Handler struct {
	service Service
	logger  *zap.Logger
	session *middleware.SessionMiddleware
	clock   clock.Clock
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, session *middleware.SessionMiddleware, clk clock.Clock) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
		session: session,
		clock:   clk,
	}
}

type loginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	PromoCode string `json:"promo_code,omitempty"`
	VipCode   string `json:"vip_code,omitempty"`
}

// Login выполняет аутентификацию пользователя и устанавливает cookie сессии.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.Authenticate(r.Context(), service.AuthRequest{
		Email:     req.Email,
		Password:  req.Password,
		PromoCode: req.PromoCode,
		VipCode:   req.VipCode,
		RemoteIP:  remoteIP(r),
		SessionID: newSessionID(),
	})
	if err != nil {
		h.logger.Error("authenticate error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	switch {
	case result.RateLimited:
		if result.RetryAfter != nil {
			secs := int(result.RetryAfter.Sub(h.clock.Now()).Seconds())
			if secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
		writeJSON(w, http.StatusTooManyRequests, result)
	case !result.Success:
		writeJSON(w, http.StatusUnauthorized, result)
	default:
		h.session.SetSessionCookie(w, result.UserID)
		writeJSON(w, http.StatusOK, result)
	}
}

type validateCodeRequest struct {
	Code string `json:"code"`
}

// ValidateCode проверяет промокод без его погашения.
func (h *Handler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	var req validateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Code == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.ValidateCode(r.Context(), req.Code)
	if err != nil {
		h.logger.Error("validate code error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type accessResponse struct {
	UserID      int64          `json:"user_id"`
	Email       string         `json:"email"`
	AccessLevel string         `json:"access_level"`
	IsVip       bool           `json:"is_vip"`
	Benefits    map[string]any `json:"benefits"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	UpdatedAt   string         `json:"updated_at"`
}

// GetAccess возвращает запись о доступе текущего пользователя.
func (h *Handler) GetAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	rec, err := h.service.GetAccess(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccessNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get access error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, accessResponse{
		UserID:      rec.UserID,
		Email:       rec.Email,
		AccessLevel: string(rec.AccessLevel),
		IsVip:       rec.IsVip,
		Benefits:    rec.Benefits,
		Metadata:    rec.Metadata,
		UpdatedAt:   rec.UpdatedAt.Format(time.RFC3339),
	})
}

// GetAnalytics возвращает агрегаты журнала аудита за указанный период.
// Параметры from и to принимаются в формате RFC3339; по умолчанию берутся
// последние сутки.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	to := h.clock.Now()
	from := to.Add(-24 * time.Hour)

	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		to = t
		from = to.Add(-24 * time.Hour)
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		from = t
	}

	analytics, err := h.service.GetAnalytics(r.Context(), from, to)
	if err != nil {
		h.logger.Error("get analytics error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, analytics)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// remoteIP извлекает адрес клиента: первый элемент X-Forwarded-For, если
// заголовок выставлен обратным прокси, иначе адрес соединения.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
