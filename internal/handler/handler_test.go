package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/authgate-system/internal/middleware"
	"github.com/mmeshcher/authgate-system/internal/model"
	"github.com/mmeshcher/authgate-system/internal/repository"
	"github.com/mmeshcher/authgate-system/internal/service"
)

type stubService struct {
	authResult *model.AuthResult
	authErr    error
	authReq    service.AuthRequest

	validateResult *model.CodeValidation
	validateErr    error

	accessResult *model.AccessRecord
	accessErr    error

	analyticsResult *model.Analytics
	analyticsErr    error
	analyticsFrom   time.Time
	analyticsTo     time.Time
}

func (s *stubService) Authenticate(ctx context.Context, req service.AuthRequest) (*model.AuthResult, error) {
	s.authReq = req
	return s.authResult, s.authErr
}

func (s *stubService) ValidateCode(ctx context.Context, code string) (*model.CodeValidation, error) {
	return s.validateResult, s.validateErr
}

func (s *stubService) GetAccess(ctx context.Context, userID int64) (*model.AccessRecord, error) {
	return s.accessResult, s.accessErr
}

func (s *stubService) GetAnalytics(ctx context.Context, from, to time.Time) (*model.Analytics, error) {
	s.analyticsFrom = from
	s.analyticsTo = to
	return s.analyticsResult, s.analyticsErr
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	session := middleware.NewSessionMiddleware("test-secret")

	return NewHandler(svc, logger, session, fixedClock{now: testNow})
}

func TestLogin_Success(t *testing.T) {
	svc := &stubService{
		authResult: &model.AuthResult{
			Success:     true,
			UserID:      42,
			AccessLevel: model.AccessLevelFree,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(loginRequest{
		Email:    "user@example.com",
		Password: "secret",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("session cookie not set on success")
	}
	if svc.authReq.RemoteIP != "203.0.113.5" {
		t.Fatalf("remote ip = %q, want forwarded address", svc.authReq.RemoteIP)
	}
	if svc.authReq.SessionID == "" {
		t.Fatalf("session id not generated")
	}

	var result model.AuthResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Success || result.AccessLevel != model.AccessLevelFree {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{
		authResult: &model.AuthResult{Success: false, Error: "invalid email or password"},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(loginRequest{Email: "user@example.com", Password: "wrong"})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
	if len(res.Cookies()) != 0 {
		t.Fatalf("session cookie set on failed login")
	}
}

func TestLogin_RateLimited(t *testing.T) {
	retryAfter := testNow.Add(time.Minute)
	svc := &stubService{
		authResult: &model.AuthResult{
			Success:     false,
			RateLimited: true,
			RetryAfter:  &retryAfter,
			Error:       "too many attempts, please try again later",
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(loginRequest{Email: "user@example.com", Password: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusTooManyRequests)
	}
	if got := res.Header.Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want %q", got, "60")
	}

	var result model.AuthResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.RateLimited {
		t.Fatalf("rate_limited flag lost in response: %+v", result)
	}
}

func TestLogin_BadRequest(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestLogin_ServiceUnavailable(t *testing.T) {
	svc := &stubService{authErr: errors.New("store unavailable")}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(loginRequest{Email: "user@example.com", Password: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusServiceUnavailable)
	}
}

func TestValidateCode_JSONResponse(t *testing.T) {
	svc := &stubService{
		validateResult: &model.CodeValidation{
			IsValid:  true,
			Type:     model.CodeTypePromo,
			Benefits: map[string]any{"discount": float64(25)},
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(validateCodeRequest{Code: "SUMMER25"})

	req := httptest.NewRequest(http.MethodPost, "/api/codes/validate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ValidateCode(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var result model.CodeValidation
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.IsValid || result.Type != model.CodeTypePromo {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGetAccess_RequiresSession(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/access", nil)
	rec := httptest.NewRecorder()

	protected := h.session.Middleware(http.HandlerFunc(h.GetAccess))
	protected.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestGetAccess_OK(t *testing.T) {
	svc := &stubService{
		accessResult: &model.AccessRecord{
			UserID:      42,
			Email:       "user@example.com",
			AccessLevel: model.AccessLevelVip,
			IsVip:       true,
			Benefits:    map[string]any{"tier": "gold"},
			UpdatedAt:   time.Now().UTC(),
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/user/access", nil)
	rec := httptest.NewRecorder()

	h.session.SetSessionCookie(rec, 42)
	req.AddCookie(rec.Result().Cookies()[0])

	respRec := httptest.NewRecorder()
	protected := h.session.Middleware(http.HandlerFunc(h.GetAccess))
	protected.ServeHTTP(respRec, req)

	res := respRec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var result accessResponse
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.UserID != 42 || result.AccessLevel != "vip" || !result.IsVip {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGetAccess_NotFound(t *testing.T) {
	svc := &stubService{accessErr: repository.ErrAccessNotFound}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/user/access", nil)
	rec := httptest.NewRecorder()

	h.session.SetSessionCookie(rec, 42)
	req.AddCookie(rec.Result().Cookies()[0])

	respRec := httptest.NewRecorder()
	protected := h.session.Middleware(http.HandlerFunc(h.GetAccess))
	protected.ServeHTTP(respRec, req)

	if respRec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", respRec.Result().StatusCode, http.StatusNotFound)
	}
}

func TestGetAnalytics_OK(t *testing.T) {
	svc := &stubService{
		analyticsResult: &model.Analytics{
			TotalSignIns:      100,
			SuccessfulSignIns: 80,
			FailedSignIns:     20,
			TopFailureReasons: []model.FailureReason{{Reason: "invalid_credentials", Count: 15}},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/analytics", nil)
	rec := httptest.NewRecorder()

	h.GetAnalytics(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var result model.Analytics
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.TotalSignIns != 100 || len(result.TopFailureReasons) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGetAnalytics_DefaultWindowFromClock(t *testing.T) {
	svc := &stubService{analyticsResult: &model.Analytics{}}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/analytics", nil)
	rec := httptest.NewRecorder()

	h.GetAnalytics(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
	if !svc.analyticsTo.Equal(testNow) {
		t.Fatalf("to = %v, want %v", svc.analyticsTo, testNow)
	}
	if !svc.analyticsFrom.Equal(testNow.Add(-24 * time.Hour)) {
		t.Fatalf("from = %v, want %v", svc.analyticsFrom, testNow.Add(-24*time.Hour))
	}
}

func TestGetAnalytics_BadTimeRange(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/analytics?from=yesterday", nil)
	rec := httptest.NewRecorder()

	h.GetAnalytics(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}
