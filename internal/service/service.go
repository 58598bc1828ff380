// Package service реализует бизнес-логику сервиса authgate.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/authgate-system/internal/clock"
	"github.com/mmeshcher/authgate-system/internal/identity"
	"github.com/mmeshcher/authgate-system/internal/model"
	"github.com/mmeshcher/authgate-system/internal/repository"
	"github.com/mmeshcher/authgate-system/internal/security"
	"github.com/mmeshcher/authgate-system/internal/validation"
)

const (
	eventSource = "authgate"

	// Сообщения для пользователя намеренно не различают несуществующий
	// адрес и неверный пароль, чтобы исключить перебор аккаунтов.
	msgInvalidCredentials = "invalid email or password"
	msgRateLimited        = "too many attempts, please try again later"

	msgCodeInvalid    = "Invalid or expired code"
	msgCodeExpired    = "Code has expired"
	msgCodeUsageLimit = "Code usage limit reached"

	signInEventType = "sign_in"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CheckRateLimit(ctx context.Context, identifier string, identifierType model.IdentifierType, eventType string, maxAttempts int, window, block time.Duration, now time.Time) (*model.RateLimitDecision, error)
	GetPromoCode(ctx context.Context, code string) (*model.PromoCode, error)
	RedeemCode(ctx context.Context, code string, userID int64, now time.Time) (model.CodeType, map[string]any, error)
	GetVipRecognition(ctx context.Context, email string) (*model.VipRecognition, error)
	GetAccessRecord(ctx context.Context, userID int64) (*model.AccessRecord, error)
	UpsertAccessRecord(ctx context.Context, rec *model.AccessRecord) error
}

// Verifier описывает контракт провайдера идентификации.
type Verifier interface {
	VerifyCredentials(ctx context.Context, email, password string) (*model.Principal, error)
}

// AuditLog описывает контракт журнала аудита, используемый сервисом.
type AuditLog interface {
	Log(event model.AuditEvent)
	GetAnalytics(ctx context.Context, from, to time.Time) (*model.Analytics, error)
}

// RateLimitPolicy задаёт параметры лимита попыток входа.
type RateLimitPolicy struct {
	MaxAttempts int
	Window      time.Duration
	Block       time.Duration
}

// AuthRequest содержит входные данные запроса на аутентификацию.
type AuthRequest struct {
	Email     string
	Password  string
	PromoCode string
	VipCode   string
	RemoteIP  string
	SessionID string
}

// Service содержит бизнес-логику сервиса authgate.
type Service struct {
	repo     Repository
	verifier Verifier
	audit    AuditLog
	clk      clock.Clock
	logger   *zap.Logger
	policy   RateLimitPolicy
}

// NewService создаёт новый сервис с указанными зависимостями.
func NewService(repo Repository, verifier Verifier, audit AuditLog, clk clock.Clock, logger *zap.Logger, policy RateLimitPolicy) *Service {
	return &Service{
		repo:     repo,
		verifier: verifier,
		audit:    audit,
		clk:      clk,
		logger:   logger,
		policy:   policy,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Authenticate выполняет полный цикл входа: лимит попыток, проверка
// учётных данных, необязательное погашение кода, вычисление уровня доступа.
// Каждый шаг фиксируется в журнале аудита ровно один раз.
func (s *Service) Authenticate(ctx context.Context, req AuthRequest) (*model.AuthResult, error) {
	now := s.clk.Now()

	flags := security.Analyze(req.Email, req.PromoCode, req.VipCode)
	severity := model.SeverityInfo
	if len(flags) > 0 {
		severity = model.SeverityWarning
		s.audit.Log(model.AuditEvent{
			EventType: model.EventSecurityViolation,
			Email:     req.Email,
			SessionID: req.SessionID,
			Severity:  model.SeverityWarning,
			Source:    eventSource,
			Metadata:  map[string]any{"flags": flags, "ip": req.RemoteIP},
			CreatedAt: now,
		})
	}

	// Сама проверка лимита и есть учёт попытки, поэтому неудачный вход
	// отдельного инкремента не требует.
	decision, err := s.checkRateLimits(ctx, req, now)
	if err != nil {
		// Без состоявшейся атомарной проверки лимита вход не разрешается.
		return nil, fmt.Errorf("rate limit check: %w", err)
	}

	s.audit.Log(model.AuditEvent{
		EventType: model.EventSignInAttempt,
		Email:     req.Email,
		SessionID: req.SessionID,
		Severity:  severity,
		Source:    eventSource,
		Metadata:  map[string]any{"ip": req.RemoteIP},
		CreatedAt: now,
	})

	if !decision.Allowed {
		s.audit.Log(model.AuditEvent{
			EventType: model.EventRateLimitBlock,
			Email:     req.Email,
			SessionID: req.SessionID,
			Severity:  model.SeverityWarning,
			Source:    eventSource,
			Metadata: map[string]any{
				"ip":       req.RemoteIP,
				"attempts": decision.AttemptsInWindow,
			},
			CreatedAt: now,
		})

		return &model.AuthResult{
			Success:     false,
			Error:       msgRateLimited,
			RateLimited: true,
			RetryAfter:  decision.BlockedUntil,
		}, nil
	}

	if !validation.IsValidEmail(req.Email) || req.Password == "" {
		s.logFailure(req, "malformed_request", now)
		return &model.AuthResult{Success: false, Error: msgInvalidCredentials}, nil
	}

	principal, err := s.verifier.VerifyCredentials(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			s.logFailure(req, "invalid_credentials", now)
			return &model.AuthResult{Success: false, Error: msgInvalidCredentials}, nil
		}

		s.audit.Log(model.AuditEvent{
			EventType: model.EventSignInFailure,
			Email:     req.Email,
			SessionID: req.SessionID,
			Severity:  model.SeverityError,
			Source:    eventSource,
			Metadata:  map[string]any{"reason": "identity_provider_error", "ip": req.RemoteIP},
			CreatedAt: now,
		})
		return nil, fmt.Errorf("verify credentials: %w", err)
	}

	// Если переданы оба кода, запрос уже помечен подозрительным, но
	// обрабатывается: приоритет у VIP-кода как более привилегированного.
	code := req.VipCode
	if code == "" {
		code = req.PromoCode
	}

	var (
		promoRedeemed    bool
		redeemedType     model.CodeType
		redeemedBenefits map[string]any
	)

	if code != "" {
		redeemedType, redeemedBenefits, err = s.redeemCode(ctx, code, principal, req, now)
		if err != nil {
			return nil, err
		}
		promoRedeemed = redeemedType != ""
	}

	vipRec, err := s.repo.GetVipRecognition(ctx, principal.Email)
	if err != nil {
		return nil, fmt.Errorf("vip lookup: %w", err)
	}

	rec, err := s.resolveAccess(ctx, principal, vipRec, redeemedType, redeemedBenefits)
	if err != nil {
		return nil, fmt.Errorf("resolve access: %w", err)
	}

	s.audit.Log(model.AuditEvent{
		EventType: model.EventSignInSuccess,
		UserID:    &principal.ID,
		Email:     principal.Email,
		SessionID: req.SessionID,
		Severity:  severity,
		Source:    eventSource,
		Metadata: map[string]any{
			"ip":           req.RemoteIP,
			"access_level": string(rec.AccessLevel),
		},
		CreatedAt: now,
	})

	return &model.AuthResult{
		Success:       true,
		UserID:        principal.ID,
		AccessLevel:   rec.AccessLevel,
		PromoRedeemed: promoRedeemed,
		VipStatus:     rec.IsVip,
		Benefits:      rec.Benefits,
	}, nil
}

// checkRateLimits проверяет лимиты по IP и по адресу почты; достаточно
// блокировки по любому из идентификаторов.
func (s *Service) checkRateLimits(ctx context.Context, req AuthRequest, now time.Time) (*model.RateLimitDecision, error) {
	if req.RemoteIP != "" {
		d, err := s.repo.CheckRateLimit(ctx, req.RemoteIP, model.IdentifierTypeIP, signInEventType,
			s.policy.MaxAttempts, s.policy.Window, s.policy.Block, now)
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			return d, nil
		}
	}

	return s.repo.CheckRateLimit(ctx, req.Email, model.IdentifierTypeEmail, signInEventType,
		s.policy.MaxAttempts, s.policy.Window, s.policy.Block, now)
}

// redeemCode погашает код и фиксирует исход в журнале. Отказ в погашении
// не прерывает вход: возвращается пустой тип, и пользователь входит с тем
// доступом, который у него уже был. Недоступность хранилища — фатальна.
func (s *Service) redeemCode(ctx context.Context, rawCode string, principal *model.Principal, req AuthRequest, now time.Time) (model.CodeType, map[string]any, error) {
	code := validation.NormalizeCode(rawCode)

	logOutcome := func(success bool, codeType model.CodeType, reason string) {
		md := map[string]any{
			"code":    code,
			"success": success,
			"ip":      req.RemoteIP,
		}
		severity := model.SeverityInfo
		if !success {
			md["reason"] = reason
			severity = model.SeverityWarning
		}
		if codeType != "" {
			md["code_type"] = string(codeType)
		}

		s.audit.Log(model.AuditEvent{
			EventType: model.EventCodeRedemption,
			UserID:    &principal.ID,
			Email:     principal.Email,
			SessionID: req.SessionID,
			Severity:  severity,
			Source:    eventSource,
			Metadata:  md,
			CreatedAt: now,
		})
	}

	if !validation.IsValidCode(code) {
		logOutcome(false, "", "malformed_code")
		return "", nil, nil
	}

	codeType, benefits, err := s.repo.RedeemCode(ctx, code, principal.ID, now)
	if err != nil {
		reason := redeemFailureReason(err)
		if reason == "" {
			return "", nil, fmt.Errorf("redeem code: %w", err)
		}
		s.logger.Warn("code redemption rejected",
			zap.String("code", code), zap.String("reason", reason))
		logOutcome(false, "", reason)
		return "", nil, nil
	}

	logOutcome(true, codeType, "")
	return codeType, benefits, nil
}

// redeemFailureReason сопоставляет известным отказам в погашении причину
// для журнала. Пустая строка означает неожиданную ошибку хранилища.
func redeemFailureReason(err error) string {
	switch {
	case errors.Is(err, repository.ErrCodeNotFound):
		return "code_not_found"
	case errors.Is(err, repository.ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, repository.ErrCodeUsageLimit):
		return "usage_limit_reached"
	case errors.Is(err, repository.ErrAlreadyRedeemed):
		return "already_redeemed"
	default:
		return ""
	}
}

func (s *Service) logFailure(req AuthRequest, reason string, now time.Time) {
	s.audit.Log(model.AuditEvent{
		EventType: model.EventSignInFailure,
		Email:     req.Email,
		SessionID: req.SessionID,
		Severity:  model.SeverityWarning,
		Source:    eventSource,
		Metadata:  map[string]any{"reason": reason, "ip": req.RemoteIP},
		CreatedAt: now,
	})
}

// ValidateCode проверяет код без побочных эффектов: счётчик использований
// не изменяется.
func (s *Service) ValidateCode(ctx context.Context, rawCode string) (*model.CodeValidation, error) {
	code := validation.NormalizeCode(rawCode)
	if !validation.IsValidCode(code) {
		return &model.CodeValidation{IsValid: false, Error: msgCodeInvalid}, nil
	}

	pc, err := s.repo.GetPromoCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrCodeNotFound) {
			return &model.CodeValidation{IsValid: false, Error: msgCodeInvalid}, nil
		}
		return nil, fmt.Errorf("get promo code: %w", err)
	}

	now := s.clk.Now()

	switch {
	case pc.Status != model.CodeStatusActive:
		return &model.CodeValidation{IsValid: false, Error: msgCodeInvalid}, nil
	case pc.ExpiresAt != nil && !pc.ExpiresAt.After(now):
		return &model.CodeValidation{IsValid: false, Error: msgCodeExpired}, nil
	case pc.UsageLimit != nil && pc.CurrentUsage >= *pc.UsageLimit:
		return &model.CodeValidation{IsValid: false, Error: msgCodeUsageLimit}, nil
	}

	return &model.CodeValidation{
		IsValid:  true,
		Type:     pc.Type,
		Benefits: pc.Benefits,
	}, nil
}

// GetAccess возвращает сохранённую запись о доступе пользователя.
func (s *Service) GetAccess(ctx context.Context, userID int64) (*model.AccessRecord, error) {
	return s.repo.GetAccessRecord(ctx, userID)
}

// GetAnalytics возвращает агрегаты журнала аудита за период [from, to).
func (s *Service) GetAnalytics(ctx context.Context, from, to time.Time) (*model.Analytics, error) {
	return s.audit.GetAnalytics(ctx, from, to)
}
