// Package model содержит доменные сущности сервиса authgate.
package model

import "time"

// Principal представляет аутентифицированного пользователя, подтверждённого
// провайдером идентификации. Неизменяем в течение жизни запроса.
type Principal struct {
	ID    int64
	Email string
}

// AccessLevel описывает итоговый уровень доступа пользователя.
type AccessLevel string

const (
	AccessLevelFree  AccessLevel = "free"
	AccessLevelPromo AccessLevel = "promo"
	AccessLevelVip   AccessLevel = "vip"
)

// AccessRecord содержит вычисленный уровень доступа пользователя.
// Является кэшем производного состояния: всегда восстановим из погашений
// кодов и реестра VIP, сам по себе источником истины не является.
type AccessRecord struct {
	UserID      int64
	Email       string
	AccessLevel AccessLevel
	IsVip       bool
	Benefits    map[string]any
	Metadata    map[string]any
	UpdatedAt   time.Time
}

// CodeType описывает тип промокода.
type CodeType string

const (
	CodeTypePromo CodeType = "PROMO"
	CodeTypeVip   CodeType = "VIP"
)

// CodeStatus описывает статус промокода.
type CodeStatus string

const (
	CodeStatusActive  CodeStatus = "active"
	CodeStatusExpired CodeStatus = "expired"
)

// PromoCode описывает промокод с ограничением на число использований.
// Инвариант current_usage <= usage_limit обеспечивается атомарным
// условным обновлением при погашении, а не чтением с последующей записью.
type PromoCode struct {
	Code         string
	Type         CodeType
	Status       CodeStatus
	UsageLimit   *int64
	CurrentUsage int64
	Benefits     map[string]any
	ExpiresAt    *time.Time
}

// RedemptionRecord фиксирует факт погашения кода конкретным пользователем.
// Уникальность пары (code, user_id) гарантирует идемпотентность повторов.
type RedemptionRecord struct {
	Code       string
	UserID     int64
	RedeemedAt time.Time
}

// IdentifierType описывает тип идентификатора для лимита попыток.
type IdentifierType string

const (
	IdentifierTypeIP    IdentifierType = "ip"
	IdentifierTypeEmail IdentifierType = "email"
)

// RateLimitDecision содержит результат атомарной проверки лимита попыток.
type RateLimitDecision struct {
	Allowed          bool
	AttemptsInWindow int64
	BlockedUntil     *time.Time
}

// VipRecognition описывает запись реестра заранее признанных VIP-пользователей.
// Реестр ведётся внешней системой и данным сервисом не изменяется.
type VipRecognition struct {
	Email            string
	IsVip            bool
	VipLevel         string
	VipScore         int64
	CompanyName      string
	RecognitionCount int64
}

// Severity описывает серьёзность события аудита.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// IsSevere сообщает, требует ли серьёзность немедленного сброса буфера аудита.
func (s Severity) IsSevere() bool {
	return s == SeverityError || s == SeverityCritical
}

// EventType описывает тип события аудита.
type EventType string

const (
	EventSignInAttempt     EventType = "sign_in_attempt"
	EventSignInSuccess     EventType = "sign_in_success"
	EventSignInFailure     EventType = "sign_in_failure"
	EventCodeRedemption    EventType = "code_redemption"
	EventRateLimitBlock    EventType = "rate_limit_block"
	EventSecurityViolation EventType = "security_violation"
)

// AuditEvent описывает неизменяемую запись о действии, значимом для
// безопасности. Записи буферизуются и сбрасываются пачками, никогда
// не обновляются на месте.
type AuditEvent struct {
	EventType EventType
	UserID    *int64
	Email     string
	SessionID string
	Severity  Severity
	Source    string
	Metadata  map[string]any
	CreatedAt time.Time
}

// AuthResult описывает итог вызова Authenticate для внешнего слоя.
type AuthResult struct {
	Success       bool           `json:"success"`
	UserID        int64          `json:"user_id,omitempty"`
	AccessLevel   AccessLevel    `json:"access_level,omitempty"`
	PromoRedeemed bool           `json:"promo_redeemed"`
	VipStatus     bool           `json:"vip_status,omitempty"`
	Benefits      map[string]any `json:"benefits,omitempty"`
	Error         string         `json:"error,omitempty"`
	RateLimited   bool           `json:"rate_limited,omitempty"`
	RetryAfter    *time.Time     `json:"retry_after,omitempty"`
}

// CodeValidation описывает результат проверки кода без побочных эффектов.
type CodeValidation struct {
	IsValid  bool           `json:"is_valid"`
	Type     CodeType       `json:"type,omitempty"`
	Benefits map[string]any `json:"benefits,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Analytics содержит агрегаты по журналу аудита за период.
type Analytics struct {
	TotalSignIns       int64           `json:"total_sign_ins"`
	SuccessfulSignIns  int64           `json:"successful_sign_ins"`
	FailedSignIns      int64           `json:"failed_sign_ins"`
	PromoRedemptions   int64           `json:"promo_redemptions"`
	SecurityViolations int64           `json:"security_violations"`
	TopFailureReasons  []FailureReason `json:"top_failure_reasons"`
}

// FailureReason описывает причину неудачного входа и её частоту.
type FailureReason struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}
