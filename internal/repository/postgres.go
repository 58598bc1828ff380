// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/authgate-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCodeNotFound возвращается, если промокод не существует или не активен.
var (
	ErrCodeNotFound = errors.New("code not found or inactive")
	// ErrCodeExpired возвращается, если срок действия промокода истёк.
	ErrCodeExpired = errors.New("code expired")
	// ErrCodeUsageLimit возвращается, если лимит использований кода исчерпан.
	ErrCodeUsageLimit = errors.New("code usage limit reached")
	// ErrAlreadyRedeemed возвращается при повторном погашении кода тем же пользователем.
	ErrAlreadyRedeemed = errors.New("code already redeemed by user")
	// ErrAccessNotFound возвращается, если запись о доступе пользователя ещё не создана.
	ErrAccessNotFound = errors.New("access record not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CheckRateLimit атомарно регистрирует попытку и возвращает решение лимитера.
// Вся последовательность «проверить блокировку — сбросить окно — увеличить
// счётчик — заблокировать» выполняется одним оператором upsert, поэтому два
// конкурентных запроса не могут прочитать устаревший счётчик. Момент времени
// передаётся параметром, чтобы окна подчинялись внедрённым часам.
func (r *PostgresRepository) CheckRateLimit(
	ctx context.Context,
	identifier string,
	identifierType model.IdentifierType,
	eventType string,
	maxAttempts int,
	window, block time.Duration,
	now time.Time,
) (*model.RateLimitDecision, error) {
	var (
		attempts     int64
		windowStart  time.Time
		blockedUntil *time.Time
	)

	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO rate_limits (identifier, identifier_type, event_type, attempts_in_window, window_start, blocked_until)
			 VALUES ($1, $2, $3, 1, $4, NULL)
			 ON CONFLICT (identifier, event_type) DO UPDATE SET
			     attempts_in_window = CASE
			         WHEN rate_limits.blocked_until IS NOT NULL AND rate_limits.blocked_until > $4
			             THEN rate_limits.attempts_in_window
			         WHEN rate_limits.window_start + make_interval(secs => $5) < $4
			             THEN 1
			         ELSE rate_limits.attempts_in_window + 1
			     END,
			     window_start = CASE
			         WHEN rate_limits.blocked_until IS NOT NULL AND rate_limits.blocked_until > $4
			             THEN rate_limits.window_start
			         WHEN rate_limits.window_start + make_interval(secs => $5) < $4
			             THEN $4
			         ELSE rate_limits.window_start
			     END,
			     blocked_until = CASE
			         WHEN rate_limits.blocked_until IS NOT NULL AND rate_limits.blocked_until > $4
			             THEN rate_limits.blocked_until
			         WHEN rate_limits.window_start + make_interval(secs => $5) < $4
			             THEN NULL
			         WHEN rate_limits.attempts_in_window + 1 > $6
			             THEN $4 + make_interval(secs => $7)
			         ELSE NULL
			     END,
			     identifier_type = EXCLUDED.identifier_type
			 RETURNING attempts_in_window, window_start, blocked_until`,
			identifier, string(identifierType), eventType,
			now, window.Seconds(), maxAttempts, block.Seconds(),
		).Scan(&attempts, &windowStart, &blockedUntil)
	})
	if err != nil {
		return nil, fmt.Errorf("check rate limit: %w", err)
	}

	allowed := blockedUntil == nil || !blockedUntil.After(now)

	return &model.RateLimitDecision{
		Allowed:          allowed,
		AttemptsInWindow: attempts,
		BlockedUntil:     blockedUntil,
	}, nil
}

// GetPromoCode возвращает промокод без побочных эффектов.
func (r *PostgresRepository) GetPromoCode(ctx context.Context, code string) (*model.PromoCode, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT code, type, status, usage_limit, current_usage, benefits, expires_at
		 FROM promo_codes WHERE code = $1`,
		code,
	)

	var pc model.PromoCode
	err := row.Scan(&pc.Code, &pc.Type, &pc.Status, &pc.UsageLimit, &pc.CurrentUsage, &pc.Benefits, &pc.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("get promo code: %w", err)
	}

	return &pc, nil
}

// RedeemCode погашает код от имени пользователя. Условное обновление счётчика
// и вставка записи о погашении выполняются в одной транзакции: под N
// конкурентными попытками при K оставшихся использованиях успешными будут
// ровно K. Повторное погашение тем же пользователем отклоняется уникальным
// ограничением и не увеличивает счётчик.
func (r *PostgresRepository) RedeemCode(ctx context.Context, code string, userID int64, now time.Time) (model.CodeType, map[string]any, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		codeType model.CodeType
		benefits map[string]any
	)

	err = tx.QueryRow(ctx,
		`UPDATE promo_codes
		 SET current_usage = current_usage + 1
		 WHERE code = $1
		   AND status = $2
		   AND (expires_at IS NULL OR expires_at > $3)
		   AND (usage_limit IS NULL OR current_usage < usage_limit)
		 RETURNING type, benefits`,
		code, string(model.CodeStatusActive), now,
	).Scan(&codeType, &benefits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, r.classifyRedeemFailure(ctx, tx, code, now)
		}
		return "", nil, fmt.Errorf("redeem code: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO redemption_records (code, user_id, redeemed_at) VALUES ($1, $2, $3)`,
		code, userID, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// Откат транзакции отменяет и инкремент current_usage.
			return "", nil, ErrAlreadyRedeemed
		}
		return "", nil, fmt.Errorf("insert redemption: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", nil, fmt.Errorf("commit tx: %w", err)
	}

	return codeType, benefits, nil
}

// classifyRedeemFailure определяет причину отказа после того, как условное
// обновление не затронуло ни одной строки. Сам отказ уже окончателен,
// повторное чтение нужно только для сообщения об ошибке.
func (r *PostgresRepository) classifyRedeemFailure(ctx context.Context, tx pgx.Tx, code string, now time.Time) error {
	var (
		status       model.CodeStatus
		usageLimit   *int64
		currentUsage int64
		expiresAt    *time.Time
	)

	err := tx.QueryRow(ctx,
		`SELECT status, usage_limit, current_usage, expires_at FROM promo_codes WHERE code = $1`,
		code,
	).Scan(&status, &usageLimit, &currentUsage, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCodeNotFound
		}
		return fmt.Errorf("classify redeem failure: %w", err)
	}

	switch {
	case status != model.CodeStatusActive:
		return ErrCodeNotFound
	case expiresAt != nil && !expiresAt.After(now):
		return ErrCodeExpired
	default:
		return ErrCodeUsageLimit
	}
}

// GetVipRecognition возвращает запись VIP-реестра по адресу или nil, если
// адрес в реестре не значится.
func (r *PostgresRepository) GetVipRecognition(ctx context.Context, email string) (*model.VipRecognition, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT email, is_vip, vip_level, vip_score, company_name, recognition_count
		 FROM vip_recognitions WHERE email = $1`,
		email,
	)

	var v model.VipRecognition
	err := row.Scan(&v.Email, &v.IsVip, &v.VipLevel, &v.VipScore, &v.CompanyName, &v.RecognitionCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get vip recognition: %w", err)
	}

	return &v, nil
}

// GetAccessRecord возвращает сохранённую запись о доступе пользователя.
func (r *PostgresRepository) GetAccessRecord(ctx context.Context, userID int64) (*model.AccessRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, email, access_level, is_vip, benefits, metadata, updated_at
		 FROM access_records WHERE user_id = $1`,
		userID,
	)

	var rec model.AccessRecord
	err := row.Scan(&rec.UserID, &rec.Email, &rec.AccessLevel, &rec.IsVip, &rec.Benefits, &rec.Metadata, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccessNotFound
		}
		return nil, fmt.Errorf("get access record: %w", err)
	}

	return &rec, nil
}

// UpsertAccessRecord сохраняет вычисленную запись о доступе пользователя.
func (r *PostgresRepository) UpsertAccessRecord(ctx context.Context, rec *model.AccessRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO access_records (user_id, email, access_level, is_vip, benefits, metadata, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
		     email = EXCLUDED.email,
		     access_level = EXCLUDED.access_level,
		     is_vip = EXCLUDED.is_vip,
		     benefits = EXCLUDED.benefits,
		     metadata = EXCLUDED.metadata,
		     updated_at = EXCLUDED.updated_at`,
		rec.UserID, rec.Email, string(rec.AccessLevel), rec.IsVip, rec.Benefits, rec.Metadata, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert access record: %w", err)
	}

	return nil
}

// InsertAuditEvents выполняет пакетную вставку событий аудита. Пакет
// выполняется в одной транзакции: при ошибке не фиксируется ни одна строка,
// поэтому повторная отправка того же буфера не дублирует события.
func (r *PostgresRepository) InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		batch.Queue(
			`INSERT INTO audit_events (event_type, user_id, email, session_id, severity, source, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			string(e.EventType), e.UserID, e.Email, e.SessionID, string(e.Severity), e.Source, e.Metadata, e.CreatedAt,
		)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert audit events: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetAnalytics возвращает агрегаты по журналу аудита за период [from, to).
func (r *PostgresRepository) GetAnalytics(ctx context.Context, from, to time.Time) (*model.Analytics, error) {
	var a model.Analytics

	err := r.pool.QueryRow(ctx,
		`SELECT
		     COUNT(*) FILTER (WHERE event_type = $3),
		     COUNT(*) FILTER (WHERE event_type = $4),
		     COUNT(*) FILTER (WHERE event_type = $5),
		     COUNT(*) FILTER (WHERE event_type = $6 AND metadata->>'success' = 'true'),
		     COUNT(*) FILTER (WHERE event_type = $7)
		 FROM audit_events
		 WHERE created_at >= $1 AND created_at < $2`,
		from, to,
		string(model.EventSignInAttempt),
		string(model.EventSignInSuccess),
		string(model.EventSignInFailure),
		string(model.EventCodeRedemption),
		string(model.EventSecurityViolation),
	).Scan(&a.TotalSignIns, &a.SuccessfulSignIns, &a.FailedSignIns, &a.PromoRedemptions, &a.SecurityViolations)
	if err != nil {
		return nil, fmt.Errorf("count audit events: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT COALESCE(metadata->>'reason', 'unknown'), COUNT(*)
		 FROM audit_events
		 WHERE event_type = $3 AND created_at >= $1 AND created_at < $2
		 GROUP BY 1
		 ORDER BY 2 DESC
		 LIMIT 5`,
		from, to, string(model.EventSignInFailure),
	)
	if err != nil {
		return nil, fmt.Errorf("select failure reasons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fr model.FailureReason
		if err := rows.Scan(&fr.Reason, &fr.Count); err != nil {
			return nil, fmt.Errorf("scan failure reason: %w", err)
		}
		a.TopFailureReasons = append(a.TopFailureReasons, fr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &a, nil
}
