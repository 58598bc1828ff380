// Package audit реализует буферизованный журнал событий безопасности.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/authgate-system/internal/clock"
	"github.com/mmeshcher/authgate-system/internal/model"
)

const (
	// DefaultFlushInterval — период фонового сброса буфера в хранилище.
	DefaultFlushInterval = 5 * time.Second

	flushTimeout = 3 * time.Second
)

// Store описывает контракт хранилища журнала аудита.
type Store interface {
	InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error
	GetAnalytics(ctx context.Context, from, to time.Time) (*model.Analytics, error)
}

// Logger буферизует события аудита в памяти экземпляра и сбрасывает их в
// хранилище пачками по таймеру. События с серьёзностью error и critical
// дополнительно сбрасываются синхронно, чтобы не потеряться при падении
// процесса между тиками. Неудачно сброшенная пачка возвращается в начало
// буфера с сохранением хронологического порядка.
type Logger struct {
	store    Store
	logger   *zap.Logger
	clk      clock.Clock
	interval time.Duration

	mu  sync.Mutex
	buf []model.AuditEvent

	done chan struct{}
}

// NewLogger создаёт журнал аудита с указанным хранилищем и периодом сброса.
func NewLogger(store Store, logger *zap.Logger, clk clock.Clock, interval time.Duration) *Logger {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	return &Logger{
		store:    store,
		logger:   logger,
		clk:      clk,
		interval: interval,
	}
}

// Log добавляет событие в буфер. Для вызывающего кода операция "выстрелил и
// забыл": ошибка записи в хранилище никогда не возвращается наружу. Для
// серьёзных событий сброс выполняется до возврата из вызова.
func (l *Logger) Log(event model.AuditEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.clk.Now()
	}
	if event.Severity == "" {
		event.Severity = model.SeverityInfo
	}

	l.mu.Lock()
	l.buf = append(l.buf, event)
	l.mu.Unlock()

	if event.Severity.IsSevere() {
		l.flushWithRetry()
	}
}

// Start запускает фоновый процесс периодического сброса буфера.
func (l *Logger) Start(ctx context.Context) {
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Flush(); err != nil {
					l.logger.Warn("audit flush failed, batch requeued", zap.Error(err))
				}
			}
		}
	}()
}

// Stop дожидается остановки фонового процесса и сбрасывает остаток буфера.
func (l *Logger) Stop() {
	if l.done != nil {
		<-l.done
	}

	if err := l.Flush(); err != nil {
		l.logger.Error("final audit flush failed", zap.Error(err), zap.Int("buffered", l.Buffered()))
	}
}

// Flush выполняет один сброс буфера в хранилище. При ошибке пачка
// возвращается в начало буфера для повтора на следующем тике.
func (l *Logger) Flush() error {
	l.mu.Lock()
	if len(l.buf) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := l.store.InsertAuditEvents(ctx, batch); err != nil {
		l.mu.Lock()
		l.buf = append(batch, l.buf...)
		l.mu.Unlock()
		return err
	}

	return nil
}

// flushWithRetry сбрасывает буфер с ограниченным числом повторов.
// Используется для серьёзных событий, которые нельзя оставлять в памяти.
func (l *Logger) flushWithRetry() {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond))

	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		if err := l.Flush(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		l.logger.Error("severe audit event not persisted, kept in buffer", zap.Error(err))
	}
}

// Buffered возвращает число событий, ожидающих сброса.
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// GetAnalytics возвращает агрегаты по журналу аудита за период [from, to).
func (l *Logger) GetAnalytics(ctx context.Context, from, to time.Time) (*model.Analytics, error) {
	return l.store.GetAnalytics(ctx, from, to)
}
