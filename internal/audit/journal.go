package audit

/*
Файл journal.go реализует асинхронный журнал решений ядра.

- Неблокирующая запись: Gate и сервисы кладут событие в буферизированный канал и
  не ждут хранилища. Переполнение буфера не тормозит горячий путь: событие уходит в лог.
- Пакетная запись: накопление событий и сброс по размеру пачки или по таймеру.
- Drain при остановке: Stop закрывает вход, воркер вычитывает остаток и делает
  финальный flush. Потерь при штатной перезагрузке нет.
*/

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/infra"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

type Auditor interface {
	Log(event AuditEvent)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	return o
}

type Journal struct {
	ch      chan AuditEvent
	repo    StorageInterface
	opts    Options
	logger  *zap.Logger
	metrics *infra.Metrics
	wg      sync.WaitGroup
	mu      sync.RWMutex // Log держит RLock, Stop берет Lock перед close(ch)
	closed  atomic.Bool
}

func NewJournal(repo StorageInterface, opts Options, metrics *infra.Metrics, logger *zap.Logger) *Journal {
	opts = opts.withDefaults()
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Journal{
		ch:      make(chan AuditEvent, opts.BufferSize),
		repo:    repo,
		opts:    opts,
		logger:  logger.Named("journal"),
		metrics: metrics,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed.Swap(true) {
		j.mu.Unlock()
		return
	}
	j.logger.Info("stopping journal: closing channel and flushing buffer")
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Log(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed.Load() {
		j.logger.Warn("audit event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: при переполнении не блокируем вызывающего
	select {
	case j.ch <- event:
		j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("category", event.Category),
			zap.String("subject", event.Subject),
			zap.String("status", event.Status),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]AuditEvent, 0, j.opts.BatchSize)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту уже закрыт
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				// канал закрыт и вычитан до конца
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// MultiStorage раздает пачку всем хранилищам. Ошибка одного не мешает остальным.
type MultiStorage []StorageInterface

func (m MultiStorage) WriteBatch(ctx context.Context, events []AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteBatch(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoggerStorage пишет события в структурированный лог. Используется, когда БД не настроена.
type LoggerStorage struct {
	logger *zap.Logger
}

func NewLoggerStorage(logger *zap.Logger) *LoggerStorage {
	return &LoggerStorage{logger: logger.Named("decisions")}
}

func (s *LoggerStorage) WriteBatch(_ context.Context, events []AuditEvent) error {
	for _, e := range events {
		s.logger.Info("decision",
			zap.String("id", e.ID),
			zap.String("category", e.Category),
			zap.String("actor_id", e.ActorID),
			zap.String("subject", e.Subject),
			zap.String("status", e.Status),
			zap.String("code", e.Code),
			zap.Uint64("amount", e.Amount),
			zap.Int64("duration_ms", e.DurationMs),
		)
	}
	return nil
}

// Nop — журнал-заглушка для компонентов, собранных без журнала.
type Nop struct{}

func (Nop) Log(AuditEvent) {}
