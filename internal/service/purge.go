// purge.go — фоновая очистка blob'ов удалённых записей.
//
// После soft delete blob'ы удаляются сразу в режиме best effort. Если
// хранилище было недоступно, запись остаётся с пустым blobs_purged_at;
// PurgeService периодически повторяет удаление таких blob'ов.
// Запускается как горутина с периодическим тикером (PM_PURGE_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/patient-media/internal/blobstore"
	"github.com/bigkaa/goartstore/patient-media/internal/repository"
)

// Prometheus метрики очистки
var (
	purgeRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_purge_runs_total",
		Help: "Общее количество запусков фоновой очистки blob'ов",
	})

	purgeRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_purge_records_total",
		Help: "Количество записей, blob'ы которых удалены фоновой очисткой",
	})

	purgeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_purge_errors_total",
		Help: "Количество ошибок фоновой очистки",
	})

	purgeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pm_purge_duration_seconds",
		Help:    "Длительность фоновой очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// PurgeResult — результат одного запуска очистки.
type PurgeResult struct {
	// Purged — количество очищенных записей
	Purged int
	// Errors — количество записей, очистка которых не удалась
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// PurgeService — сервис фоновой очистки blob'ов удалённых записей.
type PurgeService struct {
	repo      repository.Store
	blobs     blobstore.Store
	urls      *URLCache
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPurgeService создаёт сервис очистки.
func NewPurgeService(
	repo repository.Store,
	blobs blobstore.Store,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *PurgeService {
	return &PurgeService{
		repo:      repo,
		blobs:     blobs,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "purge")),
	}
}

// WithURLCache подключает кэш URL, который очищается вместе с blob'ами.
func (p *PurgeService) WithURLCache(urls *URLCache) *PurgeService {
	p.urls = urls
	return p
}

// Start запускает фоновую горутину очистки.
func (p *PurgeService) Start(ctx context.Context) {
	purgeCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(purgeCtx)

	p.logger.Info("Фоновая очистка запущена",
		slog.String("interval", p.interval.String()),
		slog.Int("batch_size", p.batchSize),
	)
}

// Stop останавливает фоновую очистку и ждёт завершения текущего прохода.
func (p *PurgeService) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Info("Фоновая очистка остановлена")
}

func (p *PurgeService) run(ctx context.Context) {
	defer close(p.done)

	p.RunOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход очистки (не более batchSize записей).
func (p *PurgeService) RunOnce(ctx context.Context) *PurgeResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	result := &PurgeResult{}

	pending, err := p.repo.ListPendingPurge(ctx, p.batchSize)
	if err != nil {
		purgeErrorsTotal.Inc()
		p.logger.Error("Очистка: ошибка чтения очереди", slog.String("error", err.Error()))
		return result
	}

	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := purgeBlobs(ctx, p.repo, p.blobs, p.urls, rec, time.Now().UTC()); err != nil {
			p.logger.Warn("Очистка: ошибка удаления blob'ов",
				slog.String("media_id", rec.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.Purged++
	}

	result.Duration = time.Since(start)

	purgeRunsTotal.Inc()
	purgeRecordsTotal.Add(float64(result.Purged))
	purgeErrorsTotal.Add(float64(result.Errors))
	purgeDurationSeconds.Observe(result.Duration.Seconds())

	if result.Purged > 0 || result.Errors > 0 {
		p.logger.Info("Очистка завершена",
			slog.Int("purged", result.Purged),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}
	return result
}
