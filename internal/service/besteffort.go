// besteffort.go — вспомогательные операции, ошибки которых не
// влияют на результат основной операции. Методы bestEffort ничего не
// возвращают: сбой только логируется и учитывается в метриках.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/patient-media/internal/blobstore"
	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
	"github.com/bigkaa/goartstore/patient-media/internal/repository"
)

// bestEffortFailuresTotal — сбои вспомогательных операций.
var bestEffortFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pm_best_effort_failures_total",
	Help: "Количество сбоев вспомогательных операций (по операции).",
}, []string{"operation"})

type bestEffort struct {
	repo   repository.Store
	blobs  blobstore.Store
	urls   *URLCache
	logger *slog.Logger
}

// incrementDownloads увеличивает счётчик скачиваний записи.
func (b bestEffort) incrementDownloads(ctx context.Context, mediaID string) {
	if err := b.repo.IncrementDownloadCount(ctx, mediaID); err != nil {
		bestEffortFailuresTotal.WithLabelValues("download_count").Inc()
		b.logger.Warn("Не удалось увеличить счётчик скачиваний",
			slog.String("media_id", mediaID),
			slog.String("error", err.Error()),
		)
	}
}

// deleteOrphans удаляет blob'ы неудавшейся загрузки.
func (b bestEffort) deleteOrphans(ctx context.Context, reason string, ids ...string) {
	for _, id := range ids {
		if err := b.blobs.Delete(ctx, id); err != nil {
			bestEffortFailuresTotal.WithLabelValues("orphan_cleanup").Inc()
			b.logger.Error("Не удалось удалить осиротевший blob",
				slog.String("blob_id", id),
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
			continue
		}
		b.logger.Debug("Осиротевший blob удалён",
			slog.String("blob_id", id),
			slog.String("reason", reason),
		)
	}
}

// purgeRecord удаляет blob'ы soft-deleted записи. При неудаче запись
// остаётся в очереди фонового PurgeService.
func (b bestEffort) purgeRecord(ctx context.Context, rec *model.MediaRecord, at time.Time) {
	if err := purgeBlobs(ctx, b.repo, b.blobs, b.urls, rec, at); err != nil {
		bestEffortFailuresTotal.WithLabelValues("blob_purge").Inc()
		b.logger.Warn("Не удалось удалить blob'ы записи, повтор в фоне",
			slog.String("media_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// purgeBlobs удаляет оригинал и миниатюру записи и отмечает очистку.
func purgeBlobs(
	ctx context.Context,
	repo repository.Store,
	blobs blobstore.Store,
	urls *URLCache,
	rec *model.MediaRecord,
	at time.Time,
) error {
	for _, id := range rec.BlobIDs() {
		urls.InvalidateBlob(id)
		if err := blobs.Delete(ctx, id); err != nil {
			return err
		}
	}
	return repo.MarkBlobsPurged(ctx, rec.ID, at)
}
