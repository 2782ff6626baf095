// cleanup.go — soft delete записей и массовая очистка по intake-заявке.
// Ledger откатывается в той же транзакции, что и пометка удаления;
// blob'ы удаляются после фиксации в режиме best effort.
package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
	"github.com/bigkaa/goartstore/patient-media/internal/repository"
)

// deletedTotal — помеченные удалёнными записи (по источнику).
var deletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pm_deleted_records_total",
	Help: "Количество записей, помеченных удалёнными (single — delete, intake — cleanupIntakeFiles).",
}, []string{"source"})

// DeleteResult — результат delete.
type DeleteResult struct {
	Quota     model.QuotaSnapshot `json:"quota"`
	DeletedAt time.Time           `json:"deletedAt"`
}

// CleanupResult — результат cleanupIntakeFiles.
type CleanupResult struct {
	DeletedCount int64 `json:"deletedCount"`
}

// Delete помечает запись удалённой и уменьшает ledger. Удаление уже
// удалённой или несуществующей записи — NOT_FOUND, ledger не меняется.
func (s *MediaService) Delete(ctx context.Context, mediaID, deletedBy string) (*DeleteResult, error) {
	if strings.TrimSpace(mediaID) == "" {
		return nil, ValidationError("не указан mediaId")
	}

	var (
		rec  *model.MediaRecord
		snap model.QuotaSnapshot
	)
	now := s.now().UTC()

	err := s.repo.InTx(ctx, func(uow repository.UnitOfWork) error {
		var err error
		rec, err = uow.GetMedia(ctx, mediaID)
		if errors.Is(err, repository.ErrNotFound) {
			return notFoundError(CodeNotFound, "медиафайл не найден", err)
		}
		if err != nil {
			return err
		}
		if !rec.IsActive() {
			return notFoundError(CodeNotFound, "медиафайл не найден", nil)
		}

		q, err := uow.GetQuota(ctx, rec.PatientKey)
		if err != nil {
			return err
		}
		q.TotalCount = max(q.TotalCount-1, 0)
		q.TotalBytes = max(q.TotalBytes-rec.SizeBytes, 0)
		q.UpdatedAt = now

		rec.DeletedAt = &now
		rec.DeletedBy = deletedBy
		rec.QuotaSnapshot = q.Totals()
		if err := uow.UpdateMedia(ctx, rec); err != nil {
			return err
		}
		if err := uow.PutQuota(ctx, q); err != nil {
			return err
		}
		snap = s.snapshotOf(q)
		return nil
	})
	if err != nil {
		return nil, dbError("удаление записи", err)
	}

	deletedTotal.WithLabelValues("single").Inc()
	s.logger.Info("Медиафайл удалён",
		slog.String("media_id", rec.ID),
		slog.String("patient_key", rec.PatientKey),
		slog.String("deleted_by", deletedBy),
	)

	s.bestEffort.purgeRecord(context.WithoutCancel(ctx), rec, now)
	return &DeleteResult{Quota: snap, DeletedAt: now}, nil
}

// CleanupByIntake помечает удалёнными все активные записи intake-заявки
// одним пакетным обновлением. Ledger каждого затронутого пациента
// уменьшается в той же транзакции.
func (s *MediaService) CleanupByIntake(ctx context.Context, intakeID, deletedBy string) (*CleanupResult, error) {
	if strings.TrimSpace(intakeID) == "" {
		return nil, ValidationError("не указан intakeId")
	}

	var (
		records []*model.MediaRecord
		deleted int64
	)
	now := s.now().UTC()

	err := s.repo.InTx(ctx, func(uow repository.UnitOfWork) error {
		var err error
		records, err = uow.ListActiveByIntake(ctx, intakeID)
		if err != nil || len(records) == 0 {
			return err
		}

		type delta struct {
			count int
			bytes int64
		}
		deltas := make(map[string]*delta)
		ids := make([]string, 0, len(records))
		for _, rec := range records {
			d, ok := deltas[rec.PatientKey]
			if !ok {
				d = &delta{}
				deltas[rec.PatientKey] = d
			}
			d.count++
			d.bytes += rec.SizeBytes
			ids = append(ids, rec.ID)
		}

		// Ledger блокируются в фиксированном порядке ключей.
		patients := make([]string, 0, len(deltas))
		for key := range deltas {
			patients = append(patients, key)
		}
		slices.Sort(patients)

		for _, key := range patients {
			q, err := uow.GetQuota(ctx, key)
			if err != nil {
				return err
			}
			d := deltas[key]
			q.TotalCount = max(q.TotalCount-d.count, 0)
			q.TotalBytes = max(q.TotalBytes-d.bytes, 0)
			q.UpdatedAt = now
			if err := uow.PutQuota(ctx, q); err != nil {
				return err
			}
		}

		deleted, err = uow.SoftDeleteMany(ctx, ids, now, deletedBy)
		if err != nil {
			return err
		}
		if deleted != int64(len(ids)) {
			return internalError("пакетное удаление затронуло неожиданное число записей", nil)
		}
		return nil
	})
	if err != nil {
		return nil, dbError("очистка intake", err)
	}
	if deleted == 0 {
		return &CleanupResult{}, nil
	}

	deletedTotal.WithLabelValues("intake").Add(float64(deleted))
	s.logger.Info("Файлы intake-заявки удалены",
		slog.String("intake_id", intakeID),
		slog.Int64("deleted", deleted),
	)

	purgeCtx := context.WithoutCancel(ctx)
	for _, rec := range records {
		s.bestEffort.purgeRecord(purgeCtx, rec, now)
	}
	return &CleanupResult{DeletedCount: deleted}, nil
}
