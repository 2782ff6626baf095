package service

import (
	"context"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
)

// SummaryResult — итоги ledger пациента.
type SummaryResult struct {
	TotalCount int        `json:"totalCount"`
	TotalBytes int64      `json:"totalBytes"`
	UpdatedAt  *time.Time `json:"updatedAt"`
}

// Snapshot возвращает снимок квоты пациента. Отсутствие ledger —
// нулевые итоги, не ошибка.
func (s *MediaService) Snapshot(ctx context.Context, patientKey string) (model.QuotaSnapshot, error) {
	if strings.TrimSpace(patientKey) == "" {
		return model.QuotaSnapshot{}, ValidationError("не указан patientKey")
	}
	q, err := s.repo.GetQuota(ctx, patientKey)
	if err != nil {
		return model.QuotaSnapshot{}, dbError("чтение квоты", err)
	}
	return s.snapshotOf(q), nil
}

// Summary возвращает итоги ledger без лимитов.
func (s *MediaService) Summary(ctx context.Context, patientKey string) (*SummaryResult, error) {
	snap, err := s.Snapshot(ctx, patientKey)
	if err != nil {
		return nil, err
	}
	return &SummaryResult{
		TotalCount: snap.TotalCount,
		TotalBytes: snap.TotalBytes,
		UpdatedAt:  snap.UpdatedAt,
	}, nil
}

func (s *MediaService) snapshotOf(q *model.QuotaRecord) model.QuotaSnapshot {
	var updatedAt *time.Time
	if !q.UpdatedAt.IsZero() {
		t := q.UpdatedAt
		updatedAt = &t
	}
	return model.NewQuotaSnapshot(q.Totals(), s.limits, updatedAt)
}

// exceedsCeiling проверяет, нарушат ли итоги потолки квоты.
func (s *MediaService) exceedsCeiling(count int, bytes int64) bool {
	return count > s.limits.MaxCount || bytes > s.limits.MaxTotalBytes
}
