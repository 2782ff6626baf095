// upload.go — двухфазная загрузка медиафайла.
//
// Prepare проверяет метаданные и предварительно сверяет квоту, ничего не
// записывая в хранилище записей. Complete читает загруженный blob, меряет
// фактический размер, считает SHA-256, проверяет дубликат, генерирует
// миниатюру и в одной транзакции вставляет запись и обновляет ledger.
// Любая ошибка после чтения blob удаляет загруженные объекты.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
	"github.com/bigkaa/goartstore/patient-media/internal/domain/naming"
	"github.com/bigkaa/goartstore/patient-media/internal/repository"
)

// Prometheus-метрики загрузки.
var (
	preparesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pm_upload_prepares_total",
		Help: "Общее количество вызовов prepareUpload (по результату).",
	}, []string{"result"})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pm_uploads_total",
		Help: "Общее количество вызовов completeUpload (по результату).",
	}, []string{"result"})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_upload_bytes_total",
		Help: "Суммарный размер успешно зафиксированных файлов.",
	})

	uploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pm_upload_complete_duration_seconds",
		Help:    "Длительность completeUpload.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	quotaRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pm_quota_rejections_total",
		Help: "Количество отказов по квоте (prepare — предварительная, complete — окончательная).",
	}, []string{"phase"})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_duplicates_total",
		Help: "Количество отклонённых дубликатов.",
	})

	thumbnailFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_thumbnail_failures_total",
		Help: "Количество неудачных генераций миниатюр.",
	})
)

// --- Prepare ---

// PrepareParams — параметры prepareUpload.
type PrepareParams struct {
	PatientKey string
	FileName   string
	SizeBytes  int64
	MimeType   string
	FileUUID   string
}

// PrepareResult — результат prepareUpload.
type PrepareResult struct {
	UploadID    string              `json:"uploadId"`
	FileUUID    string              `json:"fileUuid"`
	Category    model.Category      `json:"category"`
	MimeType    string              `json:"mimeType"`
	Extension   string              `json:"extension"`
	StoragePath string              `json:"storagePath"`
	ThumbPath   string              `json:"thumbPath"`
	Limits      model.Limits        `json:"limits"`
	Quota       model.QuotaSnapshot `json:"quota"`
	// UploadURL — подписанный URL для прямой загрузки (PUT) в StoragePath
	UploadURL          string    `json:"uploadUrl"`
	UploadURLExpiresAt time.Time `json:"uploadUrlExpiresAt"`
}

// Prepare выполняет предварительную проверку загрузки и выделяет путь хранения.
// Порядок проверок: patientKey, имя файла, размер, тип, квота.
// Проверка квоты рекомендательная: заявленный размер не используется для учёта.
func (s *MediaService) Prepare(ctx context.Context, p PrepareParams) (*PrepareResult, error) {
	res, err := s.prepare(ctx, p)
	preparesTotal.WithLabelValues(resultLabel(err)).Inc()
	return res, err
}

func (s *MediaService) prepare(ctx context.Context, p PrepareParams) (*PrepareResult, error) {
	if strings.TrimSpace(p.PatientKey) == "" {
		return nil, ValidationError("не указан patientKey")
	}
	fileName := naming.SanitizeFileName(p.FileName)
	if fileName == "" {
		return nil, ValidationError("не указано имя файла")
	}

	if p.SizeBytes <= 0 {
		return nil, ValidationError("sizeBytes должен быть положительным")
	}
	if p.SizeBytes > s.limits.MaxFileBytes {
		return nil, policyError(CodeFileTooLarge, "файл превышает допустимый размер")
	}

	class, err := naming.DetermineCategory(p.MimeType, naming.Extension(fileName))
	if err != nil {
		return nil, policyError(CodeUnsupportedFileType, "тип файла не поддерживается")
	}

	q, err := s.repo.GetQuota(ctx, p.PatientKey)
	if err != nil {
		return nil, dbError("чтение квоты", err)
	}
	snap := s.snapshotOf(q)
	if snap.RemainingCount <= 0 || p.SizeBytes > snap.RemainingBytes {
		quotaRejectionsTotal.WithLabelValues("prepare").Inc()
		return nil, quotaExceededError(snap)
	}

	fileUUID, err := s.allocateFileUUID(ctx, p.PatientKey, p.FileUUID, class.Extension)
	if err != nil {
		return nil, err
	}

	res := &PrepareResult{
		UploadID:    uuid.NewString(),
		FileUUID:    fileUUID,
		Category:    class.Category,
		MimeType:    class.MimeType,
		Extension:   class.Extension,
		StoragePath: naming.StoragePath(p.PatientKey, fileUUID, class.Extension),
		Limits:      s.limits,
		Quota:       snap,
	}
	if class.Category == model.CategoryImage {
		res.ThumbPath = naming.ThumbPath(p.PatientKey, fileUUID)
	}

	ttl := s.limits.SignedURLTTL
	res.UploadURLExpiresAt = s.now().UTC().Add(ttl)
	res.UploadURL, err = s.blobs.PresignUpload(ctx, res.StoragePath, class.MimeType, ttl)
	if err != nil {
		return nil, blobError("подпись URL загрузки", err)
	}

	s.logger.Debug("Загрузка подготовлена",
		slog.String("patient_key", p.PatientKey),
		slog.String("file_uuid", fileUUID),
		slog.String("category", string(class.Category)),
		slog.Int64("declared_size", p.SizeBytes),
	)
	return res, nil
}

// allocateFileUUID принимает UUID клиента, если он корректен и ещё не
// использован ни одной записью; иначе выдаёт новый.
func (s *MediaService) allocateFileUUID(ctx context.Context, patientKey, requested, ext string) (string, error) {
	parsed, err := uuid.Parse(requested)
	if err != nil {
		return uuid.NewString(), nil
	}
	fileUUID := parsed.String()

	_, err = s.repo.FindByFileRef(ctx, fileUUID, naming.StoragePath(patientKey, fileUUID, ext))
	switch {
	case err == nil:
		return uuid.NewString(), nil
	case errors.Is(err, repository.ErrNotFound):
		return fileUUID, nil
	default:
		return "", dbError("проверка fileUuid", err)
	}
}

// --- Complete ---

// CompleteParams — параметры completeUpload.
type CompleteParams struct {
	PatientKey string
	FileUUID   string
	// BlobID — идентификатор загруженного blob (ключ объекта)
	BlobID      string
	FileName    string
	MimeType    string
	DisplayName string
	// Category — заявленная клиентом категория; решает классификация
	Category   string
	IntakeID   string
	UploaderID string
}

// CompleteResult — результат completeUpload.
type CompleteResult struct {
	Media *model.MediaRecord  `json:"media"`
	Quota model.QuotaSnapshot `json:"quota"`
}

// Complete фиксирует загрузку: ровно одна запись на успешный вызов,
// ledger обновляется атомарно с её вставкой.
func (s *MediaService) Complete(ctx context.Context, p CompleteParams) (*CompleteResult, error) {
	start := time.Now()
	res, err := s.complete(ctx, p)
	uploadsTotal.WithLabelValues(resultLabel(err)).Inc()
	uploadDuration.Observe(time.Since(start).Seconds())
	return res, err
}

func (s *MediaService) complete(ctx context.Context, p CompleteParams) (*CompleteResult, error) {
	if err := validateComplete(&p); err != nil {
		return nil, err
	}

	// 1. fileUuid и blob не должны принадлежать другой записи:
	// ни один путь ниже не удаляет чужой объект.
	if err := s.checkFileRef(ctx, p); err != nil {
		return nil, err
	}

	// 2. Чтение blob
	obj, err := s.blobs.Get(ctx, p.BlobID, s.limits.MaxFileBytes)
	if err != nil {
		return nil, blobError("чтение загруженного файла", err)
	}

	// После чтения blob отмена вызывающего не прерывает фиксацию:
	// транзакция и очистка объектов доводятся до конца.
	ctx = context.WithoutCancel(ctx)
	orphans := []string{p.BlobID}

	// 3. Фактический размер
	size := obj.Size
	if size == 0 {
		s.bestEffort.deleteOrphans(ctx, "empty_file", orphans...)
		return nil, policyError(CodeEmptyFile, "загруженный файл пуст")
	}
	if size > s.limits.MaxFileBytes || int64(len(obj.Data)) > s.limits.MaxFileBytes {
		s.bestEffort.deleteOrphans(ctx, "file_too_large", orphans...)
		return nil, policyError(CodeFileTooLarge, "файл превышает допустимый размер")
	}

	// 4. Классификация по фактическому имени, fallback — заявленный MIME
	class, err := naming.DetermineCategory(p.MimeType, naming.Extension(p.FileName))
	if err != nil {
		s.bestEffort.deleteOrphans(ctx, "unsupported_type", orphans...)
		return nil, policyError(CodeUnsupportedFileType, "тип файла не поддерживается")
	}
	if p.Category != "" && p.Category != string(class.Category) {
		s.logger.Debug("Заявленная категория расходится с классификацией",
			slog.String("declared", p.Category),
			slog.String("actual", string(class.Category)),
		)
	}

	// 5. Хэш содержимого
	sum := sha256.Sum256(obj.Data)
	hash := hex.EncodeToString(sum[:])

	// 6. Дедупликация (вне транзакции, гонка допустима)
	existing, err := s.repo.FindActiveByHash(ctx, p.PatientKey, hash)
	switch {
	case err == nil:
		duplicatesTotal.Inc()
		s.bestEffort.deleteOrphans(ctx, "duplicate", unreferenced(orphans, existing)...)
		return nil, duplicateError(existing.ID)
	case !errors.Is(err, repository.ErrNotFound):
		s.bestEffort.deleteOrphans(ctx, "dedup_failed", orphans...)
		return nil, dbError("поиск дубликата", err)
	}

	// 7. Миниатюра (ошибка не фатальна)
	var thumbID string
	if class.Category == model.CategoryImage {
		thumbID = s.storeThumbnail(ctx, p, obj.Data)
		if thumbID != "" {
			orphans = append(orphans, thumbID)
		}
	}

	rec := &model.MediaRecord{
		PatientKey:    p.PatientKey,
		Category:      class.Category,
		FileUUID:      p.FileUUID,
		Filename:      p.FileName,
		DisplayName:   naming.SanitizeDisplayName(p.DisplayName, p.FileName),
		MimeType:      class.MimeType,
		Extension:     class.Extension,
		SizeBytes:     size,
		Hash:          hash,
		StoragePath:   p.BlobID,
		StorageFileID: p.BlobID,
		ThumbPath:     thumbID,
		ThumbFileID:   thumbID,
		IntakeID:      p.IntakeID,
		UploaderID:    p.UploaderID,
	}

	// 8. Транзакция: ledger + запись
	var (
		snap model.QuotaSnapshot
		dup  *model.MediaRecord
	)
	err = s.repo.InTx(ctx, func(uow repository.UnitOfWork) error {
		if s.strictDedup {
			found, err := uow.FindActiveByHash(ctx, p.PatientKey, hash)
			if err == nil {
				dup = found
				duplicatesTotal.Inc()
				return duplicateError(found.ID)
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return err
			}
		}

		q, err := uow.GetQuota(ctx, p.PatientKey)
		if err != nil {
			return err
		}
		newCount := q.TotalCount + 1
		newBytes := q.TotalBytes + size
		if s.exceedsCeiling(newCount, newBytes) {
			quotaRejectionsTotal.WithLabelValues("complete").Inc()
			return quotaExceededError(s.snapshotOf(q))
		}

		now := s.now().UTC()
		rec.CreatedAt = now
		rec.QuotaSnapshot = model.QuotaTotals{TotalCount: newCount, TotalBytes: newBytes}
		if err := uow.InsertMedia(ctx, rec); err != nil {
			return err
		}

		q.TotalCount = newCount
		q.TotalBytes = newBytes
		q.UpdatedAt = now
		if err := uow.PutQuota(ctx, q); err != nil {
			return err
		}
		snap = s.snapshotOf(q)
		return nil
	})

	// 9. Откат: удаляем оригинал и миниатюру
	if err != nil {
		// Конкурентная фиксация тех же ссылок победила: blob принадлежит ей.
		if errors.Is(err, repository.ErrConflict) {
			return nil, fileRefConflictError()
		}
		if dup != nil {
			orphans = unreferenced(orphans, dup)
		}
		s.bestEffort.deleteOrphans(ctx, "commit_failed", orphans...)
		return nil, dbError("фиксация загрузки", err)
	}

	uploadBytesTotal.Add(float64(size))
	s.logger.Info("Медиафайл загружен",
		slog.String("media_id", rec.ID),
		slog.String("patient_key", rec.PatientKey),
		slog.String("category", string(rec.Category)),
		slog.Int64("size_bytes", rec.SizeBytes),
		slog.Int("total_count", snap.TotalCount),
	)
	return &CompleteResult{Media: rec, Quota: snap}, nil
}

// validateComplete проверяет и нормализует параметры completeUpload.
func validateComplete(p *CompleteParams) error {
	if strings.TrimSpace(p.PatientKey) == "" {
		return ValidationError("не указан patientKey")
	}
	parsed, err := uuid.Parse(p.FileUUID)
	if err != nil {
		return ValidationError("fileUuid должен быть UUID")
	}
	p.FileUUID = parsed.String()

	if p.BlobID == "" {
		return ValidationError("не указан fileID")
	}
	if !naming.BelongsToPatient(p.BlobID, p.PatientKey) {
		return ValidationError("fileID не принадлежит пациенту")
	}
	p.FileName = naming.SanitizeFileName(p.FileName)
	if p.FileName == "" {
		return ValidationError("не указано имя файла")
	}
	return nil
}

// checkFileRef отклоняет фиксацию, если fileUuid или blob уже использованы.
// Повторная фиксация той же активной записи — дубликат этой записи.
func (s *MediaService) checkFileRef(ctx context.Context, p CompleteParams) error {
	found, err := s.repo.FindByFileRef(ctx, p.FileUUID, p.BlobID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil
	case err != nil:
		return dbError("проверка ссылок на файл", err)
	}

	if found.IsActive() && found.PatientKey == p.PatientKey &&
		found.FileUUID == p.FileUUID && found.StorageFileID == p.BlobID {
		duplicatesTotal.Inc()
		return duplicateError(found.ID)
	}
	s.logger.Warn("Ссылки на файл уже использованы другой записью",
		slog.String("patient_key", p.PatientKey),
		slog.String("file_uuid", p.FileUUID),
		slog.String("media_id", found.ID),
	)
	return fileRefConflictError()
}

func fileRefConflictError() *Error {
	return ValidationError("fileUuid или fileID уже использованы другой записью")
}

// storeThumbnail генерирует и сохраняет миниатюру. Возвращает её
// идентификатор или пустую строку при неудаче.
func (s *MediaService) storeThumbnail(ctx context.Context, p CompleteParams, data []byte) string {
	if s.thumbs == nil {
		return ""
	}

	logger := s.logger.With(
		slog.String("patient_key", p.PatientKey),
		slog.String("file_uuid", p.FileUUID),
	)

	thumb, err := s.thumbs.Generate(data)
	if err != nil {
		thumbnailFailuresTotal.Inc()
		logger.Warn("Не удалось сгенерировать миниатюру", slog.String("error", err.Error()))
		return ""
	}

	id := naming.ThumbPath(p.PatientKey, p.FileUUID)
	if err := s.blobs.Put(ctx, id, thumb, "image/jpeg"); err != nil {
		thumbnailFailuresTotal.Inc()
		logger.Warn("Не удалось сохранить миниатюру", slog.String("error", err.Error()))
		return ""
	}
	return id
}

// unreferenced исключает blob'ы, на которые ссылается существующая запись.
// Повторная фиксация того же объекта не должна удалить чужое содержимое.
func unreferenced(ids []string, rec *model.MediaRecord) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == rec.StorageFileID || id == rec.ThumbFileID {
			continue
		}
		out = append(out, id)
	}
	return out
}
