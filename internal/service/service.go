// Пакет service — бизнес-логика хранилища медиафайлов пациентов.
// MediaService объединяет двухфазную загрузку (Prepare/Complete), ledger
// квоты, дедупликацию, выдачу подписанных URL и soft delete.
// Репозиторий и объектное хранилище передаются в конструктор явно.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/patient-media/internal/blobstore"
	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
	"github.com/bigkaa/goartstore/patient-media/internal/repository"
)

// Thumbnailer генерирует JPEG-миниатюру изображения.
type Thumbnailer interface {
	Generate(data []byte) ([]byte, error)
}

// Options — параметры MediaService.
type Options struct {
	// Limits — глобальные лимиты процесса
	Limits model.Limits
	// StrictDedup — повторная проверка дубликата внутри транзакции
	StrictDedup bool
	// URLCacheSize — размер кэша подписанных URL (0 — кэш отключён)
	URLCacheSize int
}

// MediaService — сервис хранилища медиафайлов пациентов.
type MediaService struct {
	repo        repository.Store
	blobs       blobstore.Store
	thumbs      Thumbnailer
	urls        *URLCache
	limits      model.Limits
	strictDedup bool
	bestEffort  bestEffort
	logger      *slog.Logger

	now func() time.Time
}

// NewMediaService создаёт сервис. thumbs может быть nil — тогда
// миниатюры не генерируются.
func NewMediaService(
	repo repository.Store,
	blobs blobstore.Store,
	thumbs Thumbnailer,
	opts Options,
	logger *slog.Logger,
) *MediaService {
	logger = logger.With(slog.String("component", "media_service"))

	var urls *URLCache
	if opts.URLCacheSize > 0 {
		urls = NewURLCache(opts.URLCacheSize, opts.Limits.SignedURLTTL/2)
	}

	return &MediaService{
		repo:        repo,
		blobs:       blobs,
		thumbs:      thumbs,
		urls:        urls,
		limits:      opts.Limits,
		strictDedup: opts.StrictDedup,
		bestEffort:  bestEffort{repo: repo, blobs: blobs, urls: urls, logger: logger},
		logger:      logger,
		now:         time.Now,
	}
}

// Limits возвращает лимиты, с которыми работает сервис.
func (s *MediaService) Limits() model.Limits {
	return s.limits
}

// --- Отображение ошибок нижних слоёв ---

// dbError переводит ошибку репозитория в ошибку сервиса.
// Уже типизированные ошибки (например, отказ по квоте внутри
// транзакции) возвращаются без изменений.
func dbError(op string, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return transientError(CodeDatabaseUnavailable, "база данных недоступна",
		fmt.Errorf("%s: %w", op, err))
}

// blobError переводит ошибку объектного хранилища в ошибку сервиса.
func blobError(op string, err error) error {
	if errors.Is(err, blobstore.ErrNotFound) {
		return notFoundError(CodeFileNotFound, "файл не найден в хранилище", err)
	}
	return transientError(CodeStorageUnavailable, "объектное хранилище недоступно",
		fmt.Errorf("%s: %w", op, err))
}

// getActive читает активную запись вне транзакции.
func (s *MediaService) getActive(ctx context.Context, mediaID string) (*model.MediaRecord, error) {
	if strings.TrimSpace(mediaID) == "" {
		return nil, ValidationError("не указан mediaId")
	}
	rec, err := s.repo.GetMedia(ctx, mediaID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundError(CodeNotFound, "медиафайл не найден", err)
		}
		return nil, dbError("чтение записи", err)
	}
	if !rec.IsActive() {
		return nil, notFoundError(CodeNotFound, "медиафайл не найден", nil)
	}
	return rec, nil
}

// resultLabel — значение label метрики по результату операции.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(AsError(err).Code)
}

// URLCache возвращает кэш подписанных URL (nil, если отключён).
func (s *MediaService) URLCache() *URLCache {
	return s.urls
}
