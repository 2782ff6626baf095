// retrieval.go — выдача подписанных URL, предпросмотр и список медиафайлов.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/patient-media/internal/blobstore"
	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
	"github.com/bigkaa/goartstore/patient-media/internal/domain/naming"
)

// downloadsTotal — выданные URL и предпросмотры (по виду и результату).
var downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pm_retrievals_total",
	Help: "Общее количество запросов на скачивание и предпросмотр (по виду и результату).",
}, []string{"kind", "result"})

const mimeTextPlain = "text/plain"

// PreviewResult — подписанный URL предпросмотра.
type PreviewResult struct {
	SignedURL
	Variant   model.PreviewVariant `json:"variant"`
	MimeType  string               `json:"mimeType"`
	SizeBytes int64                `json:"sizeBytes"`
}

// TextPreview — содержимое текстового файла.
type TextPreview struct {
	Content string `json:"content"`
	// Length — длина содержимого в байтах
	Length int `json:"length"`
}

// ListResult — активные медиафайлы пациента.
type ListResult struct {
	Images    []*model.MediaRecord `json:"images"`
	Documents []*model.MediaRecord `json:"documents"`
	Quota     model.QuotaSnapshot  `json:"quota"`
}

// Download выдаёт подписанный URL на скачивание оригинала.
func (s *MediaService) Download(ctx context.Context, mediaID string) (*SignedURL, error) {
	res, err := s.download(ctx, mediaID)
	downloadsTotal.WithLabelValues("download", resultLabel(err)).Inc()
	return res, err
}

func (s *MediaService) download(ctx context.Context, mediaID string) (*SignedURL, error) {
	rec, err := s.getActive(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	if rec.StorageFileID == "" {
		return nil, notFoundError(CodeFileNotFound, "у записи нет файла в хранилище", nil)
	}

	disposition := naming.ContentDisposition("attachment", rec.DisplayName)
	u, err := s.sign(ctx, rec.StorageFileID, disposition)
	if err != nil {
		return nil, blobError("подпись URL скачивания", err)
	}

	s.bestEffort.incrementDownloads(ctx, rec.ID)
	return &u, nil
}

// Preview выдаёт подписанный URL предпросмотра. Пустой variant —
// миниатюра для изображений и оригинал для документов. Миниатюра
// при отсутствии заменяется оригиналом; в ответе указан фактический вариант.
func (s *MediaService) Preview(ctx context.Context, mediaID string, variant model.PreviewVariant) (*PreviewResult, error) {
	res, err := s.preview(ctx, mediaID, variant)
	downloadsTotal.WithLabelValues("preview", resultLabel(err)).Inc()
	return res, err
}

func (s *MediaService) preview(ctx context.Context, mediaID string, variant model.PreviewVariant) (*PreviewResult, error) {
	switch variant {
	case "", model.VariantThumb, model.VariantFull:
	default:
		return nil, ValidationError("неизвестный вариант предпросмотра %q", variant)
	}

	rec, err := s.getActive(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	if variant == "" {
		variant = model.VariantFull
		if rec.Category == model.CategoryImage {
			variant = model.VariantThumb
		}
	}

	res := &PreviewResult{
		Variant:   model.VariantFull,
		MimeType:  rec.MimeType,
		SizeBytes: rec.SizeBytes,
	}
	target := rec.StorageFileID
	if variant == model.VariantThumb && rec.Category == model.CategoryImage && rec.ThumbFileID != "" {
		target = rec.ThumbFileID
		res.Variant = model.VariantThumb
		res.MimeType = "image/jpeg"
	}
	if target == "" {
		return nil, transientError(CodePreviewUnavailable, "предпросмотр недоступен", nil)
	}

	u, err := s.sign(ctx, target, naming.ContentDisposition("inline", rec.DisplayName))
	if err != nil {
		return nil, transientError(CodePreviewUnavailable, "предпросмотр недоступен", err)
	}
	res.SignedURL = u
	return res, nil
}

// PreviewText возвращает содержимое text/plain файла. Ничего не сохраняет:
// файл читается при каждом вызове.
func (s *MediaService) PreviewText(ctx context.Context, mediaID string) (*TextPreview, error) {
	res, err := s.previewText(ctx, mediaID)
	downloadsTotal.WithLabelValues("preview_txt", resultLabel(err)).Inc()
	return res, err
}

func (s *MediaService) previewText(ctx context.Context, mediaID string) (*TextPreview, error) {
	rec, err := s.getActive(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	if rec.MimeType != mimeTextPlain {
		return nil, policyError(CodeUnsupportedPreview, "предпросмотр доступен только для text/plain")
	}
	if rec.StorageFileID == "" {
		return nil, notFoundError(CodeFileNotFound, "у записи нет файла в хранилище", nil)
	}

	limit := s.limits.TxtPreviewLimit
	if rec.SizeBytes > limit {
		return nil, policyError(CodeTxtTooLarge, "файл слишком велик для предпросмотра")
	}

	obj, err := s.blobs.Get(ctx, rec.StorageFileID, limit)
	if err != nil {
		return nil, blobError("чтение текстового файла", err)
	}
	if obj.Size > limit || int64(len(obj.Data)) > limit {
		return nil, policyError(CodeTxtTooLarge, "файл слишком велик для предпросмотра")
	}

	content := strings.ToValidUTF8(string(obj.Data), "\uFFFD")
	return &TextPreview{Content: content, Length: len(content)}, nil
}

// List возвращает активные медиафайлы пациента (новые первыми) и квоту.
func (s *MediaService) List(ctx context.Context, patientKey string) (*ListResult, error) {
	snap, err := s.Snapshot(ctx, patientKey)
	if err != nil {
		return nil, err
	}

	records, err := s.repo.ListActive(ctx, patientKey, s.limits.ListLimit)
	if err != nil {
		return nil, dbError("список медиафайлов", err)
	}

	res := &ListResult{
		Images:    make([]*model.MediaRecord, 0),
		Documents: make([]*model.MediaRecord, 0),
		Quota:     snap,
	}
	for _, rec := range records {
		if rec.Category == model.CategoryImage {
			res.Images = append(res.Images, rec)
		} else {
			res.Documents = append(res.Documents, rec)
		}
	}
	return res, nil
}

// sign выдаёт подписанный URL, используя кэш.
func (s *MediaService) sign(ctx context.Context, blobID, disposition string) (SignedURL, error) {
	if u, ok := s.urls.Get(blobID, disposition); ok {
		return u, nil
	}

	ttl := s.limits.SignedURLTTL
	expiresAt := s.now().UTC().Add(ttl)
	raw, err := s.blobs.SignedURL(ctx, blobID, ttl, disposition)
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			s.logger.Warn("Ошибка подписи URL",
				slog.String("blob_id", blobID),
				slog.String("error", err.Error()),
			)
		}
		return SignedURL{}, err
	}

	u := SignedURL{URL: raw, ExpiresAt: expiresAt}
	s.urls.Set(blobID, disposition, u)
	return u, nil
}
