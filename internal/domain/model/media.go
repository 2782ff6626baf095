// Пакет model — доменные модели хранилища медиафайлов пациентов.
// MediaRecord — запись о загруженном вложении, QuotaRecord — учётная
// запись квоты пациента (ledger).
package model

import (
	"time"
)

// Category — категория медиафайла.
type Category string

const (
	// CategoryImage — изображение (генерируется миниатюра)
	CategoryImage Category = "image"
	// CategoryDocument — документ
	CategoryDocument Category = "document"
)

// PreviewVariant — вариант предпросмотра.
type PreviewVariant string

const (
	// VariantThumb — миниатюра (для изображений, с fallback на оригинал)
	VariantThumb PreviewVariant = "thumb"
	// VariantFull — оригинальный файл
	VariantFull PreviewVariant = "full"
)

// QuotaTotals — итоги ledger после применения операции.
// Сохраняется в MediaRecord как точка аудита, не пересчитывается.
type QuotaTotals struct {
	TotalCount int   `json:"totalCount"`
	TotalBytes int64 `json:"totalBytes"`
}

// MediaRecord — одно загруженное вложение пациента.
type MediaRecord struct {
	// ID — уникальный идентификатор записи (UUID), назначается при вставке
	ID string `json:"id"`

	// PatientKey — идентификатор пациента-владельца. Неизменяем.
	PatientKey string `json:"patientKey"`

	// Category — категория, вычисленная при Complete
	Category Category `json:"category"`

	// FileUUID — идентификатор содержимого, используется в имени blob
	FileUUID string `json:"fileUuid"`

	// Filename — оригинальное имя файла (без пути)
	Filename string `json:"filename"`

	// DisplayName — отображаемое имя (не более 120 символов)
	DisplayName string `json:"displayName"`

	// MimeType и Extension — нормализованная пара, согласованная с Category
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`

	// SizeBytes — фактический размер blob (не заявленный клиентом)
	SizeBytes int64 `json:"sizeBytes"`

	// Hash — SHA-256 содержимого (hex), ключ дедупликации внутри пациента
	Hash string `json:"hash"`

	StoragePath   string `json:"storagePath"`
	StorageFileID string `json:"storageFileId"`

	// ThumbPath и ThumbFileID заполнены только для изображений
	// с успешно сгенерированной миниатюрой
	ThumbPath   string `json:"thumbPath,omitempty"`
	ThumbFileID string `json:"thumbFileId,omitempty"`

	// IntakeID — метка intake-заявки, по которой работает массовая очистка
	IntakeID string `json:"intakeId,omitempty"`

	UploaderID string    `json:"uploaderId"`
	CreatedAt  time.Time `json:"createdAt"`

	// DownloadCount — счётчик скачиваний (best-effort, не транзакционный)
	DownloadCount int64 `json:"downloadCount"`

	// DeletedAt и DeletedBy — nil/пусто для активной записи
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	DeletedBy string     `json:"deletedBy,omitempty"`

	// BlobsPurgedAt — момент удаления blob'ов после soft delete.
	// nil у удалённой записи означает, что очистка хранилища не удалась
	// и будет повторена фоновым сервисом.
	BlobsPurgedAt *time.Time `json:"-"`

	// QuotaSnapshot — итоги ledger после эффекта этой записи
	QuotaSnapshot QuotaTotals `json:"quotaSnapshot"`
}

// IsActive возвращает true, если запись не помечена как удалённая.
func (m *MediaRecord) IsActive() bool {
	return m.DeletedAt == nil
}

// BlobIDs возвращает непустые идентификаторы blob'ов записи (оригинал и миниатюра).
func (m *MediaRecord) BlobIDs() []string {
	ids := make([]string, 0, 2)
	if m.StorageFileID != "" {
		ids = append(ids, m.StorageFileID)
	}
	if m.ThumbFileID != "" {
		ids = append(ids, m.ThumbFileID)
	}
	return ids
}

// QuotaRecord — ledger пациента. Отсутствие записи эквивалентно {0,0}.
type QuotaRecord struct {
	PatientKey string    `json:"patientKey"`
	TotalCount int       `json:"totalCount"`
	TotalBytes int64     `json:"totalBytes"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Totals возвращает итоги ledger.
func (q *QuotaRecord) Totals() QuotaTotals {
	return QuotaTotals{TotalCount: q.TotalCount, TotalBytes: q.TotalBytes}
}
