package model

import "time"

// Значения лимитов по умолчанию.
const (
	DefaultMaxFileBytes    int64 = 10 * 1024 * 1024
	DefaultMaxCount              = 20
	DefaultMaxTotalBytes   int64 = 30 * 1024 * 1024
	DefaultSignedURLTTL          = 10 * time.Minute
	DefaultThumbWidth            = 360
	DefaultThumbHeight           = 360
	DefaultTxtPreviewLimit int64 = 256 * 1024
	DefaultListLimit             = 50
)

// Limits — глобальные лимиты процесса (не настраиваются per-patient).
type Limits struct {
	// MaxFileBytes — потолок размера одного файла
	MaxFileBytes int64 `json:"maxFileBytes"`
	// MaxCount — максимум активных файлов у пациента
	MaxCount int `json:"maxCount"`
	// MaxTotalBytes — максимум активных байт у пациента
	MaxTotalBytes int64 `json:"maxTotalBytes"`
	// SignedURLTTL — время жизни подписанных URL
	SignedURLTTL time.Duration `json:"-"`
	// ThumbWidth, ThumbHeight — размеры миниатюры
	ThumbWidth  int `json:"thumbWidth"`
	ThumbHeight int `json:"thumbHeight"`
	// TxtPreviewLimit — потолок inline-предпросмотра текста
	TxtPreviewLimit int64 `json:"txtPreviewLimit"`
	// ListLimit — максимум записей в ответе list
	ListLimit int `json:"-"`
}

// DefaultLimits возвращает лимиты по умолчанию.
func DefaultLimits() Limits {
	return Limits{
		MaxFileBytes:    DefaultMaxFileBytes,
		MaxCount:        DefaultMaxCount,
		MaxTotalBytes:   DefaultMaxTotalBytes,
		SignedURLTTL:    DefaultSignedURLTTL,
		ThumbWidth:      DefaultThumbWidth,
		ThumbHeight:     DefaultThumbHeight,
		TxtPreviewLimit: DefaultTxtPreviewLimit,
		ListLimit:       DefaultListLimit,
	}
}

// QuotaSnapshot — представление ledger для клиента: итоги, потолки и остаток.
type QuotaSnapshot struct {
	TotalCount     int        `json:"totalCount"`
	TotalBytes     int64      `json:"totalBytes"`
	MaxCount       int        `json:"maxCount"`
	MaxBytes       int64      `json:"maxBytes"`
	RemainingCount int        `json:"remainingCount"`
	RemainingBytes int64      `json:"remainingBytes"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

// NewQuotaSnapshot строит снимок квоты из итогов и лимитов.
// Остаток не бывает отрицательным.
func NewQuotaSnapshot(totals QuotaTotals, limits Limits, updatedAt *time.Time) QuotaSnapshot {
	return QuotaSnapshot{
		TotalCount:     totals.TotalCount,
		TotalBytes:     totals.TotalBytes,
		MaxCount:       limits.MaxCount,
		MaxBytes:       limits.MaxTotalBytes,
		RemainingCount: max(limits.MaxCount-totals.TotalCount, 0),
		RemainingBytes: max(limits.MaxTotalBytes-totals.TotalBytes, 0),
		UpdatedAt:      updatedAt,
	}
}
