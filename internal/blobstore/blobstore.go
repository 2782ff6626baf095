// Пакет blobstore — объектное хранилище содержимого медиафайлов.
// Реализации: S3/MinIO (aws-sdk-go-v2) и in-memory.
// Идентификатор blob совпадает с ключом объекта (путём в хранилище).
package blobstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound — объект отсутствует в хранилище.
var ErrNotFound = errors.New("объект не найден в хранилище")

// Object — прочитанный blob.
type Object struct {
	// Data — содержимое (не более limit+1 байт)
	Data []byte
	// Size — фактический размер объекта в хранилище
	Size int64
	// ContentType — тип, сохранённый при загрузке
	ContentType string
}

// Truncated возвращает true, если содержимое прочитано не полностью.
func (o *Object) Truncated() bool {
	return int64(len(o.Data)) < o.Size
}

// Store — операции с объектным хранилищем.
type Store interface {
	// Get читает объект. Читается не более limit+1 байт: этого достаточно,
	// чтобы отличить объект размером limit от превышающего его.
	Get(ctx context.Context, id string, limit int64) (*Object, error)
	// Put сохраняет объект (перезаписывает существующий).
	Put(ctx context.Context, id string, data []byte, contentType string) error
	// Delete удаляет объект. Отсутствие объекта ошибкой не считается.
	Delete(ctx context.Context, id string) error
	// SignedURL выдаёт подписанный URL на скачивание с заданным
	// Content-Disposition ответа.
	SignedURL(ctx context.Context, id string, ttl time.Duration, contentDisposition string) (string, error)
	// PresignUpload выдаёт подписанный URL для прямой загрузки (PUT).
	PresignUpload(ctx context.Context, id, contentType string, ttl time.Duration) (string, error)
}
