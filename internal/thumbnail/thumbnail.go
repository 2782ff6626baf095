// Пакет thumbnail — генерация JPEG-миниатюр изображений.
// Изображение масштабируется и обрезается по центру до заданных размеров
// (disintegration/imaging), затем перекодируется в JPEG.
package thumbnail

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultQuality — качество JPEG по умолчанию.
	DefaultQuality = 80
	// DefaultMaxPixels — предел площади исходного изображения (40 Мп).
	// Декодированный RGBA занимает 4 байта на пиксель.
	DefaultMaxPixels = 40_000_000
)

var (
	// ErrInvalidSize — некорректные размеры миниатюры.
	ErrInvalidSize = errors.New("размеры миниатюры должны быть положительными")
	// ErrTooManyPixels — исходное изображение больше допустимой площади.
	ErrTooManyPixels = errors.New("изображение слишком большое для миниатюры")
)

// Generator генерирует миниатюры фиксированного размера.
type Generator struct {
	width     int
	height    int
	quality   int
	maxPixels int64
}

// New создаёт генератор миниатюр width×height.
func New(width, height, quality int) (*Generator, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Generator{width: width, height: height, quality: quality, maxPixels: DefaultMaxPixels}, nil
}

// WithMaxPixels переопределяет предел площади исходного изображения.
// n <= 0 оставляет текущее значение.
func (g *Generator) WithMaxPixels(n int64) *Generator {
	if n > 0 {
		g.maxPixels = n
	}
	return g
}

// Generate декодирует изображение (JPEG, PNG, WebP) и возвращает
// JPEG-миниатюру. Изображения больше maxPixels отклоняются с ErrTooManyPixels.
func (g *Generator) Generate(data []byte) ([]byte, error) {
	// Размеры из заголовка проверяются до декодирования пикселей
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения заголовка изображения: %w", err)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > g.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("ошибка декодирования изображения: %w", err)
	}

	thumb := imaging.Fill(img, g.width, g.height, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(g.quality)); err != nil {
		return nil, fmt.Errorf("ошибка кодирования миниатюры: %w", err)
	}
	return buf.Bytes(), nil
}
