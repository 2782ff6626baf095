// Пакет naming — чистые функции имён и классификации медиафайлов:
// санитизация имён, определение категории по расширению/MIME,
// построение путей в объектном хранилище и заголовка Content-Disposition.
// Побочных эффектов нет.
package naming

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
)

// ErrUnsupportedFileType — ни расширение, ни MIME-тип не входят в список допустимых.
var ErrUnsupportedFileType = errors.New("неподдерживаемый тип файла")

// DisplayNameMaxRunes — максимальная длина отображаемого имени (в символах).
const DisplayNameMaxRunes = 120

// UntitledName — имя по умолчанию, если имя и fallback пусты.
const UntitledName = "Без названия"

const ellipsis = "…"

// fileType — строка таблицы допустимых типов.
type fileType struct {
	mime     string
	category model.Category
}

// extTable — фиксированная таблица расширение → MIME/категория.
var extTable = map[string]fileType{
	".jpg":  {"image/jpeg", model.CategoryImage},
	".jpeg": {"image/jpeg", model.CategoryImage},
	".png":  {"image/png", model.CategoryImage},
	".webp": {"image/webp", model.CategoryImage},
	".txt":  {"text/plain", model.CategoryDocument},
	".pdf":  {"application/pdf", model.CategoryDocument},
	".doc":  {"application/msword", model.CategoryDocument},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", model.CategoryDocument},
	".xls":  {"application/vnd.ms-excel", model.CategoryDocument},
	".xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", model.CategoryDocument},
}

// mimeTable — обратное отображение MIME → каноническое расширение.
var mimeTable = map[string]string{
	"image/jpeg":         ".jpg",
	"image/jpg":          ".jpg",
	"image/pjpeg":        ".jpg",
	"image/png":          ".png",
	"image/webp":         ".webp",
	"text/plain":         ".txt",
	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.ms-excel": ".xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": ".xlsx",
}

// Classification — результат классификации: согласованная тройка
// категория / MIME-тип / расширение.
type Classification struct {
	Category  model.Category `json:"category"`
	MimeType  string         `json:"mimeType"`
	Extension string         `json:"extension"`
}

// SanitizeFileName возвращает последний сегмент пути (разделители / и \).
// Пустой ввод даёт пустой результат.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSpace(name)
}

// SanitizeDisplayName обрезает пробелы, подставляет fallback, затем UntitledName,
// и ограничивает результат DisplayNameMaxRunes символами (последний — многоточие).
func SanitizeDisplayName(name, fallback string) string {
	name = strings.TrimSpace(stripControl(name))
	if name == "" {
		name = strings.TrimSpace(stripControl(fallback))
	}
	if name == "" {
		return UntitledName
	}
	if utf8.RuneCountInString(name) <= DisplayNameMaxRunes {
		return name
	}
	r := []rune(name)
	return strings.TrimSpace(string(r[:DisplayNameMaxRunes-1])) + ellipsis
}

// Extension возвращает расширение имени файла в нижнем регистре (с точкой).
func Extension(fileName string) string {
	return strings.ToLower(path.Ext(SanitizeFileName(fileName)))
}

// DetermineCategory классифицирует файл по расширению и/или MIME-типу.
// Известное расширение имеет приоритет; иначе расширение выводится из MIME.
// Возвращает ErrUnsupportedFileType, если ни один сигнал не распознан.
func DetermineCategory(mimeType, extension string) (Classification, error) {
	ext := normalizeExtension(extension)
	if ft, ok := extTable[ext]; ok {
		return Classification{Category: ft.category, MimeType: ft.mime, Extension: ext}, nil
	}

	if ext, ok := mimeTable[normalizeMime(mimeType)]; ok {
		ft := extTable[ext]
		return Classification{Category: ft.category, MimeType: ft.mime, Extension: ext}, nil
	}

	return Classification{}, fmt.Errorf("%w: расширение %q, MIME %q", ErrUnsupportedFileType, extension, mimeType)
}

// normalizeExtension приводит расширение к виду ".ext" в нижнем регистре.
func normalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// normalizeMime отбрасывает параметры (charset и т.п.) и приводит к нижнему регистру.
func normalizeMime(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// --- Пути в объектном хранилище ---

// PatientPrefix возвращает префикс, под которым лежат все blob'ы пациента.
func PatientPrefix(patientKey string) string {
	return "patients/" + url.PathEscape(patientKey) + "/"
}

// StoragePath строит детерминированный путь оригинала: patients/{key}/media/{uuid}{ext}.
func StoragePath(patientKey, fileUUID, ext string) string {
	return PatientPrefix(patientKey) + "media/" + fileUUID + normalizeExtension(ext)
}

// ThumbPath строит путь миниатюры: patients/{key}/thumbs/{uuid}.jpg.
func ThumbPath(patientKey, fileUUID string) string {
	return PatientPrefix(patientKey) + "thumbs/" + fileUUID + ".jpg"
}

// BelongsToPatient проверяет, что blobID лежит под префиксом пациента
// и не содержит переходов "..".
func BelongsToPatient(blobID, patientKey string) bool {
	if strings.Contains(blobID, "..") {
		return false
	}
	prefix := PatientPrefix(patientKey)
	return strings.HasPrefix(blobID, prefix) && len(blobID) > len(prefix)
}

// --- Content-Disposition ---

// ContentDisposition строит значение заголовка Content-Disposition:
// ASCII-версия имени в filename="..." и UTF-8 версия в filename*= (RFC 5987).
// Символы \r и \n удаляются.
func ContentDisposition(disposition, displayName string) string {
	if disposition == "" {
		disposition = "attachment"
	}
	name := strings.TrimSpace(stripControl(displayName))
	if name == "" {
		name = "file"
	}

	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`,
		disposition, quoteASCII(foldASCII(name)), encodeRFC5987(name))
}

// foldASCII убирает диакритику (NFD + удаление Mn), остальные не-ASCII
// символы заменяет на '_'.
func foldASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// quoteASCII экранирует кавычки и обратные слэши для quoted-string.
func quoteASCII(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// encodeRFC5987 кодирует строку как ext-value (percent-encoding всех байт вне attr-char).
func encodeRFC5987(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

// stripControl удаляет управляющие символы (включая \r и \n).
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
