// Пакет openapi — встроенный OpenAPI-контракт Patient Media и проверка
// входящих запросов диспетчера по нему (kin-openapi openapi3filter).
package openapi

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
)

//go:embed openapi.yaml
var specYAML []byte

// MediaPath — путь диспетчера.
const MediaPath = "/api/v1/media"

// Spec возвращает исходный текст контракта.
func Spec() []byte {
	return specYAML
}

// Validator проверяет тело запроса диспетчера по схеме MediaRequest.
type Validator struct {
	route *routers.Route
}

// NewValidator загружает и проверяет встроенный контракт.
func NewValidator() (*Validator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("загрузка OpenAPI: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("валидация OpenAPI: %w", err)
	}

	item := doc.Paths.Find(MediaPath)
	if item == nil || item.Post == nil {
		return nil, fmt.Errorf("в контракте нет операции POST %s", MediaPath)
	}

	return &Validator{
		route: &routers.Route{
			Spec:      doc,
			Path:      MediaPath,
			PathItem:  item,
			Method:    http.MethodPost,
			Operation: item.Post,
		},
	}, nil
}

// ValidateRequest проверяет запрос. Тело остаётся доступным для чтения.
// Возвращённая ошибка содержит человекочитаемую причину.
func (v *Validator) ValidateRequest(r *http.Request) error {
	if r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "application/json")
	}

	input := &openapi3filter.RequestValidationInput{
		Request: r,
		Route:   v.route,
		Options: &openapi3filter.Options{MultiError: false},
	}
	err := openapi3filter.ValidateRequest(r.Context(), input)
	if err == nil {
		return nil
	}
	return errors.New(reason(err))
}

// reason извлекает причину из ошибки kin-openapi без служебных префиксов.
func reason(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		var schemaErr *openapi3.SchemaError
		if errors.As(reqErr.Err, &schemaErr) {
			field := strings.Join(schemaErr.JSONPointer(), ".")
			if field != "" {
				return fmt.Sprintf("поле %s: %s", field, schemaErr.Reason)
			}
			return schemaErr.Reason
		}
		if reqErr.Reason != "" {
			return reqErr.Reason
		}
		if reqErr.Err != nil {
			return reqErr.Err.Error()
		}
	}
	return err.Error()
}
