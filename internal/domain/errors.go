package domain

import "errors"

// ErrNotFound возвращается, когда сущность отсутствует в локальном кэше.
// Вызывающий код для пользователей и штампов делает on-demand выборку из апстрима.
var ErrNotFound = errors.New("сущность не найдена в кэше")

// ErrUpstreamUnavailable возвращается при неудачном запросе к апстриму.
var ErrUpstreamUnavailable = errors.New("апстрим недоступен")

// ErrNoCredential возвращается, когда нет ни одного сохранённого токена.
var ErrNoCredential = errors.New("нет действующего токена для запроса к апстриму")

// ErrStaleCursor помечает курсор пагинации, который больше не раскодируется.
// Ошибка мягкая: лента в этом случае строится с чистого курсора.
var ErrStaleCursor = errors.New("курсор пагинации устарел")
