package timeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"traq-timeline/internal/domain"
)

// bucketMark — вотермарка одной корзины: последнее потреблённое ею
// сообщение. created_at дублируется для приближённого восстановления
// позиции, когда сообщение выпало из выборки.
type bucketMark struct {
	LastID    uuid.UUID `json:"lastId"`
	CreatedAt time.Time `json:"createdAt"`
}

// cursor — непрозрачная граница пагинации: вотермарки корзин,
// потреблённых хотя бы на одну позицию.
type cursor struct {
	Buckets map[string]bucketMark `json:"buckets"`
}

func encodeCursor(c cursor) string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(raw string) (cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: декодирование: %v", domain.ErrStaleCursor, err)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return cursor{}, fmt.Errorf("%w: разбор: %v", domain.ErrStaleCursor, err)
	}
	for name, mark := range c.Buckets {
		if mark.LastID == uuid.Nil {
			return cursor{}, fmt.Errorf("%w: пустая вотермарка корзины %s", domain.ErrStaleCursor, name)
		}
	}
	return c, nil
}
