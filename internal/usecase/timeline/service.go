package timeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traq-timeline/internal/domain"
	"traq-timeline/internal/infra/metrics"
)

const (
	// pageSize — размер страницы ленты.
	pageSize = 20

	// bucketCap ограничивает выборку кандидатов каждой корзины.
	bucketCap = 100

	// affinityWindow — глубина истории взаимодействий для корзины близости.
	affinityWindow = 14 * 24 * time.Hour
)

// bucketName идентифицирует корзину кандидатов в курсоре и логах.
type bucketName string

const (
	bucketRecency    bucketName = "recency"
	bucketPopularity bucketName = "popularity"
	bucketAffinity   bucketName = "affinity"
	bucketInterest   bucketName = "interest"
)

// bucketOrder задаёт, сколько слотов подряд получает корзина за один
// круг чередования. Порядок обхода фиксирован: при равных правах
// свежесть выигрывает.
var bucketOrder = []struct {
	name   bucketName
	weight int
}{
	{bucketRecency, 3},
	{bucketPopularity, 2},
	{bucketAffinity, 2},
	{bucketInterest, 1},
}

// Service собирает персональную ленту слиянием четырёх корзин кандидатов.
type Service struct {
	messages domain.MessageRepo
	log      zerolog.Logger
}

// NewService создаёт сборщик ленты.
func NewService(messages domain.MessageRepo, logger zerolog.Logger) *Service {
	return &Service{messages: messages, log: logger}
}

// Direction задаёт сторону пагинации относительно курсора.
type Direction string

const (
	DirectionNext Direction = "next"
	DirectionPrev Direction = "prev"
)

// Page возвращает страницу ленты для пользователя. Пустой курсор
// означает начало ленты. Непригодный курсор не является ошибкой:
// лента отдаётся с начала.
//
// Продолжение устойчиво к движению ленты: курсор фиксирует вотермарку
// каждой корзины (последнее потреблённое сообщение), и следующая
// страница возобновляет чередование с этих вотермарок в свежих
// выборках. Появление новых сообщений в голове корзины не сдвигает
// точку продолжения.
func (s *Service) Page(ctx context.Context, userID uuid.UUID, rawCursor string, direction Direction) (domain.TimelinePage, error) {
	start := time.Now()
	defer func() {
		metrics.TimelineBuildSeconds.Observe(time.Since(start).Seconds())
	}()

	buckets := s.loadBuckets(ctx, userID)

	var cur cursor
	hasCursor := false
	if rawCursor != "" {
		decoded, err := decodeCursor(rawCursor)
		if err != nil {
			metrics.StaleCursors.Inc()
			s.log.Debug().Str("user", userID.String()).Msg("курсор не раскодировался, лента с начала")
		} else {
			cur = decoded
			hasCursor = true
		}
	}

	if hasCursor && direction == DirectionPrev {
		return s.pageBackward(userID, buckets, cur), nil
	}
	return s.pageForward(userID, buckets, cur, hasCursor), nil
}

// pageForward продолжает чередование от вотермарок курсора вперёд.
func (s *Service) pageForward(userID uuid.UUID, buckets []*bucketState, cur cursor, hasCursor bool) domain.TimelinePage {
	anchored := false
	if hasCursor {
		anchored = resumeOffsets(buckets, cur)
	}
	startOffsets := snapshotOffsets(buckets)
	slots := mergeSlots(buckets, nil, preconsumed(buckets), pageSize)

	if hasCursor && !anchored && len(slots) == 0 {
		// Ни одна вотермарка не нашлась и продолжать нечего: лента
		// полностью провернулась за время простоя. Курсор мягко
		// инвалидируется, клиент получает актуальное начало.
		metrics.StaleCursors.Inc()
		s.log.Debug().Str("user", userID.String()).Msg("курсор устарел, лента с начала")
		resetOffsets(buckets)
		startOffsets = snapshotOffsets(buckets)
		slots = mergeSlots(buckets, nil, map[uuid.UUID]struct{}{}, pageSize)
	}

	page := domain.TimelinePage{Items: make([]domain.TimelineItem, 0, len(slots))}
	for _, slot := range slots {
		page.Items = append(page.Items, toTimelineItem(slot.item, userID))
	}

	remaining := false
	for _, b := range buckets {
		if b.off < len(b.items) {
			remaining = true
			break
		}
	}
	if remaining && len(slots) > 0 {
		page.NextCursor = encodeCursor(marksAt(buckets, snapshotOffsets(buckets)))
	}
	for _, off := range startOffsets {
		if off > 0 {
			page.PrevCursor = encodeCursor(marksAt(buckets, startOffsets))
			break
		}
	}
	return page
}

// pageBackward воспроизводит чередование от начала до границы курсора
// и отдаёт последние pageSize позиций перед ней.
func (s *Service) pageBackward(userID uuid.UUID, buckets []*bucketState, cur cursor) domain.TimelinePage {
	resumeOffsets(buckets, cur)
	bounds := snapshotOffsets(buckets)
	resetOffsets(buckets)

	slots := mergeSlots(buckets, &bounds, map[uuid.UUID]struct{}{}, 0)
	lo := len(slots) - pageSize
	if lo < 0 {
		lo = 0
	}

	page := domain.TimelinePage{Items: make([]domain.TimelineItem, 0, len(slots)-lo)}
	for _, slot := range slots[lo:] {
		page.Items = append(page.Items, toTimelineItem(slot.item, userID))
	}
	if len(slots) > 0 {
		page.NextCursor = encodeCursor(marksAt(buckets, slots[len(slots)-1].offsets))
	}
	if lo > 0 {
		page.PrevCursor = encodeCursor(marksAt(buckets, slots[lo-1].offsets))
	}
	return page
}

// bucketState — корзина кандидатов с текущим смещением потребления.
type bucketState struct {
	name   bucketName
	weight int
	items  []domain.MessageListItem
	off    int
}

// mergedSlot — позиция объединённого потока со снимком смещений корзин
// сразу после её потребления.
type mergedSlot struct {
	item    domain.MessageListItem
	offsets []int
}

// loadBuckets выбирает кандидатов всех корзин. Отказ одной корзины
// деградирует ленту, но не роняет запрос.
func (s *Service) loadBuckets(ctx context.Context, userID uuid.UUID) []*bucketState {
	buckets := make([]*bucketState, 0, len(bucketOrder))
	for _, b := range bucketOrder {
		items, err := s.fetchBucket(ctx, b.name, userID)
		if err != nil {
			s.log.Error().Err(err).Str("bucket", string(b.name)).Msg("корзина кандидатов недоступна")
			items = nil
		}
		buckets = append(buckets, &bucketState{name: b.name, weight: b.weight, items: items})
	}
	return buckets
}

// mergeSlots чередует корзины взвешенным round-robin от их текущих
// смещений с дедупликацией: сообщение остаётся на самой ранней позиции,
// в которой его предложила какая-либо корзина. bounds ограничивает
// потребление каждой корзины, max — число выданных позиций (0 — без
// ограничения).
func mergeSlots(buckets []*bucketState, bounds *[]int, seen map[uuid.UUID]struct{}, max int) []mergedSlot {
	var slots []mergedSlot
	for {
		emitted := false
		for i, b := range buckets {
			taken := 0
			for taken < b.weight {
				if b.off >= len(b.items) {
					break
				}
				if bounds != nil && b.off >= (*bounds)[i] {
					break
				}
				item := b.items[b.off]
				b.off++
				if _, dup := seen[item.ID]; dup {
					// Дубль не расходует слот корзины.
					continue
				}
				seen[item.ID] = struct{}{}
				slots = append(slots, mergedSlot{item: item, offsets: snapshotOffsets(buckets)})
				taken++
				emitted = true
				if max > 0 && len(slots) == max {
					return slots
				}
			}
		}
		if !emitted {
			return slots
		}
	}
}

// resumeOffsets выставляет смещения корзин по вотермаркам курсора.
// Возвращает true, если хотя бы одна вотермарка нашлась по идентификатору.
func resumeOffsets(buckets []*bucketState, cur cursor) bool {
	anchored := false
	for _, b := range buckets {
		mark, ok := cur.Buckets[string(b.name)]
		if !ok {
			b.off = 0
			continue
		}
		off, hit := locateAfter(b.items, mark)
		b.off = off
		if hit {
			anchored = true
		}
	}
	return anchored
}

// locateAfter находит позицию сразу за вотермаркой. Если сообщение
// выпало из выборки, позиция приближается по created_at — финальному
// ключу сортировки каждой корзины.
func locateAfter(items []domain.MessageListItem, mark bucketMark) (int, bool) {
	for i := range items {
		if items[i].ID == mark.LastID {
			return i + 1, true
		}
	}
	for i := range items {
		if items[i].CreatedAt.Before(mark.CreatedAt) {
			return i, false
		}
	}
	return len(items), false
}

// preconsumed собирает идентификаторы до смещений: всё, что корзины
// уже потребили, было выдано на предыдущих страницах и не выдаётся
// повторно ни из какой корзины.
func preconsumed(buckets []*bucketState) map[uuid.UUID]struct{} {
	seen := map[uuid.UUID]struct{}{}
	for _, b := range buckets {
		for _, item := range b.items[:b.off] {
			seen[item.ID] = struct{}{}
		}
	}
	return seen
}

func snapshotOffsets(buckets []*bucketState) []int {
	offsets := make([]int, len(buckets))
	for i, b := range buckets {
		offsets[i] = b.off
	}
	return offsets
}

func resetOffsets(buckets []*bucketState) {
	for _, b := range buckets {
		b.off = 0
	}
}

// marksAt строит вотермарки курсора: последнее потреблённое сообщение
// каждой корзины на заданных смещениях.
func marksAt(buckets []*bucketState, offsets []int) cursor {
	marks := map[string]bucketMark{}
	for i, b := range buckets {
		off := offsets[i]
		if off == 0 {
			continue
		}
		if off > len(b.items) {
			off = len(b.items)
		}
		last := b.items[off-1]
		marks[string(b.name)] = bucketMark{LastID: last.ID, CreatedAt: last.CreatedAt}
	}
	return cursor{Buckets: marks}
}

func (s *Service) fetchBucket(ctx context.Context, name bucketName, userID uuid.UUID) ([]domain.MessageListItem, error) {
	switch name {
	case bucketPopularity:
		return s.messages.PopularityCandidates(ctx, bucketCap)
	case bucketAffinity:
		return s.messages.AffinityCandidates(ctx, userID, affinityWindow, bucketCap)
	case bucketInterest:
		return s.messages.InterestCandidates(ctx, userID, bucketCap)
	default:
		return s.messages.RecencyCandidates(ctx, bucketCap)
	}
}

// ChannelMessages возвращает сообщения канала со свёрнутыми под
// запрашивающего реакциями.
func (s *Service) ChannelMessages(ctx context.Context, userID, channelID uuid.UUID, since, until time.Time, asc bool, limit int) ([]domain.TimelineItem, error) {
	list, err := s.messages.ListChannelMessages(ctx, channelID, since, until, asc, limit)
	if err != nil {
		return nil, err
	}
	items := make([]domain.TimelineItem, 0, len(list))
	for _, it := range list {
		items = append(items, toTimelineItem(it, userID))
	}
	return items, nil
}

func toTimelineItem(item domain.MessageListItem, requester uuid.UUID) domain.TimelineItem {
	return domain.TimelineItem{
		ID:        item.ID,
		UserID:    item.UserID,
		User:      item.User,
		ChannelID: item.ChannelID,
		Content:   item.Content,
		Pinned:    item.Pinned,
		ThreadID:  item.ThreadID,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
		Reactions: GroupReactions(item.Reactions, requester),
	}
}

// GroupReactions сворачивает реакции по штампу на момент чтения.
// IsUserReacted зависит от запрашивающего, поэтому свёртка не хранится.
func GroupReactions(reactions []domain.Reaction, requester uuid.UUID) []domain.GroupedReaction {
	byStamp := map[uuid.UUID]*domain.GroupedReaction{}
	order := make([]uuid.UUID, 0, len(reactions))
	for _, r := range reactions {
		g, ok := byStamp[r.StampID]
		if !ok {
			g = &domain.GroupedReaction{StampID: r.StampID}
			byStamp[r.StampID] = g
			order = append(order, r.StampID)
		}
		g.Count += r.Count
		if r.UserID == requester {
			g.IsUserReacted = true
		}
	}
	grouped := make([]domain.GroupedReaction, 0, len(order))
	for _, id := range order {
		grouped = append(grouped, *byStamp[id])
	}
	sort.SliceStable(grouped, func(i, j int) bool {
		return grouped[i].Count > grouped[j].Count
	})
	return grouped
}
