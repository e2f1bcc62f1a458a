package timeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traq-timeline/internal/domain"
)

type stubTimelineRepo struct {
	recency    []domain.MessageListItem
	popularity []domain.MessageListItem
	affinity   []domain.MessageListItem
	interest   []domain.MessageListItem

	popularityErr error
}

func (s *stubTimelineRepo) RecencyCandidates(context.Context, int) ([]domain.MessageListItem, error) {
	return s.recency, nil
}

func (s *stubTimelineRepo) PopularityCandidates(context.Context, int) ([]domain.MessageListItem, error) {
	if s.popularityErr != nil {
		return nil, s.popularityErr
	}
	return s.popularity, nil
}

func (s *stubTimelineRepo) AffinityCandidates(context.Context, uuid.UUID, time.Duration, int) ([]domain.MessageListItem, error) {
	return s.affinity, nil
}

func (s *stubTimelineRepo) InterestCandidates(context.Context, uuid.UUID, int) ([]domain.MessageListItem, error) {
	return s.interest, nil
}

func (s *stubTimelineRepo) SaveMessage(context.Context, domain.Message) error    { return nil }
func (s *stubTimelineRepo) SaveMessages(context.Context, []domain.Message) error { return nil }
func (s *stubTimelineRepo) GetMessageByID(context.Context, uuid.UUID) (domain.Message, error) {
	return domain.Message{}, domain.ErrNotFound
}
func (s *stubTimelineRepo) RemoveReaction(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
	return nil
}
func (s *stubTimelineRepo) LatestMessageTime(context.Context, uuid.UUID) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (s *stubTimelineRepo) SyncCandidates(context.Context) ([]domain.SyncCandidate, error) {
	return nil, nil
}
func (s *stubTimelineRepo) ListChannelMessages(context.Context, uuid.UUID, time.Time, time.Time, bool, int) ([]domain.MessageListItem, error) {
	return nil, nil
}

var itemsBase = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func makeItems(n int) []domain.MessageListItem {
	return makeItemsFrom(itemsBase, n)
}

func makeItemsFrom(base time.Time, n int) []domain.MessageListItem {
	items := make([]domain.MessageListItem, n)
	for i := range items {
		items[i] = domain.MessageListItem{
			ID:        uuid.New(),
			Content:   "msg",
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		}
	}
	return items
}

func pageIDs(page domain.TimelinePage) []uuid.UUID {
	ids := make([]uuid.UUID, len(page.Items))
	for i, it := range page.Items {
		ids[i] = it.ID
	}
	return ids
}

func TestPageInterleavesBucketsByWeight(t *testing.T) {
	repo := &stubTimelineRepo{
		recency:    makeItems(4),
		popularity: makeItems(2),
		affinity:   makeItems(2),
		interest:   makeItems(1),
	}
	svc := NewService(repo, zerolog.Nop())

	page, err := svc.Page(context.Background(), uuid.New(), "", DirectionNext)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := []uuid.UUID{
		repo.recency[0].ID, repo.recency[1].ID, repo.recency[2].ID,
		repo.popularity[0].ID, repo.popularity[1].ID,
		repo.affinity[0].ID, repo.affinity[1].ID,
		repo.interest[0].ID,
		repo.recency[3].ID,
	}
	got := pageIDs(page)
	if len(got) != len(want) {
		t.Fatalf("ожидали %d элементов, получили %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("позиция %d: ожидали %s, получили %s", i, want[i], got[i])
		}
	}
}

func TestPageDeduplicatesAcrossBuckets(t *testing.T) {
	shared := makeItems(1)[0]
	repo := &stubTimelineRepo{
		recency:    []domain.MessageListItem{shared},
		popularity: append([]domain.MessageListItem{shared}, makeItems(1)...),
	}
	svc := NewService(repo, zerolog.Nop())

	page, err := svc.Page(context.Background(), uuid.New(), "", DirectionNext)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	ids := pageIDs(page)
	if len(ids) != 2 {
		t.Fatalf("дубль должен схлопнуться: %d элементов", len(ids))
	}
	if ids[0] != shared.ID {
		t.Fatal("общее сообщение должно остаться на самой ранней позиции")
	}
	seen := map[uuid.UUID]int{}
	for _, id := range ids {
		seen[id]++
	}
	if seen[shared.ID] != 1 {
		t.Fatalf("сообщение встречается %d раз", seen[shared.ID])
	}
}

func TestPageSurvivesBucketFailure(t *testing.T) {
	repo := &stubTimelineRepo{
		recency:       makeItems(3),
		popularityErr: errors.New("таймаут хранилища"),
	}
	svc := NewService(repo, zerolog.Nop())

	page, err := svc.Page(context.Background(), uuid.New(), "", DirectionNext)
	if err != nil {
		t.Fatalf("отказ одной корзины не должен ронять запрос: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("лента должна собраться из остальных корзин: %d элементов", len(page.Items))
	}
}

func TestPagePaginatesForwardAndBack(t *testing.T) {
	repo := &stubTimelineRepo{recency: makeItems(30)}
	svc := NewService(repo, zerolog.Nop())
	ctx := context.Background()
	user := uuid.New()

	first, err := svc.Page(ctx, user, "", DirectionNext)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(first.Items) != pageSize {
		t.Fatalf("первая страница: ожидали %d, получили %d", pageSize, len(first.Items))
	}
	if first.NextCursor == "" {
		t.Fatal("при остатке кандидатов должен быть курсор вперёд")
	}
	if first.PrevCursor != "" {
		t.Fatal("в начале ленты не должно быть курсора назад")
	}

	second, err := svc.Page(ctx, user, first.NextCursor, DirectionNext)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(second.Items) != 10 {
		t.Fatalf("вторая страница: ожидали 10, получили %d", len(second.Items))
	}
	if second.Items[0].ID != repo.recency[pageSize].ID {
		t.Fatal("вторая страница должна продолжать первую без пропусков")
	}
	if second.NextCursor != "" {
		t.Fatal("в конце ленты не должно быть курсора вперёд")
	}

	back, err := svc.Page(ctx, user, second.PrevCursor, DirectionPrev)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(back.Items) != pageSize {
		t.Fatalf("страница назад: ожидали %d, получили %d", pageSize, len(back.Items))
	}
	if back.Items[0].ID != first.Items[0].ID {
		t.Fatal("страница назад должна совпадать с первой страницей")
	}
}

func TestPageContinuesAcrossFeedShift(t *testing.T) {
	repo := &stubTimelineRepo{recency: makeItems(30)}
	svc := NewService(repo, zerolog.Nop())
	ctx := context.Background()
	user := uuid.New()

	first, err := svc.Page(ctx, user, "", DirectionNext)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	delivered := map[uuid.UUID]struct{}{}
	for _, it := range first.Items {
		delivered[it.ID] = struct{}{}
	}

	// Между страницами в голову корзины приходит новое сообщение.
	fresh := makeItemsFrom(itemsBase.Add(time.Hour), 1)[0]
	repo.recency = append([]domain.MessageListItem{fresh}, repo.recency...)

	second, err := svc.Page(ctx, user, first.NextCursor, DirectionNext)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(second.Items) != 10 {
		t.Fatalf("вторая страница: ожидали 10, получили %d", len(second.Items))
	}
	for _, it := range second.Items {
		if _, dup := delivered[it.ID]; dup {
			t.Fatalf("сообщение %s отдано и на странице 1, и на странице 2", it.ID)
		}
		if it.ID == fresh.ID {
			t.Fatal("сообщение из головы ленты не относится к продолжению")
		}
	}
	if second.Items[0].ID != repo.recency[21].ID {
		t.Fatal("вторая страница должна продолжать с позиции за вотермаркой")
	}
}

func TestPageRecoversFromStaleCursor(t *testing.T) {
	repo := &stubTimelineRepo{recency: makeItems(30)}
	svc := NewService(repo, zerolog.Nop())
	ctx := context.Background()
	user := uuid.New()

	page, err := svc.Page(ctx, user, "мусор-не-курсор", DirectionNext)
	if err != nil {
		t.Fatalf("непригодный курсор не является ошибкой: %v", err)
	}
	if page.Items[0].ID != repo.recency[0].ID {
		t.Fatal("после непригодного курсора лента отдаётся с начала")
	}

	first, err := svc.Page(ctx, user, "", DirectionNext)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// За время простоя лента полностью провернулась: ни одной
	// вотермарки в свежих выборках, продолжать нечего.
	repo.recency = makeItemsFrom(itemsBase.Add(time.Hour), 30)
	rotated, err := svc.Page(ctx, user, first.NextCursor, DirectionNext)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(rotated.Items) != pageSize || rotated.Items[0].ID != repo.recency[0].ID {
		t.Fatal("провернувшаяся лента должна мягко вернуть актуальное начало")
	}
}

func TestGroupReactionsFoldsByStamp(t *testing.T) {
	stamp := uuid.New()
	other := uuid.New()
	u1 := uuid.New()
	u2 := uuid.New()
	u3 := uuid.New()
	reactions := []domain.Reaction{
		{StampID: stamp, UserID: u1, Count: 3},
		{StampID: stamp, UserID: u2, Count: 2},
		{StampID: other, UserID: u2, Count: 1},
	}

	grouped := GroupReactions(reactions, u1)
	if len(grouped) != 2 {
		t.Fatalf("ожидали две группы, получили %d", len(grouped))
	}
	if grouped[0].StampID != stamp || grouped[0].Count != 5 {
		t.Fatalf("свёртка по штампу: получили (%s, %d)", grouped[0].StampID, grouped[0].Count)
	}
	if !grouped[0].IsUserReacted {
		t.Fatal("запрашивающий реагировал этим штампом")
	}

	asStranger := GroupReactions(reactions, u3)
	for _, g := range asStranger {
		if g.IsUserReacted {
			t.Fatal("сторонний пользователь не реагировал ни одним штампом")
		}
	}
}
