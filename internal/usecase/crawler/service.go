package crawler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traq-timeline/internal/domain"
	"traq-timeline/internal/infra/metrics"
)

const stampSyncTTL = 10 * time.Minute

// Service держит локальный кэш сходящимся с апстримом.
// Фоновый цикл обходит каналы, синхронные методы Sync* закрывают
// промахи кэша по требованию запрашивающего кода.
type Service struct {
	users    domain.UserRepo
	messages domain.MessageRepo
	stamps   domain.StampRepo
	client   domain.TraqClient
	creds    domain.CredentialProvider
	notifier domain.MessageNotifier
	cache    domain.Cache
	log      zerolog.Logger

	interval      time.Duration
	initialWindow time.Duration
}

// NewService создаёт краулер.
func NewService(
	users domain.UserRepo,
	messages domain.MessageRepo,
	stamps domain.StampRepo,
	client domain.TraqClient,
	creds domain.CredentialProvider,
	notifier domain.MessageNotifier,
	cache domain.Cache,
	logger zerolog.Logger,
	interval, initialWindow time.Duration,
) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if initialWindow <= 0 {
		initialWindow = 24 * time.Hour
	}
	return &Service{
		users:         users,
		messages:      messages,
		stamps:        stamps,
		client:        client,
		creds:         creds,
		notifier:      notifier,
		cache:         cache,
		log:           logger,
		interval:      interval,
		initialWindow: initialWindow,
	}
}

// Run крутит цикл обхода до отмены контекста.
// Ошибки цикла логируются и не покидают горутину: падение краулера
// не должно задевать обслуживающий путь.
func (s *Service) Run(ctx context.Context) {
	for {
		if err := s.Crawl(ctx); err != nil && !errors.Is(err, context.Canceled) {
			metrics.CrawlErrors.Inc()
			s.log.Error().Err(err).Msg("краулер: цикл завершился с ошибкой")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// Crawl выполняет один цикл: обход каналов и проверка недавних сообщений.
func (s *Service) Crawl(ctx context.Context) error {
	token, err := s.creds.CurrentCredential(ctx)
	if errors.Is(err, domain.ErrNoCredential) {
		s.log.Warn().Msg("краулер: нет ни одного токена, цикл пропущен")
		return nil
	}
	if err != nil {
		return fmt.Errorf("получение токена: %w", err)
	}

	channels, err := s.client.ListChannels(ctx, token)
	if err != nil {
		return fmt.Errorf("список каналов: %w", err)
	}

	for _, channelID := range channels {
		if err := s.crawlChannel(ctx, token, channelID); err != nil {
			// Провал одного канала не прерывает обход остальных.
			metrics.CrawlChannelErrors.Inc()
			s.log.Warn().Err(err).Str("channel", channelID.String()).Msg("краулер: канал пропущен")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if err := s.refreshRecent(ctx, token); err != nil {
		return fmt.Errorf("пересинхронизация: %w", err)
	}

	metrics.CrawlCycles.Inc()
	return nil
}

func (s *Service) crawlChannel(ctx context.Context, token string, channelID uuid.UUID) error {
	since, ok, err := s.messages.LatestMessageTime(ctx, channelID)
	if err != nil {
		return fmt.Errorf("вотермарка канала: %w", err)
	}
	if !ok {
		since = time.Now().UTC().Add(-s.initialWindow)
	}

	msgs, err := s.client.FetchMessagesSince(ctx, token, channelID, since)
	if err != nil {
		return fmt.Errorf("выборка сообщений: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	for _, msg := range msgs {
		if err := s.ensureUser(ctx, token, msg.UserID); err != nil {
			s.log.Warn().Err(err).Str("user", msg.UserID.String()).Msg("краулер: автор не разрешён")
		}
	}
	if err := s.messages.SaveMessages(ctx, msgs); err != nil {
		return fmt.Errorf("сохранение сообщений: %w", err)
	}
	return nil
}

// refreshRecent перечитывает недавние сообщения по возрастным интервалам
// и уведомляет подписчиков только о действительно изменившихся.
func (s *Service) refreshRecent(ctx context.Context, token string) error {
	candidates, err := s.messages.SyncCandidates(ctx)
	if err != nil {
		return fmt.Errorf("кандидаты на обновление: %w", err)
	}
	now := time.Now().UTC()
	for _, c := range candidates {
		if !shouldRefresh(c.CreatedAt, c.LastCrawledAt, now) {
			continue
		}
		if err := s.refreshMessage(ctx, token, c.MessageID); err != nil {
			s.log.Warn().Err(err).Str("message", c.MessageID.String()).Msg("краулер: сообщение не обновлено")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) refreshMessage(ctx context.Context, token string, messageID uuid.UUID) error {
	fresh, err := s.client.GetMessage(ctx, token, messageID)
	if err != nil {
		return fmt.Errorf("выборка сообщения: %w", err)
	}
	existing, err := s.messages.GetMessageByID(ctx, messageID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("чтение из кэша: %w", err)
	}
	known := err == nil

	// Сохраняем всегда: last_crawled_at должен сдвинуться даже без изменений.
	if err := s.messages.SaveMessage(ctx, fresh); err != nil {
		return fmt.Errorf("сохранение сообщения: %w", err)
	}

	if known && !messageChanged(existing, fresh) {
		return nil
	}
	metrics.MessagesRefreshed.Inc()
	s.notifier.NotifyMessageUpdated(ctx, s.toListItem(ctx, fresh))
	return nil
}

// HandleChange применяет событие вебхука как немедленное обновление,
// не дожидаясь очередного цикла.
func (s *Service) HandleChange(ctx context.Context, event domain.ChangeEvent) error {
	token, err := s.creds.CurrentCredential(ctx)
	if errors.Is(err, domain.ErrNoCredential) {
		s.log.Warn().Msg("краулер: событие пропущено, нет токена")
		return nil
	}
	if err != nil {
		return err
	}
	return s.refreshMessage(ctx, token, event.MessageID)
}

// RunConsumer читает события вебхука из очереди до отмены контекста.
func (s *Service) RunConsumer(ctx context.Context, queue domain.EventQueue) {
	for {
		event, err := queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("краулер: чтение очереди событий")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := s.HandleChange(ctx, event); err != nil {
			s.log.Warn().Err(err).Str("message", event.MessageID.String()).Msg("краулер: событие не применено")
		}
	}
}

func (s *Service) ensureUser(ctx context.Context, token string, userID uuid.UUID) error {
	_, err := s.users.GetUserByID(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	user, err := s.client.GetUser(ctx, token, userID)
	if err != nil {
		return err
	}
	return s.users.SaveUser(ctx, user)
}

// SyncUser синхронно выбирает пользователя из апстрима и кладёт его в кэш.
// Вызывается на промахе кэша, чтобы запрашивающий код не ждал следующего цикла.
func (s *Service) SyncUser(ctx context.Context, userID uuid.UUID) (domain.User, error) {
	token, err := s.creds.CurrentCredential(ctx)
	if err != nil {
		return domain.User{}, err
	}
	user, err := s.client.GetUser(ctx, token, userID)
	if err != nil {
		return domain.User{}, err
	}
	if err := s.users.SaveUser(ctx, user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// SyncStamp синхронно выбирает штамп из апстрима и кладёт его в кэш.
func (s *Service) SyncStamp(ctx context.Context, stampID uuid.UUID) (domain.Stamp, error) {
	token, err := s.creds.CurrentCredential(ctx)
	if err != nil {
		return domain.Stamp{}, err
	}
	stamp, err := s.client.GetStamp(ctx, token, stampID)
	if err != nil {
		return domain.Stamp{}, err
	}
	if err := s.stamps.SaveStamp(ctx, stamp); err != nil {
		return domain.Stamp{}, err
	}
	return stamp, nil
}

// SyncStamps обновляет справочник штампов не чаще одного раза за TTL.
func (s *Service) SyncStamps(ctx context.Context) error {
	return s.cache.Once("stamps_sync", stampSyncTTL, func() error {
		token, err := s.creds.CurrentCredential(ctx)
		if err != nil {
			return err
		}
		stamps, err := s.client.ListStamps(ctx, token)
		if err != nil {
			return err
		}
		return s.stamps.SaveStamps(ctx, stamps)
	})
}

func (s *Service) toListItem(ctx context.Context, msg domain.Message) domain.MessageListItem {
	item := domain.MessageListItem{
		ID:        msg.ID,
		UserID:    msg.UserID,
		ChannelID: msg.ChannelID,
		Content:   msg.Content,
		Pinned:    msg.Pinned,
		ThreadID:  msg.ThreadID,
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
		Reactions: msg.Reactions,
	}
	if user, err := s.users.GetUserByID(ctx, msg.UserID); err == nil {
		item.User = &user
	}
	return item
}

// shouldRefresh решает, пора ли перечитать сообщение: чем старше
// сообщение, тем реже оно проверяется.
func shouldRefresh(createdAt, lastCrawledAt, now time.Time) bool {
	age := now.Sub(createdAt)
	var interval time.Duration
	switch {
	case age < 3*time.Hour:
		interval = time.Minute
	case age < 12*time.Hour:
		interval = 10 * time.Minute
	default:
		interval = 30 * time.Minute
	}
	return now.Sub(lastCrawledAt) >= interval
}

func messageChanged(old, fresh domain.Message) bool {
	if old.Content != fresh.Content {
		return true
	}
	if !old.UpdatedAt.Equal(fresh.UpdatedAt) {
		return true
	}
	if old.Pinned != fresh.Pinned {
		return true
	}
	return !reactionsEqual(old.Reactions, fresh.Reactions)
}

func reactionsEqual(a, b []domain.Reaction) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]domain.Reaction(nil), a...)
	bs := append([]domain.Reaction(nil), b...)
	less := func(rs []domain.Reaction) func(i, j int) bool {
		return func(i, j int) bool {
			if rs[i].StampID != rs[j].StampID {
				return rs[i].StampID.String() < rs[j].StampID.String()
			}
			return rs[i].UserID.String() < rs[j].UserID.String()
		}
	}
	sort.Slice(as, less(as))
	sort.Slice(bs, less(bs))
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
