package traq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"traq-timeline/internal/domain"
	"traq-timeline/internal/infra/metrics"
)

// Client читает данные из HTTP API апстрим-платформы.
// Все ошибки транспорта и не-2xx статусы сворачиваются в domain.ErrUpstreamUnavailable,
// чтобы вызывающий код различал недоступность апстрима без разбора деталей.
type Client struct {
	baseURL string
	client  *http.Client
}

var _ domain.TraqClient = (*Client)(nil)

// NewClient создаёт клиент апстрима.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) doJSON(ctx context.Context, token, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("сериализация запроса: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.ObserveNetworkRequest("traq", method, path, start, err)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: статус %d: %s", domain.ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: разбор ответа: %v", domain.ErrUpstreamUnavailable, err)
	}
	return nil
}

type channelPayload struct {
	ID       uuid.UUID `json:"id"`
	Archived bool      `json:"archived"`
}

type channelsResponse struct {
	Public []channelPayload `json:"public"`
}

// ListChannels возвращает идентификаторы публичных каналов.
func (c *Client) ListChannels(ctx context.Context, token string) ([]uuid.UUID, error) {
	var resp channelsResponse
	if err := c.doJSON(ctx, token, http.MethodGet, "/channels", nil, nil, &resp); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(resp.Public))
	for _, ch := range resp.Public {
		if ch.Archived {
			continue
		}
		ids = append(ids, ch.ID)
	}
	return ids, nil
}

type stampPayload struct {
	UserID  uuid.UUID `json:"userId"`
	StampID uuid.UUID `json:"stampId"`
	Count   int       `json:"count"`
}

type messagePayload struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"userId"`
	ChannelID uuid.UUID      `json:"channelId"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Pinned    bool           `json:"pinned"`
	ThreadID  *uuid.UUID     `json:"threadId"`
	Stamps    []stampPayload `json:"stamps"`
}

func (m messagePayload) toDomain() domain.Message {
	msg := domain.Message{
		ID:        m.ID,
		UserID:    m.UserID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		Pinned:    m.Pinned,
		ThreadID:  m.ThreadID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	for _, s := range m.Stamps {
		msg.Reactions = append(msg.Reactions, domain.Reaction{
			StampID: s.StampID,
			UserID:  s.UserID,
			Count:   s.Count,
		})
	}
	return msg
}

type searchResponse struct {
	TotalHits int              `json:"totalHits"`
	Hits      []messagePayload `json:"hits"`
}

const searchPageSize = 100

// FetchMessagesSince возвращает сообщения канала новее вотермарки.
func (c *Client) FetchMessagesSince(ctx context.Context, token string, channelID uuid.UUID, since time.Time) ([]domain.Message, error) {
	var messages []domain.Message
	offset := 0
	for {
		query := url.Values{}
		query.Set("in", channelID.String())
		query.Set("after", since.UTC().Format(time.RFC3339Nano))
		query.Set("limit", fmt.Sprint(searchPageSize))
		query.Set("offset", fmt.Sprint(offset))
		query.Set("sort", "createdAt")

		var resp searchResponse
		if err := c.doJSON(ctx, token, http.MethodGet, "/messages/search", query, nil, &resp); err != nil {
			return nil, err
		}
		for _, hit := range resp.Hits {
			messages = append(messages, hit.toDomain())
		}
		offset += len(resp.Hits)
		if len(resp.Hits) < searchPageSize || offset >= resp.TotalHits {
			return messages, nil
		}
	}
}

// GetMessage возвращает одно сообщение по идентификатору.
func (c *Client) GetMessage(ctx context.Context, token string, id uuid.UUID) (domain.Message, error) {
	var payload messagePayload
	if err := c.doJSON(ctx, token, http.MethodGet, "/messages/"+id.String(), nil, nil, &payload); err != nil {
		return domain.Message{}, err
	}
	return payload.toDomain(), nil
}

type userPayload struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName"`
}

func (u userPayload) toDomain() domain.User {
	return domain.User{ID: u.ID, Handle: u.Name, DisplayName: u.DisplayName}
}

// GetUser возвращает пользователя апстрима.
func (c *Client) GetUser(ctx context.Context, token string, id uuid.UUID) (domain.User, error) {
	var payload userPayload
	if err := c.doJSON(ctx, token, http.MethodGet, "/users/"+id.String(), nil, nil, &payload); err != nil {
		return domain.User{}, err
	}
	return payload.toDomain(), nil
}

// GetMe возвращает пользователя, которому принадлежит токен.
func (c *Client) GetMe(ctx context.Context, token string) (domain.User, error) {
	var payload userPayload
	if err := c.doJSON(ctx, token, http.MethodGet, "/users/me", nil, nil, &payload); err != nil {
		return domain.User{}, err
	}
	return payload.toDomain(), nil
}

// GetUserIcon возвращает байты иконки пользователя и content-type.
func (c *Client) GetUserIcon(ctx context.Context, token string, id uuid.UUID) ([]byte, string, error) {
	return c.fetchBinary(ctx, token, "/users/"+id.String()+"/icon", "/users/icon")
}

// GetStampImage возвращает байты изображения штампа и content-type.
func (c *Client) GetStampImage(ctx context.Context, token string, id uuid.UUID) ([]byte, string, error) {
	return c.fetchBinary(ctx, token, "/stamps/"+id.String()+"/image", "/stamps/image")
}

func (c *Client) fetchBinary(ctx context.Context, token, path, target string) ([]byte, string, error) {
	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.ObserveNetworkRequest("traq", http.MethodGet, target, start, err)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%w: статус %d", domain.ErrUpstreamUnavailable, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: чтение тела: %v", domain.ErrUpstreamUnavailable, err)
	}
	return data, contentType, nil
}

// GetStamp возвращает штамп апстрима.
func (c *Client) GetStamp(ctx context.Context, token string, id uuid.UUID) (domain.Stamp, error) {
	var stamp domain.Stamp
	if err := c.doJSON(ctx, token, http.MethodGet, "/stamps/"+id.String(), nil, nil, &stamp); err != nil {
		return domain.Stamp{}, err
	}
	return stamp, nil
}

// ListStamps возвращает весь справочник штампов.
func (c *Client) ListStamps(ctx context.Context, token string) ([]domain.Stamp, error) {
	var stamps []domain.Stamp
	if err := c.doJSON(ctx, token, http.MethodGet, "/stamps", nil, nil, &stamps); err != nil {
		return nil, err
	}
	return stamps, nil
}

// AddMessageStamp ставит штамп от имени владельца токена.
func (c *Client) AddMessageStamp(ctx context.Context, token string, messageID, stampID uuid.UUID) error {
	path := "/messages/" + messageID.String() + "/stamps/" + stampID.String()
	return c.doJSON(ctx, token, http.MethodPost, path, nil, map[string]int{"count": 1}, nil)
}

// RemoveMessageStamp снимает штамп владельца токена.
func (c *Client) RemoveMessageStamp(ctx context.Context, token string, messageID, stampID uuid.UUID) error {
	path := "/messages/" + messageID.String() + "/stamps/" + stampID.String()
	return c.doJSON(ctx, token, http.MethodDelete, path, nil, nil, nil)
}
