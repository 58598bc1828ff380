// Package identity предоставляет клиент внешнего провайдера идентификации.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/authgate-system/internal/model"
)

// ErrInvalidCredentials возвращается при неверной паре email/пароль.
// Такие отказы не ретраятся: повтор запроса не изменит ответ провайдера.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Client инкапсулирует HTTP-взаимодействие с провайдером идентификации.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

type verifyRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// NewClient создаёт HTTP-клиент провайдера идентификации по указанному адресу.
// Временные ошибки (5xx, сетевые) ретраятся, отказ в аутентификации — нет.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 1 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// VerifyCredentials проверяет пару email/пароль у провайдера идентификации
// и возвращает принципала при успехе.
func (c *Client) VerifyCredentials(ctx context.Context, email, password string) (*model.Principal, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("identity client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(verifyRequest{Email: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := base + "/api/credentials/verify"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusNotFound:
		// Несуществующий пользователь и неверный пароль наружу неразличимы.
		return nil, ErrInvalidCredentials
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &model.Principal{ID: result.ID, Email: result.Email}, nil
}
