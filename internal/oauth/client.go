// Package oauth предоставляет клиент token endpoint OAuth-провайдера почты.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GoogleTokenURL задаёт token endpoint Google, используется по умолчанию.
const GoogleTokenURL = "https://oauth2.googleapis.com/token"

// ErrInvalidGrant возвращается, когда провайдер отклонил refresh token.
// Обновить такой токен нельзя, пользователь должен заново дать согласие.
var ErrInvalidGrant = errors.New("oauth: invalid grant")

// Client инкапсулирует обмен refresh token на новый access token.
type Client struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// Token описывает ответ провайдера на запрос обновления.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// Срок жизни access token в секундах; 0, если провайдер его не сообщил.
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// NewClient создаёт клиент для token endpoint по адресу tokenURL.
// Таймаут запроса задаёт контекст вызывающей стороны.
func NewClient(tokenURL, clientID, clientSecret string) *Client {
	if tokenURL == "" {
		tokenURL = GoogleTokenURL
	}
	return &Client{
		tokenURL:     strings.TrimRight(tokenURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Refresh обменивает refreshToken на новый access token (grant_type=refresh_token).
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if c == nil || c.tokenURL == "" {
		return nil, fmt.Errorf("oauth client not configured")
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("empty refresh token")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if c.clientID != "" {
		form.Set("client_id", c.clientID)
	}
	if c.clientSecret != "" {
		form.Set("client_secret", c.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, e.ErrorDescription)
		}
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("response without access_token")
	}

	return &token, nil
}
