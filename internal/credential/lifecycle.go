// Package credential следит за тем, чтобы перед отправкой почты у пользователя
// был действующий access token.
package credential

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/model"
	"github.com/mmeshcher/invoicing-system/internal/oauth"
)

// DefaultTimeout ограничивает обращение к token endpoint, если вызывающий код не задал своё значение.
const DefaultTimeout = 15 * time.Second

// DefaultTokenLifetime считается сроком жизни access token, если провайдер не прислал expires_in.
const DefaultTokenLifetime = time.Hour

// TokenProvider обменивает refresh token на новый access token.
type TokenProvider interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth.Token, error)
}

// Store сохраняет обновлённые токены. Реализация не должна затирать более свежий
// токен более старым и возвращает ту запись, которая в итоге стала текущей.
// Если записи уже нет, возвращается ошибка класса ErrNotFound, а запись не создаётся.
type Store interface {
	SaveRefreshedCredential(ctx context.Context, cred *model.AccountCredential) (*model.AccountCredential, error)
}

// Observer получает результат каждой попытки обновления. Может быть nil.
type Observer interface {
	CredentialRefreshed(provider string, err error)
}

// Lifecycle обновляет истёкшие токены. Параллельные обновления одного аккаунта
// внутри процесса схлопываются в одно обращение к провайдеру.
type Lifecycle struct {
	store    Store
	provider TokenProvider
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
	observer Observer

	group singleflight.Group
}

// Option настраивает Lifecycle.
type Option func(*Lifecycle)

// WithTimeout задаёт предельное время обновления токена.
func WithTimeout(d time.Duration) Option {
	return func(l *Lifecycle) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

// WithLogger задаёт логгер.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Lifecycle) { l.logger = logger }
}

// WithObserver подключает наблюдателя за обновлениями, например метрики.
func WithObserver(o Observer) Option {
	return func(l *Lifecycle) { l.observer = o }
}

// NewLifecycle создаёт Lifecycle поверх хранилища и провайдера токенов.
func NewLifecycle(store Store, provider TokenProvider, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:    store,
		provider: provider,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EnsureValid возвращает учётные данные с действующим access token.
//
// Бессрочный или ещё не истёкший токен возвращается как есть. Истёкший токен
// обновляется через провайдера и сохраняется. Без refresh token возвращается
// ошибка класса ErrReauthenticationRequired, и провайдер не вызывается.
// Ошибки провайдера возвращаются как ErrCredentialRefreshFailed без повторов.
// Отмена ctx прерывает только ожидание этого вызывающего: общее обновление
// продолжается в пределах таймаута Lifecycle.
func (l *Lifecycle) EnsureValid(ctx context.Context, cred *model.AccountCredential) (*model.AccountCredential, error) {
	if cred == nil {
		return nil, apperr.New(apperr.ErrReauthenticationRequired, "mail account is not connected")
	}
	if !cred.Expired(l.now()) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return nil, apperr.WithHint(
			apperr.New(apperr.ErrReauthenticationRequired, "access token expired and no refresh token is stored"),
			"Reconnect your mail account",
		)
	}

	key := strconv.FormatInt(cred.UserID, 10) + "/" + cred.Provider
	// Обновление не привязано к отмене ctx: его результат ждут и другие вызывающие.
	ch := l.group.DoChan(key, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		return l.refresh(refreshCtx, cred)
	})

	select {
	case <-ctx.Done():
		return nil, apperr.Wrap(ctx.Err(), apperr.ErrCredentialRefreshFailed, "wait for credential refresh")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			l.logger.Debug("credential refresh shared", zap.Int64("userID", cred.UserID), zap.String("provider", cred.Provider))
		}
		return res.Val.(*model.AccountCredential), nil
	}
}

func (l *Lifecycle) refresh(ctx context.Context, cred *model.AccountCredential) (*model.AccountCredential, error) {
	token, err := l.provider.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		l.observe(cred.Provider, err)
		l.logger.Warn("credential refresh failed",
			zap.Error(err), zap.Int64("userID", cred.UserID), zap.String("provider", cred.Provider))

		if errors.Is(err, oauth.ErrInvalidGrant) {
			return nil, apperr.WithHint(
				apperr.Wrap(err, apperr.ErrReauthenticationRequired, "refresh token was revoked"),
				"Reconnect your mail account",
			)
		}
		return nil, apperr.Wrap(err, apperr.ErrCredentialRefreshFailed, "refresh access token")
	}

	now := l.now()
	refreshed := &model.AccountCredential{
		UserID:       cred.UserID,
		Provider:     cred.Provider,
		AccountEmail: cred.AccountEmail,
		AccessToken:  token.AccessToken,
		RefreshToken: cred.RefreshToken,
		UpdatedAt:    now,
	}
	if token.RefreshToken != "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	lifetime := DefaultTokenLifetime
	if token.ExpiresIn > 0 {
		lifetime = time.Duration(token.ExpiresIn) * time.Second
	}
	expiresAt := now.Add(lifetime)
	refreshed.ExpiresAt = &expiresAt

	stored, err := l.store.SaveRefreshedCredential(ctx, refreshed)
	if err != nil {
		l.observe(cred.Provider, err)
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.WithHint(
				apperr.Wrap(err, apperr.ErrReauthenticationRequired, "mail account was disconnected during refresh"),
				"Reconnect your mail account",
			)
		}
		return nil, apperr.Wrap(err, apperr.ErrCredentialRefreshFailed, "save refreshed credential")
	}

	l.observe(cred.Provider, nil)
	l.logger.Info("credential refreshed", zap.Int64("userID", cred.UserID), zap.String("provider", cred.Provider))

	return stored, nil
}

func (l *Lifecycle) observe(provider string, err error) {
	if l.observer != nil {
		l.observer.CredentialRefreshed(provider, err)
	}
}
