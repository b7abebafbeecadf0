// Package service реализует бизнес-логику сервиса выставления счетов.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/limiter"
	"github.com/mmeshcher/invoicing-system/internal/mailer"
	"github.com/mmeshcher/invoicing-system/internal/metrics"
	"github.com/mmeshcher/invoicing-system/internal/model"
	"github.com/mmeshcher/invoicing-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)

	CreateCompany(ctx context.Context, c *model.Company) (*model.Company, error)
	GetCompany(ctx context.Context, userID, id int64) (*model.Company, error)
	ListCompanies(ctx context.Context, userID int64) ([]model.Company, error)
	UpdateCompany(ctx context.Context, c *model.Company) (*model.Company, error)

	CreateInvoice(ctx context.Context, draft model.InvoiceDraft, number repository.NumberFunc) (*model.Invoice, error)
	GetInvoice(ctx context.Context, userID, id int64) (*model.Invoice, error)
	ListInvoices(ctx context.Context, userID int64) ([]model.Invoice, error)
	MarkFulfilled(ctx context.Context, userID, id int64, at time.Time) error

	AppendSendHistory(ctx context.Context, rec *model.SendHistoryRecord) error
	CountSendHistory(ctx context.Context, invoiceID int64) (int, error)
	ListSendHistory(ctx context.Context, invoiceID int64) ([]model.SendHistoryRecord, error)

	GetCredential(ctx context.Context, userID int64, provider string) (*model.AccountCredential, error)
	UpsertCredential(ctx context.Context, c *model.AccountCredential) (*model.AccountCredential, error)
}

// Credentials гарантирует действующий access token перед отправкой.
type Credentials interface {
	EnsureValid(ctx context.Context, cred *model.AccountCredential) (*model.AccountCredential, error)
}

// Renderer формирует PDF счёта.
type Renderer interface {
	Render(ctx context.Context, view model.InvoiceView) ([]byte, error)
}

// DefaultSendTimeout ограничивает отправку письма, если Config.SendTimeout не задан.
const DefaultSendTimeout = 15 * time.Second

// Config содержит параметры отправки счетов.
type Config struct {
	// Почтовый провайдер, токены которого используются для отправки.
	Provider    string
	MaxSends    int
	Policy      limiter.Policy
	SendTimeout time.Duration
}

// Service содержит бизнес-логику сервиса выставления счетов.
type Service struct {
	repo        Repository
	credentials Credentials
	sender      mailer.Sender
	compose     func(model.InvoiceView, []byte) (*mailer.Message, error)
	renderer    Renderer

	provider    string
	limiter     *limiter.Limiter
	policy      limiter.Policy
	sendTimeout time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	sendLocks sendLocks
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт сервис поверх репозитория и внешних зависимостей отправки.
func NewService(repo Repository, credentials Credentials, sender mailer.Sender, renderer Renderer, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		credentials: credentials,
		sender:      sender,
		compose:     mailer.ComposeInvoice,
		renderer:    renderer,
		provider:    cfg.Provider,
		limiter:     limiter.New(cfg.MaxSends),
		policy:      cfg.Policy,
		sendTimeout: cfg.SendTimeout,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	if s.provider == "" {
		s.provider = "google"
	}
	if s.policy == "" {
		s.policy = limiter.PolicyOnSuccess
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = DefaultSendTimeout
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ErrMailAccountNotConnected возвращается при отправке без подключённого почтового аккаунта.
var ErrMailAccountNotConnected = apperr.WithHint(
	apperr.New(apperr.ErrReauthenticationRequired, "mail account is not connected"),
	"Connect your mail account",
)

// loadCredential возвращает сохранённые токены пользователя.
func (s *Service) loadCredential(ctx context.Context, userID int64) (*model.AccountCredential, error) {
	cred, err := s.repo.GetCredential(ctx, userID, s.provider)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return nil, ErrMailAccountNotConnected
		}
		return nil, err
	}
	return cred, nil
}
