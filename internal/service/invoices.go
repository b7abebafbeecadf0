package service

import (
	"context"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/mailer"
	"github.com/mmeshcher/invoicing-system/internal/model"
	"github.com/mmeshcher/invoicing-system/internal/numbering"
	"github.com/mmeshcher/invoicing-system/internal/status"
	"github.com/mmeshcher/invoicing-system/internal/validation"
)

// GenerateParams содержит данные для выпуска счёта.
type GenerateParams struct {
	PayerID     int64           `json:"payerId" validate:"required"`
	ReceiverID  int64           `json:"receiverId" validate:"required,nefield=PayerID"`
	Amount      decimal.Decimal `json:"amount"`
	IssuedAt    time.Time       `json:"issuedAt"`
	DueDate     time.Time       `json:"dueDate" validate:"required,gtefield=IssuedAt"`
	Description string          `json:"description" validate:"max=2000"`
}

// GenerateInvoice выпускает счёт от receiver к payer.
//
// Номер строится по шаблону плательщика и его счётчику, валюта копируется у плательщика.
// Чтение счётчика, создание счёта и увеличение счётчика выполняются репозиторием атомарно.
// Пустая дата выставления заменяется текущей датой.
func (s *Service) GenerateInvoice(ctx context.Context, userID int64, p GenerateParams) (*model.Invoice, error) {
	now := s.now()
	if p.IssuedAt.IsZero() {
		p.IssuedAt = now
	}
	p.IssuedAt = dateOf(p.IssuedAt)
	if !p.DueDate.IsZero() {
		p.DueDate = dateOf(p.DueDate)
	}

	if err := validation.Struct(p); err != nil {
		return nil, err
	}
	if !p.Amount.IsPositive() {
		return nil, apperr.New(apperr.ErrValidation, "amount must be positive")
	}
	if p.Amount.Exponent() < -2 && !p.Amount.Equal(p.Amount.Round(2)) {
		return nil, apperr.New(apperr.ErrValidation, "amount must have at most two decimal places")
	}

	draft := model.InvoiceDraft{
		UserID:      userID,
		PayerID:     p.PayerID,
		ReceiverID:  p.ReceiverID,
		Amount:      p.Amount.Round(2),
		IssuedAt:    p.IssuedAt,
		ExpiredAt:   p.DueDate,
		Description: p.Description,
	}

	inv, err := s.repo.CreateInvoice(ctx, draft, func(pattern string, counter int64) string {
		return numbering.Render(pattern, counter, now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.InvoiceGenerated()
	s.logger.Info("invoice generated",
		zap.Int64("userID", userID), zap.Int64("invoiceID", inv.ID), zap.String("number", inv.Number))

	return inv, nil
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GetInvoice возвращает счёт пользователя вместе со сторонами и вычисленным статусом.
func (s *Service) GetInvoice(ctx context.Context, userID, id int64) (*model.InvoiceView, error) {
	inv, err := s.repo.GetInvoice(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return s.viewOf(ctx, userID, inv)
}

func (s *Service) viewOf(ctx context.Context, userID int64, inv *model.Invoice) (*model.InvoiceView, error) {
	payer, err := s.repo.GetCompany(ctx, userID, inv.PayerID)
	if err != nil {
		return nil, err
	}
	receiver, err := s.repo.GetCompany(ctx, userID, inv.ReceiverID)
	if err != nil {
		return nil, err
	}

	view := s.buildView(*inv, *payer, *receiver)
	return &view, nil
}

func (s *Service) buildView(inv model.Invoice, payer, receiver model.Company) model.InvoiceView {
	st := inv.Status()
	remaining := s.limiter.Remaining(inv.SendCount)
	if st == status.Paid {
		remaining = 0
	}
	return model.InvoiceView{
		Invoice:        inv,
		Payer:          payer,
		Receiver:       receiver,
		Status:         st,
		RemainingSends: remaining,
	}
}

// ListInvoices возвращает счета пользователя, новые первыми.
func (s *Service) ListInvoices(ctx context.Context, userID int64) ([]model.InvoiceView, error) {
	invoices, err := s.repo.ListInvoices(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return []model.InvoiceView{}, nil
	}

	companies, err := s.repo.ListCompanies(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID := lo.KeyBy(companies, func(c model.Company) int64 { return c.ID })

	return lo.Map(invoices, func(inv model.Invoice, _ int) model.InvoiceView {
		return s.buildView(inv, byID[inv.PayerID], byID[inv.ReceiverID])
	}), nil
}

// MarkInvoicePaid отмечает счёт оплаченным. Отметка необратима; повторный вызов
// возвращает ошибку класса ErrAlreadySettled. Пустое at заменяется текущим временем.
func (s *Service) MarkInvoicePaid(ctx context.Context, userID, id int64, at time.Time) (*model.InvoiceView, error) {
	if at.IsZero() {
		at = s.now()
	}

	if err := s.repo.MarkFulfilled(ctx, userID, id, at); err != nil {
		return nil, err
	}

	s.logger.Info("invoice paid", zap.Int64("userID", userID), zap.Int64("invoiceID", id))
	return s.GetInvoice(ctx, userID, id)
}

// InvoicePDF возвращает PDF счёта и имя файла для него.
func (s *Service) InvoicePDF(ctx context.Context, userID, id int64) ([]byte, string, error) {
	view, err := s.GetInvoice(ctx, userID, id)
	if err != nil {
		return nil, "", err
	}

	pdf, err := s.renderer.Render(ctx, *view)
	if err != nil {
		return nil, "", err
	}
	return pdf, mailer.AttachmentName(view.Invoice.Number), nil
}

// ListSendHistory возвращает историю отправок счёта пользователя.
func (s *Service) ListSendHistory(ctx context.Context, userID, id int64) ([]model.SendHistoryRecord, error) {
	if _, err := s.repo.GetInvoice(ctx, userID, id); err != nil {
		return nil, err
	}

	history, err := s.repo.ListSendHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []model.SendHistoryRecord{}
	}
	return history, nil
}
