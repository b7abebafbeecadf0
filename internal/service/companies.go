package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/invoicing-system/internal/model"
	"github.com/mmeshcher/invoicing-system/internal/numbering"
	"github.com/mmeshcher/invoicing-system/internal/validation"
)

// CompanyParams содержит редактируемые реквизиты компании. Счётчик номеров сюда не входит.
type CompanyParams struct {
	Name                 string `json:"name" validate:"required,max=200"`
	Alias                string `json:"alias" validate:"max=100"`
	Email                string `json:"email" validate:"required,email"`
	Address              string `json:"address" validate:"max=1000"`
	Currency             string `json:"currency" validate:"required,iso4217"`
	InvoiceNumberPattern string `json:"invoiceNumberPattern" validate:"required,max=100"`
}

func (p *CompanyParams) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Alias = strings.TrimSpace(p.Alias)
	p.Email = strings.TrimSpace(p.Email)
	p.Address = strings.TrimSpace(p.Address)
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
}

func (p CompanyParams) apply(c *model.Company) {
	c.Name = p.Name
	c.Alias = p.Alias
	c.Email = p.Email
	c.Address = p.Address
	c.Currency = p.Currency
	c.InvoiceNumberPattern = p.InvoiceNumberPattern
}

// warnConstantPattern предупреждает о шаблоне без %0: все счета компании получат один номер.
func (s *Service) warnConstantPattern(userID int64, p CompanyParams) {
	if numbering.HasIncrement(p.InvoiceNumberPattern) {
		return
	}
	s.logger.Warn("invoice number pattern has no increment token",
		zap.Int64("userID", userID), zap.String("company", p.Name), zap.String("pattern", p.InvoiceNumberPattern))
}

// CreateCompany добавляет компанию в справочник пользователя.
// Шаблон номера принимается любым непустым.
func (s *Service) CreateCompany(ctx context.Context, userID int64, p CompanyParams) (*model.Company, error) {
	p.normalize()
	if err := validation.Struct(p); err != nil {
		return nil, err
	}
	s.warnConstantPattern(userID, p)

	c := &model.Company{UserID: userID}
	p.apply(c)
	return s.repo.CreateCompany(ctx, c)
}

// UpdateCompany меняет реквизиты компании пользователя.
func (s *Service) UpdateCompany(ctx context.Context, userID, id int64, p CompanyParams) (*model.Company, error) {
	p.normalize()
	if err := validation.Struct(p); err != nil {
		return nil, err
	}
	s.warnConstantPattern(userID, p)

	c := &model.Company{ID: id, UserID: userID}
	p.apply(c)
	return s.repo.UpdateCompany(ctx, c)
}

// GetCompany возвращает компанию пользователя.
func (s *Service) GetCompany(ctx context.Context, userID, id int64) (*model.Company, error) {
	return s.repo.GetCompany(ctx, userID, id)
}

// ListCompanies возвращает справочник компаний пользователя.
func (s *Service) ListCompanies(ctx context.Context, userID int64) ([]model.Company, error) {
	return s.repo.ListCompanies(ctx, userID)
}

// PreviewInvoiceNumber показывает номер, который получит следующий счёт этой компании
// как плательщика. Счётчик не меняется.
func (s *Service) PreviewInvoiceNumber(ctx context.Context, userID, companyID int64) (string, error) {
	c, err := s.repo.GetCompany(ctx, userID, companyID)
	if err != nil {
		return "", err
	}
	return numbering.Render(c.InvoiceNumberPattern, c.InvoiceNumberCounter, s.now()), nil
}
