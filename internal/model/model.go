// Package model содержит доменные сущности сервиса выставления счетов.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invoicing-system/internal/status"
)

// User представляет зарегистрированного пользователя.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Company описывает компанию из справочника пользователя: плательщика или получателя.
type Company struct {
	ID       int64
	UserID   int64
	Name     string
	Alias    string
	Email    string
	Address  string
	Currency string

	// Шаблон номера счёта, см. пакет numbering.
	InvoiceNumberPattern string
	// Число счетов, уже выпущенных с этой компанией в роли плательщика.
	// Меняется только репозиторием в транзакции создания счёта.
	InvoiceNumberCounter int64

	CreatedAt time.Time
}

// DisplayName возвращает псевдоним компании, а если его нет, то название.
func (c Company) DisplayName() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Name
}

// Invoice описывает выпущенный счёт. Номер и валюта фиксируются при создании.
type Invoice struct {
	ID          int64
	UserID      int64
	Number      string
	PayerID     int64
	ReceiverID  int64
	Amount      decimal.Decimal
	Currency    string
	IssuedAt    time.Time
	ExpiredAt   time.Time
	FulfilledAt *time.Time
	Description string
	CreatedAt   time.Time

	// Число записей в истории отправок. Не хранится в таблице счетов,
	// заполняется при чтении.
	SendCount int
}

// Status вычисляет текущий статус счёта.
func (i Invoice) Status() status.Status {
	return status.Derive(i.FulfilledAt, i.SendCount)
}

// InvoiceDraft содержит данные для создания счёта до присвоения номера.
type InvoiceDraft struct {
	UserID      int64
	PayerID     int64
	ReceiverID  int64
	Amount      decimal.Decimal
	IssuedAt    time.Time
	ExpiredAt   time.Time
	Description string
}

// SendHistoryRecord описывает попытку отправки счёта. Записи только добавляются.
type SendHistoryRecord struct {
	ID                int64
	InvoiceID         int64
	SentAt            time.Time
	RecipientEmail    string
	ProviderMessageID string
	Metadata          map[string]string
}

// AccountCredential хранит OAuth-токены почтового аккаунта пользователя.
type AccountCredential struct {
	UserID       int64
	Provider     string
	AccountEmail string
	AccessToken  string
	// RefreshToken пуст, если провайдер его не выдал.
	RefreshToken string
	// ExpiresAt равен nil для бессрочного токена.
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// Expired сообщает, истёк ли токен к моменту now.
func (c AccountCredential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// InvoiceView содержит счёт вместе со сторонами и вычисленным статусом.
type InvoiceView struct {
	Invoice        Invoice
	Payer          Company
	Receiver       Company
	Status         status.Status
	RemainingSends int
}
