// Package mailer отправляет счета по почте от имени подключённого аккаунта пользователя.
package mailer

import (
	"context"

	"github.com/mmeshcher/invoicing-system/internal/model"
)

// Attachment описывает вложение письма.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message описывает письмо. Пустой From заменяется адресом аккаунта отправителя.
type Message struct {
	From        string
	FromName    string
	To          []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

// Sender отправляет письмо с правами аккаунта cred и возвращает идентификатор сообщения.
type Sender interface {
	Send(ctx context.Context, cred *model.AccountCredential, msg *Message) (string, error)
}
