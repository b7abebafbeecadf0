package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/model"
)

// SMTPSender отправляет письма через SMTP с аутентификацией XOAUTH2:
// логином служит адрес аккаунта, паролем служит access token.
type SMTPSender struct {
	host    string
	port    int
	timeout time.Duration
	logger  *zap.Logger
}

// NewSMTPSender создаёт отправителя для SMTP-сервера почтового провайдера.
func NewSMTPSender(host string, port int, logger *zap.Logger) *SMTPSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPSender{
		host:    host,
		port:    port,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// Send отправляет письмо. Любой сбой SMTP возвращается как ошибка класса ErrTransport.
func (s *SMTPSender) Send(ctx context.Context, cred *model.AccountCredential, m *Message) (string, error) {
	if cred == nil || cred.AccessToken == "" {
		return "", apperr.New(apperr.ErrReauthenticationRequired, "no access token for mail account")
	}

	msg, messageID, err := buildMsg(cred, m)
	if err != nil {
		return "", apperr.Wrap(err, apperr.ErrValidation, "build message")
	}

	client, err := mail.NewClient(s.host, s.clientOptions(cred)...)
	if err != nil {
		return "", apperr.Wrap(err, apperr.ErrTransport, "create smtp client")
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		s.logger.Warn("smtp send failed", zap.Error(err), zap.Strings("to", m.To), zap.String("host", s.host))
		return "", apperr.Wrap(err, apperr.ErrTransport, "send email")
	}

	s.logger.Info("email sent", zap.Strings("to", m.To), zap.String("messageID", messageID))
	return messageID, nil
}

func (s *SMTPSender) clientOptions(cred *model.AccountCredential) []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.port),
		mail.WithTimeout(s.timeout),
		mail.WithSMTPAuth(mail.SMTPAuthXOAUTH2),
		mail.WithUsername(cred.AccountEmail),
		mail.WithPassword(cred.AccessToken),
	}

	switch s.port {
	case 465:
		opts = append(opts, mail.WithSSL())
	case 587:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	return opts
}

func buildMsg(cred *model.AccountCredential, m *Message) (*mail.Msg, string, error) {
	if len(m.To) == 0 {
		return nil, "", errors.New("no recipients")
	}

	from := m.From
	if from == "" {
		from = cred.AccountEmail
	}

	msg := mail.NewMsg()
	if m.FromName != "" {
		if err := msg.FromFormat(m.FromName, from); err != nil {
			return nil, "", fmt.Errorf("invalid from address: %w", err)
		}
	} else if err := msg.From(from); err != nil {
		return nil, "", fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(m.To...); err != nil {
		return nil, "", fmt.Errorf("invalid to address: %w", err)
	}

	msg.Subject(m.Subject)
	msg.SetDate()

	messageID := ulid.Make().String() + "@" + domainOf(from)
	msg.SetMessageIDWithValue(messageID)

	switch {
	case m.HTMLBody != "" && m.TextBody != "":
		msg.SetBodyString(mail.TypeTextPlain, m.TextBody)
		msg.AddAlternativeString(mail.TypeTextHTML, m.HTMLBody)
	case m.HTMLBody != "":
		msg.SetBodyString(mail.TypeTextHTML, m.HTMLBody)
	default:
		msg.SetBodyString(mail.TypeTextPlain, m.TextBody)
	}

	for _, att := range m.Attachments {
		if err := msg.AttachReader(att.Filename, bytes.NewReader(att.Content),
			mail.WithFileContentType(mail.ContentType(att.ContentType))); err != nil {
			return nil, "", fmt.Errorf("attach %s: %w", att.Filename, err)
		}
	}

	return msg, messageID, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
