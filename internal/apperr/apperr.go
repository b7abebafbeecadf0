// Package apperr описывает классы ошибок сервиса выставления счетов.
//
// Каждая ошибка, покидающая бизнес-логику, помечена одним из сентинелов пакета,
// поэтому вызывающий код может определить её класс через errors.Is или KindOf,
// не теряя исходную причину.
package apperr

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Kind задаёт стабильный машинно-читаемый тег класса ошибки.
type Kind string

const (
	KindValidation               Kind = "validation"
	KindNotFound                 Kind = "not_found"
	KindConflict                 Kind = "conflict"
	KindUnauthorized             Kind = "unauthorized"
	KindQuotaExceeded            Kind = "quota_exceeded"
	KindAlreadySettled           Kind = "already_settled"
	KindReauthenticationRequired Kind = "reauthentication_required"
	KindCredentialRefreshFailed  Kind = "credential_refresh_failed"
	KindTransport                Kind = "transport"
	KindInternal                 Kind = "internal"
)

var (
	// ErrValidation: некорректные входные данные, исправимо вызывающей стороной.
	ErrValidation = errors.New("validation error")
	// ErrNotFound: сущность отсутствует или принадлежит другому пользователю.
	ErrNotFound = errors.New("not found")
	// ErrConflict: сущность уже существует.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized: неверные учётные данные пользователя.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrQuotaExceeded: исчерпан лимит отправок счёта.
	ErrQuotaExceeded = errors.New("send quota exceeded")
	// ErrAlreadySettled: счёт уже оплачен.
	ErrAlreadySettled = errors.New("invoice already settled")
	// ErrReauthenticationRequired: токен нельзя обновить, нужно повторное согласие пользователя.
	ErrReauthenticationRequired = errors.New("reauthentication required")
	// ErrCredentialRefreshFailed: провайдер не смог обновить токен, возможно временно.
	ErrCredentialRefreshFailed = errors.New("credential refresh failed")
	// ErrTransport: сбой отправки почты или рендеринга PDF.
	ErrTransport = errors.New("transport error")
)

var kinds = []struct {
	ref  error
	kind Kind
}{
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrConflict, KindConflict},
	{ErrUnauthorized, KindUnauthorized},
	{ErrQuotaExceeded, KindQuotaExceeded},
	{ErrAlreadySettled, KindAlreadySettled},
	{ErrReauthenticationRequired, KindReauthenticationRequired},
	{ErrCredentialRefreshFailed, KindCredentialRefreshFailed},
	{ErrTransport, KindTransport},
}

// New создаёт ошибку с сообщением msg, помеченную классом ref.
func New(ref error, msg string) error {
	return errors.Mark(errors.New(msg), ref)
}

// Newf аналогична New, но форматирует сообщение.
func Newf(ref error, format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ref)
}

// Wrap оборачивает err сообщением msg и помечает результат классом ref.
// Возвращает nil, если err равен nil.
func Wrap(err error, ref error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ref)
}

// WithHint добавляет к ошибке сообщение для пользователя.
func WithHint(err error, hint string) error {
	return errors.WithHint(err, hint)
}

// Hint возвращает пользовательские подсказки, накопленные в цепочке ошибки.
func Hint(err error) string {
	return errors.FlattenHints(err)
}

// KindOf возвращает класс ошибки. Если ошибка помечена несколько раз, побеждает
// внешняя пометка. Для непомеченных ошибок возвращается KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.UnwrapOnce(e) {
		next := errors.UnwrapOnce(e)
		for _, k := range kinds {
			if errors.Is(e, k.ref) && (next == nil || !errors.Is(next, k.ref)) {
				return k.kind
			}
		}
	}
	return KindInternal
}

// IsTimeout сообщает, вызвана ли ошибка истечением срока контекста.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
