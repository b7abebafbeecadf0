// Package limiter ограничивает число отправок одного счёта.
package limiter

import (
	"fmt"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/status"
)

// DefaultMaxAttempts задаёт лимит отправок, если он не задан в конфигурации.
const DefaultMaxAttempts = 3

// Limiter проверяет, можно ли ещё раз отправить счёт. Сам лимитер ничего не
// записывает: попытка учитывается, когда в историю отправок добавляется запись.
type Limiter struct {
	max int
}

// New создаёт лимитер с максимумом maxAttempts попыток. Неположительное значение
// заменяется на DefaultMaxAttempts.
func New(maxAttempts int) *Limiter {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Limiter{max: maxAttempts}
}

// Max возвращает настроенный лимит.
func (l *Limiter) Max() int {
	return l.max
}

// Remaining возвращает оставшееся число попыток, но не меньше нуля.
func (l *Limiter) Remaining(sendCount int) int {
	return max(0, l.max-sendCount)
}

// CanSend сообщает, разрешена ли ещё одна отправка.
func (l *Limiter) CanSend(st status.Status, sendCount int) bool {
	return l.Check(st, sendCount) == nil
}

// Check возвращает причину отказа в отправке или nil. Оплаченный счёт
// отклоняется раньше исчерпанной квоты.
func (l *Limiter) Check(st status.Status, sendCount int) error {
	if st == status.Paid {
		return apperr.New(apperr.ErrAlreadySettled, "invoice is already paid")
	}
	if l.Remaining(sendCount) == 0 {
		return apperr.Newf(apperr.ErrQuotaExceeded, "invoice was already sent %d of %d allowed times", sendCount, l.max)
	}
	return nil
}

// Policy определяет, расходует ли неудачная отправка попытку.
type Policy string

const (
	// PolicyOnSuccess учитывает только отправки, принятые почтовым провайдером.
	PolicyOnSuccess Policy = "success"
	// PolicyOnAttempt учитывает любую завершившуюся попытку, в том числе неудачную.
	PolicyOnAttempt Policy = "attempt"
)

// ParsePolicy разбирает значение политики из конфигурации. Пустая строка
// означает PolicyOnSuccess.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyOnSuccess:
		return PolicyOnSuccess, nil
	case PolicyOnAttempt:
		return PolicyOnAttempt, nil
	default:
		return "", fmt.Errorf("unknown send record policy %q", s)
	}
}

// ShouldRecord сообщает, нужно ли записать попытку в историю, если отправка
// завершилась с ошибкой sendErr.
func (p Policy) ShouldRecord(sendErr error) bool {
	if sendErr == nil {
		return true
	}
	return p == PolicyOnAttempt
}
