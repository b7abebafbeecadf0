// Package status вычисляет состояние счёта по фактам, которые у счёта уже есть.
// Статус нигде не хранится и пересчитывается при каждом чтении.
package status

import (
	"fmt"
	"time"
)

// Status описывает состояние жизненного цикла счёта.
type Status uint8

const (
	// Created: счёт выпущен, но ещё ни разу не отправлялся.
	Created Status = iota + 1
	// Sent: есть хотя бы одна запись в истории отправок.
	Sent
	// Paid: счёт оплачен. Конечное состояние.
	Paid
)

func (s Status) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Sent:
		return "SENT"
	case Paid:
		return "PAID"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// MarshalText кодирует статус строкой, чтобы он попадал в JSON как "PAID" и т.п.
func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case Created, Sent, Paid:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown invoice status %d", uint8(s))
	}
}

// UnmarshalText разбирает статус из строкового представления.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CREATED":
		*s = Created
	case "SENT":
		*s = Sent
	case "PAID":
		*s = Paid
	default:
		return fmt.Errorf("unknown invoice status %q", text)
	}
	return nil
}

// Derive возвращает статус счёта. Оплата доминирует над любыми отправками.
func Derive(fulfilledAt *time.Time, sendCount int) Status {
	switch {
	case fulfilledAt != nil:
		return Paid
	case sendCount > 0:
		return Sent
	default:
		return Created
	}
}
