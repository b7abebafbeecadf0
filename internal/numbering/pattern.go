// Package numbering формирует номера счетов по шаблону компании.
//
// Шаблон поддерживает четыре токена:
//
//	%Y      год, 4 цифры
//	%M      месяц, 2 цифры
//	%D      день месяца, 2 цифры
//	%0[n]   порядковый номер (счётчик + 1), дополненный нулями до n цифр; [n] необязателен
//
// Всё остальное копируется как есть. Экранирования нет, ошибок разбора тоже нет:
// нераспознанный текст просто не заменяется.
package numbering

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	tokenRe     = regexp.MustCompile(`%Y|%M|%D|%0(?:\[(\d)\])?`)
	incrementRe = regexp.MustCompile(`%0(?:\[(\d)\])?`)
)

// Render возвращает номер счёта для шаблона template. counter равен количеству уже
// выпущенных счетов, поэтому в номер подставляется counter+1. Дата берётся из at.
//
// Если шаблон содержит несколько %0 с разной шириной, для всех используется ширина
// первого вхождения.
func Render(template string, counter int64, at time.Time) string {
	width := incrementWidth(template)
	increment := pad(counter+1, width)

	return tokenRe.ReplaceAllStringFunc(template, func(tok string) string {
		switch tok {
		case "%Y":
			return pad(int64(at.Year()), 0)
		case "%M":
			return pad(int64(at.Month()), 2)
		case "%D":
			return pad(int64(at.Day()), 2)
		default:
			return increment
		}
	})
}

// RenderNow вызывает Render с текущим временем.
func RenderNow(template string, counter int64) string {
	return Render(template, counter, time.Now())
}

// HasIncrement сообщает, содержит ли шаблон токен порядкового номера.
// Без него номера счетов одной компании могут совпадать.
func HasIncrement(template string) bool {
	return incrementRe.MatchString(template)
}

func incrementWidth(template string) int {
	m := incrementRe.FindStringSubmatch(template)
	if len(m) < 2 || m[1] == "" {
		return 0
	}
	w, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return w
}

func pad(v int64, width int) string {
	s := strconv.FormatInt(v, 10)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
