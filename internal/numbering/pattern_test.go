package numbering

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	at := time.Date(2024, time.March, 7, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		template string
		counter  int64
		want     string
	}{
		{name: "year and padded increment", template: "INV-%Y/%0[4]", counter: 0, want: "INV-2024/0001"},
		{name: "month and day", template: "FOO-%M-%D", counter: 99, want: "FOO-03-07"},
		{name: "width three", template: "%0[3]", counter: 41, want: "042"},
		{name: "no bracket means no padding", template: "N%0", counter: 6, want: "N7"},
		{name: "value wider than padding", template: "%0[2]", counter: 122, want: "123"},
		{name: "no tokens", template: "STATIC", counter: 5, want: "STATIC"},
		{name: "empty template", template: "", counter: 5, want: ""},
		{name: "two digit bracket is not a width", template: "%0[12]", counter: 0, want: "1[12]"},
		{name: "unknown token left alone", template: "%X-%Y", counter: 0, want: "%X-2024"},
		{name: "first width wins", template: "%0[3]-%0[5]", counter: 8, want: "009-009"},
		{name: "all tokens", template: "%Y%M%D-%0[2]", counter: 0, want: "20240307-01"},
		{name: "substituted digits are not rescanned", template: "%%D", counter: 0, want: "%07"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.template, tt.counter, at))
		})
	}
}

func TestRender_IncrementPadding(t *testing.T) {
	at := time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC)

	for _, c := range []int64{0, 1, 9, 41, 98, 998} {
		got := Render("X-%0[3]", c, at)
		assert.Equal(t, fmt.Sprintf("X-%03d", c+1), got, "counter %d", c)
	}
}

func TestRender_Deterministic(t *testing.T) {
	at := time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)

	a := Render("INV-%Y-%M-%0[5]", 17, at)
	b := Render("INV-%Y-%M-%0[5]", 17, at)
	assert.Equal(t, a, b)
	assert.Equal(t, "INV-2024-01-00018", a)
}

func TestHasIncrement(t *testing.T) {
	assert.True(t, HasIncrement("X-%0"))
	assert.True(t, HasIncrement("X-%0[4]"))
	assert.False(t, HasIncrement("X-%Y-%M"))
}
