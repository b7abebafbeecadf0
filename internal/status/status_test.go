package status

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	paidAt := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		fulfilledAt *time.Time
		sendCount   int
		want        Status
	}{
		{name: "fresh invoice", fulfilledAt: nil, sendCount: 0, want: Created},
		{name: "sent once", fulfilledAt: nil, sendCount: 1, want: Sent},
		{name: "sent many times", fulfilledAt: nil, sendCount: 7, want: Sent},
		{name: "paid without sending", fulfilledAt: &paidAt, sendCount: 0, want: Paid},
		{name: "paid after sending", fulfilledAt: &paidAt, sendCount: 3, want: Paid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := Derive(tt.fulfilledAt, tt.sendCount)
			second := Derive(tt.fulfilledAt, tt.sendCount)

			assert.Equal(t, tt.want, first)
			assert.Equal(t, first, second)
		})
	}
}

func TestStatus_JSON(t *testing.T) {
	b, err := json.Marshal(map[string]Status{"status": Paid})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"PAID"}`, string(b))

	_, err = json.Marshal(Status(0))
	assert.Error(t, err)

	var decoded map[string]Status
	require.NoError(t, json.Unmarshal([]byte(`{"status":"SENT"}`), &decoded))
	assert.Equal(t, Sent, decoded["status"])

	assert.Error(t, json.Unmarshal([]byte(`{"status":"LOST"}`), &decoded))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "CREATED", Created.String())
	assert.Equal(t, "SENT", Sent.String())
	assert.Equal(t, "PAID", Paid.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}
