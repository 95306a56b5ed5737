package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickerTime_IsUTC(t *testing.T) {
	at := time.Date(2024, 5, 1, 23, 59, 30, 0, time.UTC)
	tk := Ticker{Symbol: "BTCUSDT", Timestamp: at.UnixMilli()}

	got := tk.Time()
	assert.Equal(t, at, got)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, "2024-05-01", got.Format("2006-01-02"))
}
