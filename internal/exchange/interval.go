package exchange

import (
	"strconv"
	"time"

	"crypto-strategy-engine/internal/service"

	"github.com/pkg/errors"
)

// Bybit v5 支持的分钟级周期
var bybitMinuteIntervals = map[int]bool{1: true, 3: true, 5: true, 15: true, 30: true, 60: true, 120: true, 240: true, 360: true, 720: true}

// BybitInterval 将 "1m"/"1h"/"1d"/"1w" 转换为 Bybit 的周期参数 ("1"/"60"/"D"/"W")
func BybitInterval(interval string) (string, error) {
	d, err := service.ParseIntervalDuration(interval)
	if err != nil {
		return "", err
	}
	switch d {
	case 24 * time.Hour:
		return "D", nil
	case 7 * 24 * time.Hour:
		return "W", nil
	}
	minutes := int(d / time.Minute)
	if !bybitMinuteIntervals[minutes] {
		return "", errors.Errorf("interval %s not supported by bybit", interval)
	}
	return strconv.Itoa(minutes), nil
}
