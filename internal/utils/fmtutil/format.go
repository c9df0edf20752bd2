// Package fmtutil provides parsing and formatting utilities for human-readable input and output.
// Package fmtutil 提供用于人类可读输入输出的解析与格式化工具。
package fmtutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

// MaxRuleDuration is the longest lifetime accepted for a temporary rule.
// MaxRuleDuration 是临时规则可接受的最长生命周期。
const MaxRuleDuration = 365 * 24 * time.Hour

// ParseDuration parses a rule lifetime of the form <integer><unit> where
// unit is one of h, m or s (e.g. "1h", "30m", "45s").
// Zero, a missing unit, a non-numeric prefix and values above
// MaxRuleDuration are validation errors.
// ParseDuration 解析 <整数><单位> 形式的规则生命周期，单位为 h、m 或 s。
// 零值、缺少单位、非数字前缀以及超过 MaxRuleDuration 的值均为校验错误。
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fwerrors.NewDurationError(s, "expected <integer><h|m|s>")
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'h':
		unit = time.Hour
	case 'm':
		unit = time.Minute
	case 's':
		unit = time.Second
	default:
		return 0, fwerrors.NewDurationError(s, "unit must be h, m or s")
	}

	n, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fwerrors.NewDurationError(s, "not a whole number")
	}
	if n == 0 {
		return 0, fwerrors.NewDurationError(s, "must be greater than zero")
	}
	if n > uint64(MaxRuleDuration/unit) {
		return 0, fwerrors.NewDurationError(s, "exceeds 365 days")
	}
	return time.Duration(n) * unit, nil
}

// FormatDuration formats a duration to human readable format.
// FormatDuration 将持续时间格式化为可读格式。
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}

// FormatRemaining renders the time left until expiresAt, "permanent" for nil
// and "expiring" once the deadline has passed.
// FormatRemaining 返回距离 expiresAt 的剩余时间；nil 为 "permanent"，已过期为 "expiring"。
func FormatRemaining(expiresAt *time.Time, now time.Time) string {
	if expiresAt == nil {
		return "permanent"
	}
	left := expiresAt.Sub(now)
	if left <= 0 {
		return "expiring"
	}
	return FormatDuration(left.Truncate(time.Second))
}

// FormatNumberWithComma formats a number with thousand separators.
// FormatNumberWithComma 格式化数字，添加千位分隔符。
func FormatNumberWithComma(n int) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	s := strconv.Itoa(n)
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return sign + b.String()
}
