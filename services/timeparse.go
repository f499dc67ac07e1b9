package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"slack-ping-scheduler/models"
)

var (
	ErrBadTimeExpression = errors.New("unrecognized time expression")
	ErrBadInterval       = errors.New("interval must be a positive number of minutes, hours or days")
)

// IntervalDuration は「数値+単位」の繰り返し間隔をDurationに変換する
func IntervalDuration(amount int, unit string) (time.Duration, error) {
	if amount <= 0 {
		return 0, ErrBadInterval
	}
	switch unit {
	case models.UnitMinutes:
		return time.Duration(amount) * time.Minute, nil
	case models.UnitHours:
		return time.Duration(amount) * time.Hour, nil
	case models.UnitDays:
		return time.Duration(amount) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadInterval, unit)
}

// NextFireFromInterval は現在時刻から1間隔後の発火時刻（UTC）を返す
func NextFireFromInterval(now time.Time, amount int, unit string) (time.Time, error) {
	d, err := IntervalDuration(amount, unit)
	if err != nil {
		return time.Time{}, err
	}
	return now.UTC().Add(d), nil
}

// 受け付ける時刻表現のレイアウト
var clockLayouts = []string{"15:04", "3:04pm", "3pm"}

// ParseClockTime は "3pm" や "15:00"、"tomorrow 2pm" のような時刻表現を
// チームのタイムゾーンで解釈し、次に到来する発火時刻をUTCで返す。
// その日の該当時刻がすでに過ぎていれば翌日に繰り越す。
// "tomorrow" が付いている場合は時刻に関係なく1日繰り越す。
func ParseClockTime(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	s := strings.ToLower(strings.TrimSpace(expr))
	forceTomorrow := false
	if strings.HasPrefix(s, "tomorrow") {
		forceTomorrow = true
		s = strings.TrimSpace(strings.TrimPrefix(s, "tomorrow"))
	}

	// "3 pm" のような空白入りも受け付ける
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimeExpression, expr)
	}

	var parsed time.Time
	ok := false
	for _, layout := range clockLayouts {
		if p, err := time.Parse(layout, s); err == nil {
			parsed = p
			ok = true
			break
		}
	}
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimeExpression, expr)
	}

	localNow := now.In(loc)
	candidate := time.Date(localNow.Year(), localNow.Month(), localNow.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, loc)

	if forceTomorrow {
		candidate = candidate.AddDate(0, 0, 1)
	} else if !candidate.After(localNow) {
		candidate = candidate.AddDate(0, 0, 1)
	}

	return candidate.UTC(), nil
}

// NextFireAfterGap は発火後の再設定に使う。前回の発火予定時刻を基準に、
// 間隔を繰り返し足して「現在より後」になる最初の時刻を返す。
// プロセス停止で複数回分を取り逃していても、1間隔だけ先の時刻に揃う（ドリフトしない）。
func NextFireAfterGap(last time.Time, amount int, unit string, now time.Time) (time.Time, error) {
	step, err := IntervalDuration(amount, unit)
	if err != nil {
		return time.Time{}, err
	}

	next := last.UTC().Add(step)
	for !next.After(now.UTC()) {
		next = next.Add(step)
	}
	return next, nil
}
