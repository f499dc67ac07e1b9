package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"slack-ping-scheduler/models"
)

var (
	ErrAlreadyPaused = errors.New("reminder is not active")
	ErrAlreadyActive = errors.New("reminder is already active")
	ErrAlreadyFired  = errors.New("one-time reminder has already fired")
)

// PauseReminder はアクティブなリマインダーを一時停止する
func PauseReminder(db *gorm.DB, id uint, teamID string) (*models.Reminder, error) {
	rem, err := GetReminder(db, id, teamID)
	if err != nil {
		return nil, err
	}
	if !rem.IsActive {
		return nil, ErrAlreadyPaused
	}

	rem.IsActive = false
	if err := withRetry(func() error {
		return db.Model(&models.Reminder{}).Where("id = ?", rem.ID).
			Update("is_active", false).Error
	}); err != nil {
		return nil, fmt.Errorf("reminder pause error: %w", err)
	}
	return rem, nil
}

// ResumeReminder は一時停止中のリマインダーを再開する。
// 発火時刻は「今」から1間隔後に再計算されるため、再開直後に発火することはない。
func ResumeReminder(db *gorm.DB, cache *SettingsCache, now time.Time, id uint, teamID string) (*models.Reminder, error) {
	rem, err := GetReminder(db, id, teamID)
	if err != nil {
		return nil, err
	}
	if rem.IsActive {
		return nil, ErrAlreadyActive
	}
	// 発火済みの単発はリタイア状態であり、再開で復活させない
	if !rem.IsRecurring && rem.LastFiredAt != nil {
		return nil, ErrAlreadyFired
	}

	next, err := rearmFromNow(db, cache, now, rem)
	if err != nil {
		return nil, err
	}

	rem.IsActive = true
	rem.NextFireAt = next
	if err := withRetry(func() error {
		return db.Model(&models.Reminder{}).Where("id = ?", rem.ID).
			Updates(map[string]interface{}{
				"is_active":    true,
				"next_fire_at": next,
			}).Error
	}); err != nil {
		return nil, fmt.Errorf("reminder resume error: %w", err)
	}
	return rem, nil
}

// rearmFromNow は保存済みの間隔（なければ元の時刻表現）から次回発火時刻を計算する
func rearmFromNow(db *gorm.DB, cache *SettingsCache, now time.Time, rem *models.Reminder) (time.Time, error) {
	if rem.HasCadence() {
		return NextFireFromInterval(now, rem.IntervalAmount, rem.IntervalUnit)
	}
	if rem.TimeExpr != "" {
		settings, err := GetTeamSettings(db, cache, rem.TeamID)
		if err != nil {
			return time.Time{}, err
		}
		return ParseClockTime(rem.TimeExpr, now, settings.Location())
	}
	return time.Time{}, ErrMissingSchedule
}

// ApplyFire は発火後の状態遷移を1レコード分コミットする。
// 繰り返しなら次回発火時刻を再設定し、単発ならリタイアさせる。
func ApplyFire(db *gorm.DB, rem *models.Reminder, now time.Time) error {
	now = now.UTC()
	rem.LastFiredAt = &now

	if rem.IsRecurring {
		next, err := NextFireAfterGap(rem.NextFireAt, rem.IntervalAmount, rem.IntervalUnit, now)
		if err != nil {
			return fmt.Errorf("rearm error (reminder id: %d): %w", rem.ID, err)
		}
		rem.NextFireAt = next
	} else {
		rem.IsActive = false
	}

	return withRetry(func() error {
		return db.Model(&models.Reminder{}).Where("id = ?", rem.ID).
			Updates(map[string]interface{}{
				"last_fired_at": now,
				"next_fire_at":  rem.NextFireAt,
				"is_active":     rem.IsActive,
			}).Error
	})
}

// ReminderEdit は部分更新の入力。nilのフィールドは変更しない。
type ReminderEdit struct {
	Message   *string
	ChannelID *string
	Targets   []string
	Amount    *int
	Unit      *string
	TimeExpr  *string
	IsDM      *bool
	IsGhost   *bool
}

// EditReminder はリマインダーを部分更新する。アクティブ・一時停止のどちらでも編集できる。
// 間隔か時刻表現を変更した場合は次回発火時刻を「今」から再計算する
// （前回発火時刻からではない）。
func EditReminder(db *gorm.DB, cache *SettingsCache, now time.Time, id uint, teamID string, edit ReminderEdit) (*models.Reminder, error) {
	rem, err := GetReminder(db, id, teamID)
	if err != nil {
		return nil, err
	}

	scheduleChanged := false
	if edit.Message != nil {
		rem.Message = *edit.Message
	}
	if edit.ChannelID != nil {
		rem.ChannelID = *edit.ChannelID
	}
	if len(edit.Targets) > 0 {
		first, err := classifyTargetID(edit.Targets[0])
		if err != nil {
			return nil, err
		}
		for _, t := range edit.Targets[1:] {
			k, err := classifyTargetID(t)
			if err != nil {
				return nil, err
			}
			if k != first {
				return nil, ErrMixedTargetKinds
			}
		}
		rem.Targets = strings.Join(edit.Targets, ",")
		rem.TargetKind = first
	}
	if edit.Amount != nil {
		rem.IntervalAmount = *edit.Amount
		scheduleChanged = true
	}
	if edit.Unit != nil {
		rem.IntervalUnit = *edit.Unit
		scheduleChanged = true
	}
	if edit.TimeExpr != nil {
		rem.TimeExpr = *edit.TimeExpr
		scheduleChanged = true
	}
	if edit.IsDM != nil {
		rem.IsDM = *edit.IsDM
	}
	if edit.IsGhost != nil {
		rem.IsGhost = *edit.IsGhost
	}

	// 編集後も不変条件を満たしていること
	if rem.TargetKind == models.TargetKindUsergroup && rem.IsDM {
		return nil, ErrUsergroupDM
	}
	if rem.IsGhost && rem.IsDM {
		return nil, ErrGhostDM
	}
	if rem.IsDM {
		rem.ChannelID = ""
	}

	if scheduleChanged {
		if rem.HasCadence() {
			if _, err := IntervalDuration(rem.IntervalAmount, rem.IntervalUnit); err != nil {
				return nil, err
			}
		}
		next, err := rearmFromNow(db, cache, now, rem)
		if err != nil {
			return nil, err
		}
		rem.NextFireAt = next
	}

	if err := withRetry(func() error { return db.Save(rem).Error }); err != nil {
		return nil, fmt.Errorf("reminder update error: %w", err)
	}
	return rem, nil
}
