package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"slack-ping-scheduler/models"
)

func TestPauseAndResumeReminder(t *testing.T) {
	db := setupTestDB(t)
	cache := NewSettingsCache()
	now := testNow()

	rem, err := CreateReminder(db, cache, now, validInput())
	assert.NoError(t, err)

	// 一時停止
	paused, err := PauseReminder(db, rem.ID, "T12345")
	assert.NoError(t, err)
	assert.False(t, paused.IsActive)

	// 二重の一時停止は拒否される
	_, err = PauseReminder(db, rem.ID, "T12345")
	assert.ErrorIs(t, err, ErrAlreadyPaused)

	// 一時停止中は発火対象に出てこない
	due, err := FindDueReminders(db, now.Add(24*time.Hour))
	assert.NoError(t, err)
	assert.Len(t, due, 0)

	// 再開：1間隔先に再設定され、すぐには発火しない
	later := now.Add(3 * time.Hour)
	resumed, err := ResumeReminder(db, cache, later, rem.ID, "T12345")
	assert.NoError(t, err)
	assert.True(t, resumed.IsActive)
	assert.Equal(t, later.Add(2*time.Hour), resumed.NextFireAt)
	assert.True(t, resumed.NextFireAt.After(later))

	// 再開した瞬間のtickでは発火対象にならない
	due, err = FindDueReminders(db, later)
	assert.NoError(t, err)
	assert.Len(t, due, 0)

	// 二重の再開は拒否される
	_, err = ResumeReminder(db, cache, later, rem.ID, "T12345")
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestResumeReminder_ClockTimeOnly(t *testing.T) {
	db := setupTestDB(t)
	cache := NewSettingsCache()
	now := testNow() // 12:00 UTC

	// 時刻指定のみの単発リマインダー
	in := validInput()
	in.Amount = 0
	in.Unit = ""
	in.IsRecurring = false
	in.TimeExpr = "3pm"

	rem, err := CreateReminder(db, cache, now, in)
	assert.NoError(t, err)

	_, err = PauseReminder(db, rem.ID, "T12345")
	assert.NoError(t, err)

	// 再開時は元の時刻表現から次の到来時刻を再計算する
	later := time.Date(2026, 1, 20, 16, 0, 0, 0, time.UTC) // 16:00、15:00は過ぎている
	resumed, err := ResumeReminder(db, cache, later, rem.ID, "T12345")
	assert.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 21, 15, 0, 0, 0, time.UTC), resumed.NextFireAt.UTC())
}

func TestApplyFire_Recurring(t *testing.T) {
	db := setupTestDB(t)
	now := testNow()

	rem := models.Reminder{
		TeamID: "T1", Targets: "U1", TargetKind: models.TargetKindUser,
		Message: "ping", ChannelID: "C1",
		IntervalAmount: 30, IntervalUnit: models.UnitMinutes,
		NextFireAt: now.Add(-time.Minute), IsActive: true, IsRecurring: true,
	}
	db.Create(&rem)

	assert.NoError(t, ApplyFire(db, &rem, now))

	var saved models.Reminder
	db.First(&saved, rem.ID)
	assert.True(t, saved.IsActive)
	assert.NotNil(t, saved.LastFiredAt)
	assert.Equal(t, now, saved.LastFiredAt.UTC())
	// 元の予定時刻を基準に、今より後の最初の倍数へ
	assert.Equal(t, now.Add(29*time.Minute), saved.NextFireAt.UTC())
}

func TestApplyFire_OneTimeRetires(t *testing.T) {
	db := setupTestDB(t)
	now := testNow()

	rem := models.Reminder{
		TeamID: "T1", Targets: "U1", TargetKind: models.TargetKindUser,
		Message: "once", ChannelID: "C1",
		NextFireAt: now.Add(-time.Minute), IsActive: true, IsRecurring: false,
	}
	db.Create(&rem)

	assert.NoError(t, ApplyFire(db, &rem, now))

	var saved models.Reminder
	db.First(&saved, rem.ID)
	assert.False(t, saved.IsActive)
	assert.NotNil(t, saved.LastFiredAt)

	// 以後は発火対象に現れない
	due, err := FindDueReminders(db, now.Add(24*time.Hour))
	assert.NoError(t, err)
	assert.Len(t, due, 0)
}

func TestApplyFire_MissedIntervalsNoDrift(t *testing.T) {
	db := setupTestDB(t)
	now := testNow()

	// プロセスが3時間止まっていた想定
	rem := models.Reminder{
		TeamID: "T1", Targets: "U1", TargetKind: models.TargetKindUser,
		Message: "ping", ChannelID: "C1",
		IntervalAmount: 30, IntervalUnit: models.UnitMinutes,
		NextFireAt: now.Add(-3 * time.Hour), IsActive: true, IsRecurring: true,
	}
	db.Create(&rem)

	assert.NoError(t, ApplyFire(db, &rem, now))

	var saved models.Reminder
	db.First(&saved, rem.ID)
	assert.True(t, saved.NextFireAt.After(now))
	assert.True(t, saved.NextFireAt.Sub(now) <= 30*time.Minute)
}

func TestEditReminder_MessageOnlyKeepsSchedule(t *testing.T) {
	db := setupTestDB(t)
	cache := NewSettingsCache()
	now := testNow()

	// (2, hours)で作成してメッセージだけ編集
	rem, err := CreateReminder(db, cache, now, validInput())
	assert.NoError(t, err)
	originalNext := rem.NextFireAt

	newMessage := "updated message"
	later := now.Add(45 * time.Minute)
	edited, err := EditReminder(db, cache, later, rem.ID, "T12345", ReminderEdit{Message: &newMessage})
	assert.NoError(t, err)
	assert.Equal(t, "updated message", edited.Message)
	// 次回発火時刻は変わらない
	assert.Equal(t, originalNext.UTC(), edited.NextFireAt.UTC())
}

func TestEditReminder_IntervalRecomputesFromNow(t *testing.T) {
	db := setupTestDB(t)
	cache := NewSettingsCache()
	now := testNow()

	rem, err := CreateReminder(db, cache, now, validInput())
	assert.NoError(t, err)

	// 間隔を変更すると「今」から再計算される（last_firedからではない）
	amount := 45
	unit := models.UnitMinutes
	later := now.Add(30 * time.Minute)
	edited, err := EditReminder(db, cache, later, rem.ID, "T12345", ReminderEdit{Amount: &amount, Unit: &unit})
	assert.NoError(t, err)
	assert.Equal(t, later.Add(45*time.Minute), edited.NextFireAt.UTC())
	assert.Equal(t, 45, edited.IntervalAmount)
}

func TestEditReminder_InvariantViolations(t *testing.T) {
	db := setupTestDB(t)
	cache := NewSettingsCache()
	now := testNow()

	rem, err := CreateReminder(db, cache, now, validInput())
	assert.NoError(t, err)

	// DMへの変更とゴーストの組み合わせは拒否される
	dm := true
	ghost := true
	_, err = EditReminder(db, cache, now, rem.ID, "T12345", ReminderEdit{IsDM: &dm, IsGhost: &ghost})
	assert.ErrorIs(t, err, ErrGhostDM)

	// ユーザーグループターゲットへの変更とDMの組み合わせも拒否される
	_, err = EditReminder(db, cache, now, rem.ID, "T12345", ReminderEdit{
		Targets: []string{"S11111"},
		IsDM:    &dm,
	})
	assert.ErrorIs(t, err, ErrUsergroupDM)

	// 混在ターゲットへの編集も拒否される
	_, err = EditReminder(db, cache, now, rem.ID, "T12345", ReminderEdit{
		Targets: []string{"U11111", "S11111"},
	})
	assert.ErrorIs(t, err, ErrMixedTargetKinds)

	// 失敗した編集は何も変えていない
	saved, err := GetReminder(db, rem.ID, "T12345")
	assert.NoError(t, err)
	assert.Equal(t, "U12345,U67890", saved.Targets)
	assert.False(t, saved.IsDM)
}

func TestEditReminder_NotFound(t *testing.T) {
	db := setupTestDB(t)
	msg := "x"
	_, err := EditReminder(db, NewSettingsCache(), testNow(), 999, "T12345", ReminderEdit{Message: &msg})
	assert.ErrorIs(t, err, ErrNotFound)
}
