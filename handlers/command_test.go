package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"slack-ping-scheduler/models"
	"slack-ping-scheduler/services"
)

func setupCommandTest(t *testing.T) (*gin.Engine, *gorm.DB) {
	gin.SetMode(gin.TestMode)

	// 署名検証はローカル開発モード（シークレット未設定）で通す
	originalSecret := os.Getenv("SLACK_SIGNING_SECRET")
	t.Cleanup(func() { os.Setenv("SLACK_SIGNING_SECRET", originalSecret) })
	os.Unsetenv("SLACK_SIGNING_SECRET")

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("fail to open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Reminder{}, &models.TeamSettings{}, &models.Template{}); err != nil {
		t.Fatalf("fail to migrate test db: %v", err)
	}

	r := gin.New()
	r.POST("/slack/command", HandleSlackCommand(db, services.NewSettingsCache()))
	return r, db
}

func postCommand(r *gin.Engine, text string) *httptest.ResponseRecorder {
	form := url.Values{}
	form.Set("command", "/ping-scheduler")
	form.Set("text", text)
	form.Set("team_id", "T12345")
	form.Set("channel_id", "C12345")
	form.Set("user_id", "U99999")

	req := httptest.NewRequest("POST", "/slack/command", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleSlackCommand_Add(t *testing.T) {
	r, db := setupCommandTest(t)

	w := postCommand(r, `add <@U11111>,<@U22222> every 30 minutes time for standup`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "created")

	var rem models.Reminder
	assert.NoError(t, db.First(&rem).Error)
	assert.Equal(t, "U11111,U22222", rem.Targets)
	assert.Equal(t, models.TargetKindUser, rem.TargetKind)
	assert.Equal(t, "time for standup", rem.Message)
	assert.Equal(t, 30, rem.IntervalAmount)
	assert.Equal(t, models.UnitMinutes, rem.IntervalUnit)
	assert.True(t, rem.IsRecurring)
	assert.True(t, rem.IsActive)
	assert.Equal(t, "C12345", rem.ChannelID)
}

func TestHandleSlackCommand_AddOneTimeAtClockTime(t *testing.T) {
	r, db := setupCommandTest(t)

	w := postCommand(r, `add <@U11111> at "tomorrow 9am" bring the donuts`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "created")

	var rem models.Reminder
	assert.NoError(t, db.First(&rem).Error)
	assert.False(t, rem.IsRecurring)
	assert.Equal(t, "tomorrow 9am", rem.TimeExpr)
	assert.Equal(t, "bring the donuts", rem.Message)
}

func TestHandleSlackCommand_AddValidationFailure(t *testing.T) {
	r, db := setupCommandTest(t)

	// 個人とユーザーグループの混在
	w := postCommand(r, `add <@U11111>,<!subteam^S11111> every 5 minutes mixed ping`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "could not create reminder")

	// 何も保存されていない
	var count int64
	db.Model(&models.Reminder{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestHandleSlackCommand_ListAndRemove(t *testing.T) {
	r, _ := setupCommandTest(t)

	postCommand(r, `add <@U11111> every 1 hours hourly ping`)

	w := postCommand(r, "list")
	assert.Contains(t, w.Body.String(), "hourly ping")
	assert.Contains(t, w.Body.String(), "every 1 hours")

	w = postCommand(r, "remove 1")
	assert.Contains(t, w.Body.String(), "removed")

	w = postCommand(r, "list")
	assert.Contains(t, w.Body.String(), "no reminders found")

	// 存在しないIDの削除
	w = postCommand(r, "remove 42")
	assert.Contains(t, w.Body.String(), "could not remove")
}

func TestHandleSlackCommand_PauseResume(t *testing.T) {
	r, db := setupCommandTest(t)

	postCommand(r, `add <@U11111> every 30 minutes ping`)

	w := postCommand(r, "pause 1")
	assert.Contains(t, w.Body.String(), "paused")

	var rem models.Reminder
	db.First(&rem)
	assert.False(t, rem.IsActive)

	// 二重の一時停止はエラー文言で返る
	w = postCommand(r, "pause 1")
	assert.Contains(t, w.Body.String(), "could not pause")

	w = postCommand(r, "resume 1")
	assert.Contains(t, w.Body.String(), "resumed")

	db.First(&rem)
	assert.True(t, rem.IsActive)
}

func TestHandleSlackCommand_Templates(t *testing.T) {
	r, db := setupCommandTest(t)

	w := postCommand(r, `save-template standup "daily standup!" to <@U11111>`)
	assert.Contains(t, w.Body.String(), "saved")

	// 同名の保存は重複として拒否される
	w = postCommand(r, `save-template standup "another body"`)
	assert.Contains(t, w.Body.String(), "already exists")

	w = postCommand(r, `use-template standup every 1 days`)
	assert.Contains(t, w.Body.String(), "created from template")

	var rem models.Reminder
	assert.NoError(t, db.First(&rem).Error)
	assert.Equal(t, "daily standup!", rem.Message)
	assert.Equal(t, "U11111", rem.Targets)
}

func TestHandleSlackCommand_SetTimezone(t *testing.T) {
	r, db := setupCommandTest(t)

	w := postCommand(r, "set-timezone Asia/Tokyo")
	assert.Contains(t, w.Body.String(), "timezone set to Asia/Tokyo")

	var settings models.TeamSettings
	assert.NoError(t, db.Where("team_id = ?", "T12345").First(&settings).Error)
	assert.Equal(t, "Asia/Tokyo", settings.Timezone)

	w = postCommand(r, "set-timezone Mars/Olympus")
	assert.Contains(t, w.Body.String(), "could not set timezone")
}

func TestHandleSlackCommand_Help(t *testing.T) {
	r, _ := setupCommandTest(t)

	w := postCommand(r, "")
	assert.Contains(t, w.Body.String(), "usage:")

	w = postCommand(r, "unknown-subcommand")
	assert.Contains(t, w.Body.String(), "usage:")
}

func TestParseCommand(t *testing.T) {
	// クォートされた引数は1トークンとして扱う
	parts := parseCommand(`add U1 at "tomorrow 9am" bring the donuts`)
	assert.Equal(t, []string{"add", "U1", "at", "tomorrow 9am", "bring", "the", "donuts"}, parts)

	assert.Empty(t, parseCommand(""))
	assert.Equal(t, []string{"list"}, parseCommand("  list  "))
}

func TestNormalizeTargetID(t *testing.T) {
	assert.Equal(t, "U12345", normalizeTargetID("<@U12345>"))
	assert.Equal(t, "U12345", normalizeTargetID("<@U12345|alice>"))
	assert.Equal(t, "S12345", normalizeTargetID("<!subteam^S12345|@oncall>"))
	assert.Equal(t, "U12345", normalizeTargetID("U12345"))
}
