package services

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"slack-ping-scheduler/models"
)

var (
	ErrNotFound          = errors.New("reminder not found")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrDuplicateTemplate = errors.New("template with this name already exists")
	ErrInvalidTimezone   = errors.New("unknown timezone name")
	ErrEmptyTargets      = errors.New("at least one target is required")
	ErrBadTarget         = errors.New("unrecognized target id")
	ErrMixedTargetKinds  = errors.New("targets must be all users or all usergroups")
	ErrUsergroupDM       = errors.New("usergroup targets cannot be delivered as DM")
	ErrGhostDM           = errors.New("self-deleting reminders cannot be delivered as DM")
	ErrMissingChannel    = errors.New("no channel specified and no default channel configured")
	ErrMissingSchedule   = errors.New("either an interval or a clock time is required")
)

// ReminderInput はリマインダー作成の入力。TimeExpr が指定されていれば初回の
// 発火時刻はそこから計算し、なければ間隔から計算する。
type ReminderInput struct {
	TeamID      string
	ChannelID   string
	CreatedBy   string
	Targets     []string
	TargetKind  string
	Message     string
	Amount      int
	Unit        string
	TimeExpr    string
	IsDM        bool
	IsGhost     bool
	IsRecurring bool
}

// classifyTargetID はSlackのIDプレフィックスからターゲット種別を判定する
func classifyTargetID(id string) (string, error) {
	switch {
	case strings.HasPrefix(id, "U"), strings.HasPrefix(id, "W"):
		return models.TargetKindUser, nil
	case strings.HasPrefix(id, "S"):
		return models.TargetKindUsergroup, nil
	}
	return "", fmt.Errorf("%w: %q", ErrBadTarget, id)
}

func validateReminderInput(in ReminderInput) error {
	if len(in.Targets) == 0 {
		return ErrEmptyTargets
	}
	if in.TargetKind != models.TargetKindUser && in.TargetKind != models.TargetKindUsergroup {
		return fmt.Errorf("%w: %q", ErrBadTarget, in.TargetKind)
	}
	for _, id := range in.Targets {
		kind, err := classifyTargetID(id)
		if err != nil {
			return err
		}
		if kind != in.TargetKind {
			return ErrMixedTargetKinds
		}
	}
	if in.TargetKind == models.TargetKindUsergroup && in.IsDM {
		return ErrUsergroupDM
	}
	if in.IsGhost && in.IsDM {
		return ErrGhostDM
	}
	if in.TimeExpr == "" && in.Amount <= 0 {
		return ErrMissingSchedule
	}
	// 繰り返しには再設定用の間隔が必須
	if in.IsRecurring {
		if _, err := IntervalDuration(in.Amount, in.Unit); err != nil {
			return err
		}
	} else if in.Amount > 0 {
		if _, err := IntervalDuration(in.Amount, in.Unit); err != nil {
			return err
		}
	}
	return nil
}

// CreateReminder はバリデーションと初回発火時刻の計算を行ってレコードを保存する。
// バリデーションに失敗した場合は何も永続化しない。
func CreateReminder(db *gorm.DB, cache *SettingsCache, now time.Time, in ReminderInput) (*models.Reminder, error) {
	if err := validateReminderInput(in); err != nil {
		return nil, err
	}

	settings, err := GetTeamSettings(db, cache, in.TeamID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("team settings lookup error: %w", err)
	}

	// チャンネル配信でチャンネル未指定ならデフォルトチャンネルを使う
	channelID := in.ChannelID
	if !in.IsDM && channelID == "" {
		if settings == nil || settings.DefaultChannelID == "" {
			return nil, ErrMissingChannel
		}
		channelID = settings.DefaultChannelID
	}
	if in.IsDM {
		channelID = ""
	}

	var next time.Time
	if in.TimeExpr != "" {
		next, err = ParseClockTime(in.TimeExpr, now, settings.Location())
	} else {
		next, err = NextFireFromInterval(now, in.Amount, in.Unit)
	}
	if err != nil {
		return nil, err
	}

	rem := &models.Reminder{
		TeamID:         in.TeamID,
		ChannelID:      channelID,
		CreatedBy:      in.CreatedBy,
		Targets:        strings.Join(in.Targets, ","),
		TargetKind:     in.TargetKind,
		Message:        in.Message,
		IntervalAmount: in.Amount,
		IntervalUnit:   in.Unit,
		TimeExpr:       in.TimeExpr,
		NextFireAt:     next,
		IsDM:           in.IsDM,
		IsGhost:        in.IsGhost,
		IsActive:       true,
		IsRecurring:    in.IsRecurring,
	}

	if err := withRetry(func() error { return db.Create(rem).Error }); err != nil {
		return nil, fmt.Errorf("reminder create error: %w", err)
	}
	return rem, nil
}

// GetReminder はチームにスコープしてリマインダーを1件取得する
func GetReminder(db *gorm.DB, id uint, teamID string) (*models.Reminder, error) {
	var rem models.Reminder
	err := db.Where("id = ? AND team_id = ?", id, teamID).First(&rem).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rem, nil
}

// ReminderFilter は一覧取得の絞り込み条件。nilのフィールドは無視される。
type ReminderFilter struct {
	Active    *bool
	Recurring *bool
	Target    string
}

// ListReminders はチームのリマインダーを次回発火時刻の昇順で返す
func ListReminders(db *gorm.DB, teamID string, filter ReminderFilter) ([]models.Reminder, error) {
	query := db.Where("team_id = ?", teamID)
	if filter.Active != nil {
		query = query.Where("is_active = ?", *filter.Active)
	}
	if filter.Recurring != nil {
		query = query.Where("is_recurring = ?", *filter.Recurring)
	}
	if filter.Target != "" {
		query = query.Where("targets LIKE ?", "%"+filter.Target+"%")
	}

	var reminders []models.Reminder
	if err := query.Order("next_fire_at ASC").Find(&reminders).Error; err != nil {
		return nil, err
	}
	return reminders, nil
}

// DeleteReminder はレコードを物理削除する（復元はできない）
func DeleteReminder(db *gorm.DB, id uint, teamID string) error {
	var affected int64
	err := withRetry(func() error {
		result := db.Where("id = ? AND team_id = ?", id, teamID).Delete(&models.Reminder{})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return fmt.Errorf("reminder delete error: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DueReminder は発火対象のリマインダーと所属チームのタイムゾーンの組
type DueReminder struct {
	models.Reminder `gorm:"embedded"`
	Timezone        string
}

// FindDueReminders はアクティブかつ発火時刻を迎えたリマインダーを、
// チーム設定のタイムゾーンをJOINで付けて1クエリで返す
func FindDueReminders(db *gorm.DB, now time.Time) ([]DueReminder, error) {
	var due []DueReminder
	err := db.Table("reminders").
		Select("reminders.*, COALESCE(NULLIF(team_settings.timezone, ''), 'UTC') AS timezone").
		Joins("LEFT JOIN team_settings ON team_settings.team_id = reminders.team_id").
		Where("reminders.is_active = ? AND reminders.next_fire_at <= ?", true, now.UTC()).
		Order("reminders.next_fire_at ASC").
		Scan(&due).Error
	if err != nil {
		return nil, err
	}
	return due, nil
}

// SettingsCache はTeamSettingsの読み込みキャッシュ。
// 同じチームへの書き込みのたびにエントリを破棄する。
type SettingsCache struct {
	mu     sync.RWMutex
	byTeam map[string]*models.TeamSettings
}

func NewSettingsCache() *SettingsCache {
	return &SettingsCache{byTeam: make(map[string]*models.TeamSettings)}
}

func (c *SettingsCache) get(teamID string) (*models.TeamSettings, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byTeam[teamID]
	return s, ok
}

func (c *SettingsCache) put(teamID string, s *models.TeamSettings) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTeam[teamID] = s
}

// Invalidate は指定チームのキャッシュエントリを破棄する
func (c *SettingsCache) Invalidate(teamID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byTeam, teamID)
}

// GetTeamSettings はチーム設定を取得する。設定行がまだなければnilを返す（エラーではない）。
func GetTeamSettings(db *gorm.DB, cache *SettingsCache, teamID string) (*models.TeamSettings, error) {
	if cached, ok := cache.get(teamID); ok {
		return cached, nil
	}

	var settings models.TeamSettings
	err := db.Where("team_id = ?", teamID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cache.put(teamID, nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cache.put(teamID, &settings)
	return &settings, nil
}

// upsertTeamSettings は設定行を取得し、なければ作成してから変更を適用する
func upsertTeamSettings(db *gorm.DB, cache *SettingsCache, teamID string, apply func(*models.TeamSettings)) error {
	var settings models.TeamSettings
	err := db.Where("team_id = ?", teamID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		settings = models.TeamSettings{
			ID:     uuid.NewString(),
			TeamID: teamID,
		}
	} else if err != nil {
		return err
	}

	apply(&settings)

	if err := withRetry(func() error { return db.Save(&settings).Error }); err != nil {
		return fmt.Errorf("team settings save error: %w", err)
	}
	cache.Invalidate(teamID)
	return nil
}

// SetTeamTimezone はチームのタイムゾーンを設定する
func SetTeamTimezone(db *gorm.DB, cache *SettingsCache, teamID, tzName string) error {
	if _, err := time.LoadLocation(tzName); err != nil || tzName == "" {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, tzName)
	}
	return upsertTeamSettings(db, cache, teamID, func(s *models.TeamSettings) {
		s.Timezone = tzName
	})
}

// SetDefaultChannel はチームのデフォルト配信チャンネルを設定する
func SetDefaultChannel(db *gorm.DB, cache *SettingsCache, teamID, channelID string) error {
	return upsertTeamSettings(db, cache, teamID, func(s *models.TeamSettings) {
		s.DefaultChannelID = channelID
	})
}

// SaveTemplate はリマインダーのひな形を保存する。同名のひな形があればエラー。
func SaveTemplate(db *gorm.DB, teamID, name, body, defaultTime, defaultTargets string) (*models.Template, error) {
	var count int64
	db.Model(&models.Template{}).Where("team_id = ? AND name = ?", teamID, name).Count(&count)
	if count > 0 {
		return nil, ErrDuplicateTemplate
	}

	tmpl := &models.Template{
		ID:             uuid.NewString(),
		TeamID:         teamID,
		Name:           name,
		Body:           body,
		DefaultTime:    defaultTime,
		DefaultTargets: defaultTargets,
	}
	if err := withRetry(func() error { return db.Create(tmpl).Error }); err != nil {
		// 同時書き込みでユニーク制約に当たった場合も重複として扱う
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrDuplicateTemplate
		}
		return nil, fmt.Errorf("template save error: %w", err)
	}
	return tmpl, nil
}

// GetTemplate は名前でひな形を1件取得する
func GetTemplate(db *gorm.DB, teamID, name string) (*models.Template, error) {
	var tmpl models.Template
	err := db.Where("team_id = ? AND name = ?", teamID, name).First(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// UseTemplate はひな形から新しいリマインダーを作る。
// 入力のゼロ値フィールドはひな形のデフォルトで補完される。
func UseTemplate(db *gorm.DB, cache *SettingsCache, now time.Time, teamID, name string, in ReminderInput) (*models.Reminder, error) {
	tmpl, err := GetTemplate(db, teamID, name)
	if err != nil {
		return nil, err
	}

	in.TeamID = teamID
	if in.Message == "" {
		in.Message = tmpl.Body
	}
	if in.TimeExpr == "" && in.Amount <= 0 {
		in.TimeExpr = tmpl.DefaultTime
	}
	if len(in.Targets) == 0 && tmpl.DefaultTargets != "" {
		for _, t := range strings.Split(tmpl.DefaultTargets, ",") {
			if trimmed := strings.TrimSpace(t); trimmed != "" {
				in.Targets = append(in.Targets, trimmed)
			}
		}
	}
	if in.TargetKind == "" && len(in.Targets) > 0 {
		if kind, err := classifyTargetID(in.Targets[0]); err == nil {
			in.TargetKind = kind
		}
	}

	return CreateReminder(db, cache, now, in)
}

// withRetry は一時的なストレージ障害に備えて書き込みを一度だけリトライする。
// 制約違反は再試行しても結果が変わらないのでそのまま返す。
func withRetry(op func() error) error {
	err := op()
	if err == nil || strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
		return err
	}
	log.Printf("storage operation failed, retrying once: %v", err)
	return op()
}
