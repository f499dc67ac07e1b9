package models

import (
	"strings"
	"time"
)

// ターゲット種別（1つのリマインダー内で混在しない）
const (
	TargetKindUser      = "user"      // 個人ユーザー
	TargetKindUsergroup = "usergroup" // ユーザーグループ
)

// 繰り返し間隔の単位
const (
	UnitMinutes = "minutes"
	UnitHours   = "hours"
	UnitDays    = "days"
)

// Reminder は定期ping（リマインダー）の永続レコード
type Reminder struct {
	ID             uint   `gorm:"primaryKey"`
	TeamID         string `gorm:"index"` // 所属ワークスペースのチームID
	ChannelID      string // 配信先チャンネル（DM配信のときは空）
	CreatedBy      string // 登録したユーザーのID
	Targets        string // 送信先IDのカンマ区切りリスト
	TargetKind     string // "user" または "usergroup"
	Message        string
	IntervalAmount int    // 繰り返し間隔（正の整数）
	IntervalUnit   string // "minutes", "hours", "days"
	TimeExpr       string // 時刻指定で作成された場合の元の時刻表現（再開時の再計算に使う）
	LastFiredAt    *time.Time
	NextFireAt     time.Time `gorm:"index"` // 常にUTCで保存
	IsDM           bool      // DMとして配信するか
	IsGhost        bool      // 送信後にメッセージを削除するか（DMとは併用不可）
	IsActive       bool      // falseなら一時停止中または発火済みの単発
	IsRecurring    bool      // falseなら一度発火して終了
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TargetList はカンマ区切りのターゲットIDをスライスにして返す
func (r *Reminder) TargetList() []string {
	if r.Targets == "" {
		return nil
	}
	parts := strings.Split(r.Targets, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

// HasCadence は再計算に使える繰り返し間隔を持っているかを返す
func (r *Reminder) HasCadence() bool {
	return r.IntervalAmount > 0 && r.IntervalUnit != ""
}
