package models

import (
	"time"
)

// TeamSettings はワークスペース（チーム）ごとの設定。初回書き込み時に遅延作成される。
type TeamSettings struct {
	ID               string `gorm:"primaryKey"`
	TeamID           string `gorm:"uniqueIndex"`
	DefaultChannelID string // チャンネル未指定のリマインダーが使うデフォルト配信先
	Timezone         string // IANAタイムゾーン名（空ならUTC扱い）
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Location はチームのタイムゾーンを返す。未設定・不正な値のときはUTCにフォールバックする。
func (s *TeamSettings) Location() *time.Location {
	if s == nil || s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
