package models

import (
	"time"
)

// Template は保存済みのリマインダーひな形。チーム内で名前はユニーク。
type Template struct {
	ID             string `gorm:"primaryKey"`
	TeamID         string `gorm:"index:idx_team_name,unique"`
	Name           string `gorm:"index:idx_team_name,unique"`
	Body           string // メッセージ本文
	DefaultTime    string // 省略可能なデフォルトの時刻表現
	DefaultTargets string // 省略可能なデフォルトのターゲット（カンマ区切り）
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
