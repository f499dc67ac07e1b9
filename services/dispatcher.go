package services

import (
	"fmt"
	"log"
	"strings"
	"time"

	"slack-ping-scheduler/models"
)

// 1回の配信の結果
const (
	OutcomeDelivered        = "delivered"          // 送信成功
	OutcomeSkippedNoTargets = "skipped_no_targets" // 解決できるターゲットがなく、発火を消費しない
	OutcomeDenied           = "denied"             // 権限系の恒久的な失敗
	OutcomeError            = "error"              // その他の失敗
)

// Notifier は通知の送信手段を抽象化する
type Notifier interface {
	PostChannelMessage(channel, text string) (ts string, err error)
	SendDirectMessage(userID, text string) error
	DeleteMessage(channel, ts string) error
}

// DirectoryLookup はターゲットIDを現在有効な受信者に解決する
type DirectoryLookup interface {
	FilterActiveUsers(userIDs []string) []string
	ExpandUsergroup(groupID string) ([]string, error)
}

// Dispatcher は発火時刻を迎えた1件のリマインダーについて、
// ターゲット解決・送信・ゴースト削除までを受け持つ
type Dispatcher struct {
	Notifier   Notifier
	Directory  DirectoryLookup
	GhostDelay time.Duration // ゴースト削除までの猶予
}

// Dispatch はリマインダーを配信して結果を返す。
// 配信失敗で呼び出し元を落とすことはない。
func (d *Dispatcher) Dispatch(rem DueReminder) string {
	targets := rem.TargetList()
	if len(targets) == 0 {
		return OutcomeSkippedNoTargets
	}
	if rem.IsDM {
		return d.dispatchDM(rem, targets)
	}
	return d.dispatchChannel(rem, targets)
}

// dispatchDM は解決できた各ユーザーへ個別にDMを送る
func (d *Dispatcher) dispatchDM(rem DueReminder, targets []string) string {
	resolved := d.Directory.FilterActiveUsers(targets)
	if len(resolved) < len(targets) {
		log.Printf("reminder %d: %d of %d targets did not resolve", rem.ID, len(targets)-len(resolved), len(targets))
	}
	if len(resolved) == 0 {
		return OutcomeSkippedNoTargets
	}

	delivered := 0
	denied := 0
	for _, userID := range resolved {
		if err := d.Notifier.SendDirectMessage(userID, rem.Message); err != nil {
			log.Printf("reminder %d: DM to %s failed: %v", rem.ID, userID, err)
			if classifyDeliveryError(err) == OutcomeDenied {
				denied++
			}
			continue
		}
		delivered++
	}

	if delivered > 0 {
		return OutcomeDelivered
	}
	if denied == len(resolved) {
		return OutcomeDenied
	}
	return OutcomeError
}

// dispatchChannel は全ターゲットへのメンション付きでチャンネルに1件投稿する
func (d *Dispatcher) dispatchChannel(rem DueReminder, targets []string) string {
	mentions := d.resolveMentions(rem, targets)
	if len(mentions) == 0 {
		return OutcomeSkippedNoTargets
	}

	text := fmt.Sprintf("%s %s", strings.Join(mentions, " "), rem.Message)
	ts, err := d.Notifier.PostChannelMessage(rem.ChannelID, text)
	if err != nil {
		log.Printf("reminder %d: channel post failed: %v", rem.ID, err)
		return classifyDeliveryError(err)
	}

	// ゴーストは投稿後に削除する（失敗してもログのみ）
	if rem.IsGhost {
		time.Sleep(d.GhostDelay)
		if err := d.Notifier.DeleteMessage(rem.ChannelID, ts); err != nil {
			log.Printf("reminder %d: ghost delete failed: %v", rem.ID, err)
		}
	}
	return OutcomeDelivered
}

// resolveMentions は解決できたターゲットのメンション文字列を返す。
// 一部が解決できなくてもログを残して続行する。
func (d *Dispatcher) resolveMentions(rem DueReminder, targets []string) []string {
	if rem.TargetKind == models.TargetKindUsergroup {
		mentions := make([]string, 0, len(targets))
		for _, groupID := range targets {
			members, err := d.Directory.ExpandUsergroup(groupID)
			if err != nil {
				log.Printf("reminder %d: usergroup %s lookup failed: %v", rem.ID, groupID, err)
				continue
			}
			if len(members) == 0 {
				log.Printf("reminder %d: usergroup %s has no members", rem.ID, groupID)
				continue
			}
			mentions = append(mentions, fmt.Sprintf("<!subteam^%s>", groupID))
		}
		return mentions
	}

	resolved := d.Directory.FilterActiveUsers(targets)
	if len(resolved) < len(targets) {
		log.Printf("reminder %d: %d of %d targets did not resolve", rem.ID, len(targets)-len(resolved), len(targets))
	}
	mentions := make([]string, 0, len(resolved))
	for _, userID := range resolved {
		mentions = append(mentions, fmt.Sprintf("<@%s>", userID))
	}
	return mentions
}

// classifyDeliveryError はSlackのエラー文字列から恒久的な権限エラーかどうかを判定する
func classifyDeliveryError(err error) string {
	msg := err.Error()
	permanent := []string{
		"not_in_channel",
		"channel_not_found",
		"is_archived",
		"access_denied",
		"restricted_action",
		"cannot_dm_bot",
		"user_not_found",
		"message_limit_exceeded",
	}
	for _, s := range permanent {
		if strings.Contains(msg, s) {
			return OutcomeDenied
		}
	}
	return OutcomeError
}
