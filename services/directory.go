package services

import (
	"log"
	"net/http"

	"github.com/slack-go/slack"
)

// SlackDirectory はslack-goクライアント経由でターゲットIDを実在の受信者に解決する
type SlackDirectory struct {
	client *slack.Client
}

// NewSlackDirectory はディレクトリを作る。httpcがnilならデフォルトのクライアントを使う。
func NewSlackDirectory(token string, httpc *http.Client) *SlackDirectory {
	opts := []slack.Option{}
	if httpc != nil {
		opts = append(opts, slack.OptionHTTPClient(httpc))
	}
	return &SlackDirectory{client: slack.New(token, opts...)}
}

// FilterActiveUsers は解決できなかった・無効化されたユーザーを除いて返す。
// 解決失敗はログを残すだけで呼び出し元には伝播しない。
func (d *SlackDirectory) FilterActiveUsers(userIDs []string) []string {
	resolved := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		user, err := d.client.GetUserInfo(id)
		if err != nil {
			log.Printf("user %s lookup failed: %v", id, err)
			continue
		}
		if user.Deleted {
			log.Printf("user %s is deactivated, dropped from targets", id)
			continue
		}
		resolved = append(resolved, id)
	}
	return resolved
}

// ExpandUsergroup はユーザーグループのメンバー一覧を返す
func (d *SlackDirectory) ExpandUsergroup(groupID string) ([]string, error) {
	return d.client.GetUserGroupMembers(groupID)
}
