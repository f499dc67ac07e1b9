package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// 1送信あたりの上限時間。超えた送信はdelivery-errorとして扱われる。
var httpClient = &http.Client{Timeout: 15 * time.Second}

// SlackNotifier はSlack Web APIへの通知送信の実装
type SlackNotifier struct{}

type slackPostResponse struct {
	OK      bool   `json:"ok"`
	Channel string `json:"channel"`
	Ts      string `json:"ts"`
	Error   string `json:"error,omitempty"`
}

// callSlackAPI はボディをJSONでPOSTしてレスポンスをデコードする
func callSlackAPI(method string, body map[string]interface{}, out interface{}) error {
	jsonData, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", "https://slack.com/api/"+method, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+os.Getenv("SLACK_BOT_TOKEN"))
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("slack API response parse error: %v", err)
	}
	return nil
}

// PostChannelMessage はチャンネルにメッセージを投稿し、メッセージのtsを返す
func (n *SlackNotifier) PostChannelMessage(channel, text string) (string, error) {
	var slackResp slackPostResponse
	err := callSlackAPI("chat.postMessage", map[string]interface{}{
		"channel": channel,
		"text":    text,
	}, &slackResp)
	if err != nil {
		return "", err
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.Ts, nil
}

// SendDirectMessage はユーザーとのDMチャンネルを開いてメッセージを送る
func (n *SlackNotifier) SendDirectMessage(userID, text string) error {
	var openResp struct {
		OK      bool `json:"ok"`
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
		Error string `json:"error,omitempty"`
	}
	err := callSlackAPI("conversations.open", map[string]interface{}{
		"users": userID,
	}, &openResp)
	if err != nil {
		return err
	}
	if !openResp.OK {
		return fmt.Errorf("slack error: %s", openResp.Error)
	}

	_, err = n.PostChannelMessage(openResp.Channel.ID, text)
	return err
}

// DeleteMessage は投稿済みメッセージを削除する（ゴーストリマインダー用）
func (n *SlackNotifier) DeleteMessage(channel, ts string) error {
	var delResp slackPostResponse
	err := callSlackAPI("chat.delete", map[string]interface{}{
		"channel": channel,
		"ts":      ts,
	}, &delResp)
	if err != nil {
		return err
	}
	if !delResp.OK {
		return fmt.Errorf("slack error: %s", delResp.Error)
	}
	return nil
}

// IsChannelArchived はチャンネルがアーカイブされているかどうかを確認する。
// set-channelでデフォルトチャンネルを登録する前のチェックに使う。
func IsChannelArchived(channelID string) (bool, error) {
	var result struct {
		OK      bool `json:"ok"`
		Channel struct {
			IsArchived bool `json:"is_archived"`
		} `json:"channel"`
		Error string `json:"error"`
	}
	err := callSlackAPI("conversations.info", map[string]interface{}{
		"channel": channelID,
	}, &result)
	if err != nil {
		return false, err
	}
	if !result.OK {
		return false, fmt.Errorf("slack error: %s", result.Error)
	}
	return result.Channel.IsArchived, nil
}
