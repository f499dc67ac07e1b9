package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"slack-ping-scheduler/models"
	"slack-ping-scheduler/services"
)

// HandleSlackCommand は /ping-scheduler スラッシュコマンドを処理するハンドラ。
// コマンド層はここだけで、スケジューリング本体はservicesの関数を呼ぶ。
func HandleSlackCommand(db *gorm.DB, cache *services.SettingsCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			log.Printf("failed to read request body: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		// ボディを復元
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		// 署名を検証
		if !services.ValidateSlackRequest(c.Request, bodyBytes) {
			log.Println("invalid slack signature")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid slack signature"})
			return
		}

		text := c.PostForm("text")
		teamID := c.PostForm("team_id")
		channelID := c.PostForm("channel_id")
		userID := c.PostForm("user_id")

		log.Printf("slack command received: text=%s, team=%s, channel=%s, user=%s",
			text, teamID, channelID, userID)

		parts := parseCommand(text)
		if len(parts) == 0 {
			c.String(http.StatusOK, helpText())
			return
		}

		now := time.Now().UTC()
		var reply string

		switch parts[0] {
		case "add":
			reply = handleAdd(db, cache, now, teamID, channelID, userID, parts[1:])
		case "list":
			reply = handleList(db, teamID, parts[1:])
		case "remove":
			reply = handleRemove(db, teamID, parts[1:])
		case "edit":
			reply = handleEdit(db, cache, now, teamID, parts[1:])
		case "pause":
			reply = handlePause(db, teamID, parts[1:])
		case "resume":
			reply = handleResume(db, cache, now, teamID, parts[1:])
		case "save-template":
			reply = handleSaveTemplate(db, teamID, parts[1:])
		case "use-template":
			reply = handleUseTemplate(db, cache, now, teamID, channelID, userID, parts[1:])
		case "set-timezone":
			reply = handleSetTimezone(db, cache, teamID, parts[1:])
		case "set-channel":
			reply = handleSetChannel(db, cache, teamID, parts[1:])
		default:
			reply = helpText()
		}

		c.String(http.StatusOK, reply)
	}
}

// scheduleArgs は add/edit/use-template で共通のトークン列の解析結果
type scheduleArgs struct {
	targets  []string
	amount   int
	unit     string
	timeExpr string
	isDM     bool
	isGhost  bool
	once     bool
	message  string
	parseErr string
}

// parseScheduleArgs はトークン列から every/at/dm/ghost/once を拾い、
// 残りをメッセージ本文として扱う
func parseScheduleArgs(tokens []string) scheduleArgs {
	var args scheduleArgs
	i := 0
	for i < len(tokens) {
		switch tokens[i] {
		case "every":
			if i+2 >= len(tokens) {
				args.parseErr = "usage: every <amount> <minutes|hours|days>"
				return args
			}
			amount, err := strconv.Atoi(tokens[i+1])
			if err != nil {
				args.parseErr = fmt.Sprintf("invalid interval amount: %s", tokens[i+1])
				return args
			}
			args.amount = amount
			args.unit = normalizeUnit(tokens[i+2])
			i += 3
		case "at":
			if i+1 >= len(tokens) {
				args.parseErr = "usage: at <time> (e.g. at 3pm, at \"tomorrow 9am\")"
				return args
			}
			args.timeExpr = tokens[i+1]
			i += 2
		case "to":
			if i+1 >= len(tokens) {
				args.parseErr = "usage: to <targets>"
				return args
			}
			args.targets = parseTargets(tokens[i+1])
			i += 2
		case "dm":
			args.isDM = true
			i++
		case "ghost":
			args.isGhost = true
			i++
		case "once":
			args.once = true
			i++
		default:
			// 最初の未知トークン以降はすべてメッセージ本文
			args.message = strings.Join(tokens[i:], " ")
			return args
		}
	}
	return args
}

func handleAdd(db *gorm.DB, cache *services.SettingsCache, now time.Time, teamID, channelID, userID string, tokens []string) string {
	if len(tokens) < 2 {
		return "usage: add <targets> [every <amount> <unit>] [at <time>] [dm] [ghost] [once] <message>"
	}

	targets := parseTargets(tokens[0])
	args := parseScheduleArgs(tokens[1:])
	if args.parseErr != "" {
		return args.parseErr
	}
	if args.message == "" {
		return "a message is required"
	}

	kind := models.TargetKindUser
	if len(targets) > 0 && strings.HasPrefix(targets[0], "S") {
		kind = models.TargetKindUsergroup
	}

	recurring := args.amount > 0 && !args.once

	rem, err := services.CreateReminder(db, cache, now, services.ReminderInput{
		TeamID:      teamID,
		ChannelID:   channelID,
		CreatedBy:   userID,
		Targets:     targets,
		TargetKind:  kind,
		Message:     args.message,
		Amount:      args.amount,
		Unit:        args.unit,
		TimeExpr:    args.timeExpr,
		IsDM:        args.isDM,
		IsGhost:     args.isGhost,
		IsRecurring: recurring,
	})
	if err != nil {
		return fmt.Sprintf("could not create reminder: %v", err)
	}
	return fmt.Sprintf("✅ reminder %d created (next fire: %s)", rem.ID, rem.NextFireAt.Format(time.RFC3339))
}

func handleList(db *gorm.DB, teamID string, tokens []string) string {
	var filter services.ReminderFilter
	if len(tokens) > 0 {
		active := true
		inactive := false
		recurring := true
		oneTime := false
		switch tokens[0] {
		case "active":
			filter.Active = &active
		case "paused":
			filter.Active = &inactive
		case "recurring":
			filter.Recurring = &recurring
		case "once":
			filter.Recurring = &oneTime
		}
	}

	reminders, err := services.ListReminders(db, teamID, filter)
	if err != nil {
		return fmt.Sprintf("could not list reminders: %v", err)
	}
	if len(reminders) == 0 {
		return "no reminders found"
	}

	var sb strings.Builder
	sb.WriteString("reminders:\n")
	for _, r := range reminders {
		state := "active"
		if !r.IsActive {
			state = "paused"
		}
		cadence := "one-time"
		if r.IsRecurring {
			cadence = fmt.Sprintf("every %d %s", r.IntervalAmount, r.IntervalUnit)
		}
		sb.WriteString(fmt.Sprintf("ID: %d | %s | %s | next: %s | targets: %s | %q\n",
			r.ID, state, cadence, r.NextFireAt.Format("2006-01-02 15:04 MST"), r.Targets, r.Message))
	}
	return sb.String()
}

func handleRemove(db *gorm.DB, teamID string, tokens []string) string {
	id, ok := parseReminderID(tokens)
	if !ok {
		return "usage: remove <id>"
	}
	if err := services.DeleteReminder(db, id, teamID); err != nil {
		return fmt.Sprintf("could not remove reminder: %v", err)
	}
	return fmt.Sprintf("reminder %d has been removed", id)
}

func handleEdit(db *gorm.DB, cache *services.SettingsCache, now time.Time, teamID string, tokens []string) string {
	id, ok := parseReminderID(tokens)
	if !ok {
		return "usage: edit <id> [every <amount> <unit>] [at <time>] [to <targets>] <message>"
	}

	args := parseScheduleArgs(tokens[1:])
	if args.parseErr != "" {
		return args.parseErr
	}

	var edit services.ReminderEdit
	if args.message != "" {
		edit.Message = &args.message
	}
	if args.amount > 0 {
		edit.Amount = &args.amount
		edit.Unit = &args.unit
	}
	if args.timeExpr != "" {
		edit.TimeExpr = &args.timeExpr
	}
	if len(args.targets) > 0 {
		edit.Targets = args.targets
	}

	rem, err := services.EditReminder(db, cache, now, id, teamID, edit)
	if err != nil {
		return fmt.Sprintf("could not edit reminder: %v", err)
	}
	return fmt.Sprintf("reminder %d has been updated (next fire: %s)", rem.ID, rem.NextFireAt.Format(time.RFC3339))
}

func handlePause(db *gorm.DB, teamID string, tokens []string) string {
	id, ok := parseReminderID(tokens)
	if !ok {
		return "usage: pause <id>"
	}
	if _, err := services.PauseReminder(db, id, teamID); err != nil {
		return fmt.Sprintf("could not pause reminder: %v", err)
	}
	return fmt.Sprintf("reminder %d has been paused", id)
}

func handleResume(db *gorm.DB, cache *services.SettingsCache, now time.Time, teamID string, tokens []string) string {
	id, ok := parseReminderID(tokens)
	if !ok {
		return "usage: resume <id>"
	}
	rem, err := services.ResumeReminder(db, cache, now, id, teamID)
	if err != nil {
		return fmt.Sprintf("could not resume reminder: %v", err)
	}
	return fmt.Sprintf("reminder %d has been resumed (next fire: %s)", rem.ID, rem.NextFireAt.Format(time.RFC3339))
}

func handleSaveTemplate(db *gorm.DB, teamID string, tokens []string) string {
	if len(tokens) < 2 {
		return "usage: save-template <name> \"<body>\" [at <time>] [to <targets>]"
	}
	name := tokens[0]
	body := tokens[1]

	args := parseScheduleArgs(tokens[2:])
	if args.parseErr != "" {
		return args.parseErr
	}

	_, err := services.SaveTemplate(db, teamID, name, body, args.timeExpr, strings.Join(args.targets, ","))
	if err != nil {
		if errors.Is(err, services.ErrDuplicateTemplate) {
			return fmt.Sprintf("template %q already exists", name)
		}
		return fmt.Sprintf("could not save template: %v", err)
	}
	return fmt.Sprintf("template %q saved", name)
}

func handleUseTemplate(db *gorm.DB, cache *services.SettingsCache, now time.Time, teamID, channelID, userID string, tokens []string) string {
	if len(tokens) < 1 {
		return "usage: use-template <name> [to <targets>] [every <amount> <unit>] [at <time>] <message>"
	}
	name := tokens[0]

	args := parseScheduleArgs(tokens[1:])
	if args.parseErr != "" {
		return args.parseErr
	}

	rem, err := services.UseTemplate(db, cache, now, teamID, name, services.ReminderInput{
		ChannelID:   channelID,
		CreatedBy:   userID,
		Targets:     args.targets,
		Message:     args.message,
		Amount:      args.amount,
		Unit:        args.unit,
		TimeExpr:    args.timeExpr,
		IsDM:        args.isDM,
		IsGhost:     args.isGhost,
		IsRecurring: args.amount > 0 && !args.once,
	})
	if err != nil {
		return fmt.Sprintf("could not create reminder from template: %v", err)
	}
	return fmt.Sprintf("✅ reminder %d created from template %q (next fire: %s)",
		rem.ID, name, rem.NextFireAt.Format(time.RFC3339))
}

func handleSetTimezone(db *gorm.DB, cache *services.SettingsCache, teamID string, tokens []string) string {
	if len(tokens) < 1 {
		return "usage: set-timezone <IANA name> (e.g. Asia/Tokyo)"
	}
	if err := services.SetTeamTimezone(db, cache, teamID, tokens[0]); err != nil {
		return fmt.Sprintf("could not set timezone: %v", err)
	}
	return fmt.Sprintf("timezone set to %s", tokens[0])
}

func handleSetChannel(db *gorm.DB, cache *services.SettingsCache, teamID string, tokens []string) string {
	if len(tokens) < 1 {
		return "usage: set-channel <channel id>"
	}
	channelID := normalizeChannelID(tokens[0])

	// アーカイブ済みチャンネルをデフォルトにはできない
	archived, err := services.IsChannelArchived(channelID)
	if err != nil {
		log.Printf("channel status check error (channel: %s): %v", channelID, err)
	} else if archived {
		return fmt.Sprintf("channel %s is archived and cannot be the default", channelID)
	}

	if err := services.SetDefaultChannel(db, cache, teamID, channelID); err != nil {
		return fmt.Sprintf("could not set default channel: %v", err)
	}
	return fmt.Sprintf("default channel set to %s", channelID)
}

func parseReminderID(tokens []string) (uint, bool) {
	if len(tokens) < 1 {
		return 0, false
	}
	id, err := strconv.ParseUint(tokens[0], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// parseTargets はカンマ区切りのターゲットをSlackのメンションエスケープ込みで解析する
func parseTargets(raw string) []string {
	parts := strings.Split(raw, ",")
	targets := make([]string, 0, len(parts))
	for _, p := range parts {
		if id := normalizeTargetID(p); id != "" {
			targets = append(targets, id)
		}
	}
	return targets
}

// normalizeTargetID は "<@U123|name>" や "<!subteam^S123|@handle>" から素のIDを取り出す
func normalizeTargetID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.TrimPrefix(s, "@")
	s = strings.TrimPrefix(s, "!subteam^")
	if idx := strings.Index(s, "|"); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// normalizeChannelID は "<#C123|general>" から素のIDを取り出す
func normalizeChannelID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.TrimPrefix(s, "#")
	if idx := strings.Index(s, "|"); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// normalizeUnit は単位表記のゆれを吸収する
func normalizeUnit(unit string) string {
	switch strings.ToLower(unit) {
	case "minute", "minutes", "min", "mins", "m":
		return models.UnitMinutes
	case "hour", "hours", "h":
		return models.UnitHours
	case "day", "days", "d":
		return models.UnitDays
	}
	return unit
}

// parseCommand はクォート対応でコマンド文字列を分割する
func parseCommand(text string) []string {
	var parts []string
	var current strings.Builder
	inQuote := false

	for _, r := range text {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func helpText() string {
	return `usage:
  add <targets> [every <amount> <minutes|hours|days>] [at <time>] [dm] [ghost] [once] <message>
  list [active|paused|recurring|once]
  edit <id> [every <amount> <unit>] [at <time>] [to <targets>] <message>
  remove <id>
  pause <id> / resume <id>
  save-template <name> "<body>" [at <time>] [to <targets>]
  use-template <name> [to <targets>] [every <amount> <unit>] [at <time>] <message>
  set-timezone <IANA name>
  set-channel <channel>`
}
