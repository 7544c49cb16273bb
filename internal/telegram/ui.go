package telegram

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"clonehost/internal/prefs"
	"clonehost/internal/supervisor"
)

const (
	cbLangPrefix = "lang:"
	cbLangChoose = cbLangPrefix + "choose"
	cbLangCancel = cbLangPrefix + "cancel"
)

var errUnknownCallback = errors.New("unknown callback")

type manualLanguage struct {
	Code  string
	Label string
}

var manualLanguages = []manualLanguage{
	{"en", "English 🇺🇸"},
	{"hi", "Hindi 🇮🇳"},
	{"es", "Spanish 🇪🇸"},
	{"fr", "French 🇫🇷"},
	{"de", "German 🇩🇪"},
	{"ru", "Russian 🇷🇺"},
	{"ar", "Arabic 🇸🇦"},
	{"pt", "Portuguese 🇧🇷"},
	{"id", "Indonesian 🇮🇩"},
	{"tr", "Turkish 🇹🇷"},
}

// langCallback is one of langSelect, langChoose or langCancel.
type langCallback interface {
	isLangCallback()
}

type langSelect struct{ Code string }

type langChoose struct{}

type langCancel struct{}

func (langSelect) isLangCallback() {}
func (langChoose) isLangCallback() {}
func (langCancel) isLangCallback() {}

func parseLangCallback(data string) (langCallback, error) {
	data = strings.TrimSpace(data)
	switch data {
	case cbLangChoose:
		return langChoose{}, nil
	case cbLangCancel:
		return langCancel{}, nil
	}
	rest, ok := strings.CutPrefix(data, cbLangPrefix)
	if !ok {
		return nil, errUnknownCallback
	}
	code, err := prefs.NormalizeLanguage(rest)
	if err != nil || code == "" {
		return nil, errUnknownCallback
	}
	return langSelect{Code: code}, nil
}

func offerKeyboard(code string) *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "✅ Set Automatically", CallbackData: cbLangPrefix + code},
			{Text: "🗣 Choose Manually", CallbackData: cbLangChoose},
		},
	}}
}

func manualLanguageKeyboard() *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(manualLanguages)/2+2)
	var row []gotgbot.InlineKeyboardButton
	for _, l := range manualLanguages {
		row = append(row, gotgbot.InlineKeyboardButton{Text: l.Label, CallbackData: cbLangPrefix + l.Code})
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Cancel ❌", CallbackData: cbLangCancel}})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func helpText(kind supervisor.Kind) string {
	lines := []string{
		"I learn replies from your chat. Reply to my messages to teach me.",
		"",
		"Chat commands:",
		"/chatbot on|off - enable or disable replies (admins)",
		"/chatlang - show the chat language",
		"/setlang <code>|off - set the reply language (admins)",
	}
	if kind != supervisor.KindPrimary {
		return strings.Join(lines, "\n")
	}
	lines = append(lines,
		"",
		"Clones:",
		"/clone <bot_token> - host your own copy of this bot",
		"/delclone <bot_id> - remove one of your clones",
		"/myclones - list your clones",
		"/cancel - abort the clone wizard",
		"",
		"Sudo:",
		"/clones, /restartclones",
		"/block <word>, /unblock <word>, /blocked",
		"/addsudo <user_id>, /rmsudo <user_id>, /sudolist",
	)
	return strings.Join(lines, "\n")
}

func instanceLine(info supervisor.InstanceInfo) string {
	name := info.InstanceID
	if info.Username != "" {
		name = "@" + info.Username
	}
	line := fmt.Sprintf("- %s [%s] %s", name, info.Kind, info.Status)
	if info.Kind == supervisor.KindClone {
		line += fmt.Sprintf(" owner=%d", info.OwnerID)
	}
	if info.Cause != "" {
		line += ": " + info.Cause
	}
	return line
}

func reportText(title string, report supervisor.Report) string {
	lines := []string{
		title,
		fmt.Sprintf("started: %d", report.Started),
		fmt.Sprintf("already running: %d", report.AlreadyRunning),
		fmt.Sprintf("failed: %d", len(report.Failed)),
	}
	for _, f := range report.Failed {
		lines = append(lines, fmt.Sprintf("- %s: %v", f.InstanceID, f.Cause))
	}
	return strings.Join(lines, "\n")
}

// ReportText renders a start report for the owner's startup notice.
func ReportText(report supervisor.Report) string {
	return reportText("Bots restarted.", report)
}
