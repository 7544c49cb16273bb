package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"clonehost/internal/corpus"
	"clonehost/internal/supervisor"
)

func fakeBotAPI(t *testing.T, botID int64, ok bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !strings.HasSuffix(r.URL.Path, "/getMe") {
			http.NotFound(w, r)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
			return
		}
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"id":%d,"is_bot":true,"first_name":"Echo","username":"echo_%d_bot"}}`, botID, botID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectAuthenticatesToken(t *testing.T) {
	srv := fakeBotAPI(t, 1001, true)
	c := NewConnector(ConnectorConfig{APIURL: srv.URL, Logger: zerolog.Nop()})

	conn, err := c.Connect(context.Background(), supervisor.Credential{InstanceID: "1001", Token: "1001:secret", Kind: supervisor.KindClone})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.Username() != "echo_1001_bot" {
		t.Fatalf("unexpected username %q", conn.Username())
	}
}

func TestConnectRejectsForeignToken(t *testing.T) {
	srv := fakeBotAPI(t, 2002, true)
	c := NewConnector(ConnectorConfig{APIURL: srv.URL, Logger: zerolog.Nop()})

	if _, err := c.Connect(context.Background(), supervisor.Credential{InstanceID: "1001", Token: "1001:secret"}); err == nil {
		t.Fatalf("token for another bot id must be rejected")
	}
}

func TestConnectErrorHidesToken(t *testing.T) {
	srv := fakeBotAPI(t, 1001, false)
	c := NewConnector(ConnectorConfig{APIURL: srv.URL, Logger: zerolog.Nop()})

	token := "1001:very-secret"
	_, err := c.Connect(context.Background(), supervisor.Credential{InstanceID: "1001", Token: token})
	if err == nil {
		t.Fatalf("expected unauthorized error")
	}
	if strings.Contains(err.Error(), token) {
		t.Fatalf("token leaked in error: %v", err)
	}
}

func TestNotifyWithoutPrimary(t *testing.T) {
	c := NewConnector(ConnectorConfig{Logger: zerolog.Nop()})
	if err := c.Notify(context.Background(), 1, "hi"); !errors.Is(err, ErrPrimaryOffline) {
		t.Fatalf("expected ErrPrimaryOffline, got %v", err)
	}
}

func TestToEngineMessage(t *testing.T) {
	const self = 99
	msg := &gotgbot.Message{
		MessageId: 5,
		Chat:      gotgbot.Chat{Id: -100, Type: "supergroup"},
		From:      &gotgbot.User{Id: 7},
		Photo: []gotgbot.PhotoSize{
			{FileId: "small"},
			{FileId: "large"},
		},
		ReplyToMessage: &gotgbot.Message{
			From: &gotgbot.User{Id: self, IsBot: true},
			Text: "show me",
		},
	}

	got, ok := toEngineMessage(self, msg)
	if !ok {
		t.Fatalf("photo message must convert")
	}
	if got.ChatID != -100 || got.MessageID != 5 || got.SenderID != 7 || got.FromBot {
		t.Fatalf("unexpected header %+v", got)
	}
	if got.Content.Kind != corpus.KindPhoto || got.Content.FileID != "large" {
		t.Fatalf("expected the largest photo size, got %+v", got.Content)
	}
	if got.ReplyTo == nil || !got.ReplyTo.FromSelf || got.ReplyTo.Content.Text != "show me" {
		t.Fatalf("unexpected reply %+v", got.ReplyTo)
	}

	msg.ReplyToMessage.From = &gotgbot.User{Id: 12}
	got, _ = toEngineMessage(self, msg)
	if got.ReplyTo.FromSelf {
		t.Fatalf("reply to another user must not count as self")
	}
}

func TestMessageContentKinds(t *testing.T) {
	cases := []struct {
		msg  gotgbot.Message
		kind corpus.MediaKind
		key  string
	}{
		{gotgbot.Message{Text: "hello"}, corpus.KindText, "hello"},
		{gotgbot.Message{Sticker: &gotgbot.Sticker{FileId: "st"}}, corpus.KindSticker, "st"},
		{gotgbot.Message{Video: &gotgbot.Video{FileId: "vd"}}, corpus.KindVideo, "vd"},
		{gotgbot.Message{Audio: &gotgbot.Audio{FileId: "au"}}, corpus.KindAudio, "au"},
		{gotgbot.Message{Voice: &gotgbot.Voice{FileId: "vo"}}, corpus.KindVoice, "vo"},
		{gotgbot.Message{Animation: &gotgbot.Animation{FileId: "an"}, Document: &gotgbot.Document{FileId: "doc"}}, corpus.KindAnimation, "an"},
	}
	for _, tc := range cases {
		got, ok := messageContent(&tc.msg)
		if !ok || got.Kind != tc.kind || got.Key() != tc.key {
			t.Fatalf("want %s/%s, got %+v ok=%v", tc.kind, tc.key, got, ok)
		}
	}

	if _, ok := messageContent(&gotgbot.Message{Document: &gotgbot.Document{FileId: "doc"}}); ok {
		t.Fatalf("documents are not supported content")
	}
}

func TestChatMessageFilter(t *testing.T) {
	if chatMessage(&gotgbot.Message{Text: "/help"}) {
		t.Fatalf("commands belong to the command handlers")
	}
	if !chatMessage(&gotgbot.Message{Text: "hello"}) {
		t.Fatalf("plain text must reach the engine")
	}
	if chatMessage(&gotgbot.Message{}) || chatMessage(nil) {
		t.Fatalf("empty messages must be ignored")
	}
}

func TestSanitizeError(t *testing.T) {
	token := "123456:ABC-secret"
	err := errors.New(`Post "https://api.telegram.org/bot123456:ABC-secret/getMe": dial tcp: timeout`)
	got := SanitizeError(err, token)
	if strings.Contains(got, "ABC-secret") || !strings.Contains(got, "<redacted-token>") {
		t.Fatalf("token not redacted: %s", got)
	}
	if SanitizeError(nil, token) != "" {
		t.Fatalf("nil error must render empty")
	}
}
