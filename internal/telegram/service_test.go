package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"clonehost/internal/access"
	"clonehost/internal/corpus"
	"clonehost/internal/crypto"
	"clonehost/internal/language"
	"clonehost/internal/prefs"
	"clonehost/internal/queue"
	"clonehost/internal/registry"
	"clonehost/internal/storage"
	"clonehost/internal/supervisor"
)

const testOwnerID = 1

type fakeInstances struct {
	status map[string]supervisor.Status
}

func (f fakeInstances) Snapshot() []supervisor.InstanceInfo {
	out := make([]supervisor.InstanceInfo, 0, len(f.status))
	for id, st := range f.status {
		out = append(out, supervisor.InstanceInfo{InstanceID: id, Kind: supervisor.KindClone, Status: st})
	}
	return out
}

func (f fakeInstances) Status(id string) (supervisor.Status, bool) {
	st, ok := f.status[id]
	return st, ok
}

func (f fakeInstances) RestartBots(context.Context) (supervisor.Report, error) {
	return supervisor.Report{}, nil
}

type testEnv struct {
	svc      *Service
	store    *storage.Store
	registry *registry.Registry
	prefs    *prefs.Prefs
	redis    *redis.Client
	mr       *miniredis.Miniredis
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "telegram.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sealer, err := crypto.NewSealer("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	reg := registry.New(registry.Config{Store: store, Sealer: sealer, Logger: zerolog.Nop()})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := prefs.New(store)
	svc := NewService(Config{
		Store:        store,
		Registry:     reg,
		Instances:    fakeInstances{status: map[string]supervisor.Status{}},
		Queue:        queue.NewStreamQueue(rdb, "lifecycle", "workers", "w1", 10*time.Millisecond),
		Corpus:       corpus.New(store, zerolog.Nop()),
		Prefs:        p,
		Access:       access.New(testOwnerID, store),
		CloneLimiter: queue.NewRateLimiter(rdb, "clone", 2),
		Redis:        rdb,
		Logger:       zerolog.Nop(),
		ReservedIDs:  []string{"42"},
	})
	return testEnv{svc: svc, store: store, registry: reg, prefs: p, redis: rdb, mr: mr}
}

func TestRegisterClone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if got := env.svc.registerClone(ctx, 7, 7, "not-a-token"); !strings.Contains(got, "doesn't look like a bot token") {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := env.svc.registerClone(ctx, 7, 7, "42:primary"); !strings.Contains(got, "already hosted here") {
		t.Fatalf("reserved ids must be refused, got %q", got)
	}

	got := env.svc.registerClone(ctx, 7, 7, "1001:secret")
	if !strings.Contains(got, "1001 registered") {
		t.Fatalf("unexpected reply %q", got)
	}
	rec, err := env.registry.Get("1001")
	if err != nil || rec.OwnerID != 7 || rec.BotToken != "1001:secret" {
		t.Fatalf("clone not registered: %+v %v", rec, err)
	}
	if n := env.redis.XLen(ctx, "lifecycle").Val(); n != 1 {
		t.Fatalf("expected one start job, got %d", n)
	}
	if n, _ := env.store.CountAuditEntries(ctx, "clone_add"); n != 1 {
		t.Fatalf("expected audit entry, got %d", n)
	}

	if got := env.svc.registerClone(ctx, 8, 8, "1001:other"); !strings.Contains(got, "another user") {
		t.Fatalf("foreign clone must be refused, got %q", got)
	}
	if rec, _ := env.registry.Get("1001"); rec.OwnerID != 7 {
		t.Fatalf("owner must not change, got %d", rec.OwnerID)
	}

	if got := env.svc.registerClone(ctx, 7, 7, "1001:rotated"); !strings.Contains(got, "already registered") {
		t.Fatalf("a second token for a hosted clone must be refused, got %q", got)
	}
	if rec, _ := env.registry.Get("1001"); rec.BotToken != "1001:secret" {
		t.Fatalf("token must not be replaced while registered")
	}
}

func TestPrivateTokenNeverReachesLaterGroups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Every Bot API call fails, so the wizard reply cannot be delivered.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":500,"description":"Internal Server Error"}`))
	}))
	t.Cleanup(srv.Close)
	b, err := gotgbot.NewBot("42:primary", &gotgbot.BotOpts{
		DisableTokenCheck: true,
		BotClient: &gotgbot.BaseBotClient{
			DefaultRequestOpts: &gotgbot.RequestOpts{Timeout: time.Second, APIURL: srv.URL},
		},
	})
	if err != nil {
		t.Fatalf("bot: %v", err)
	}

	if err := env.svc.wizard.Set(ctx, 7, cloneWizardState{Step: wizardStepToken, ChatID: 7}); err != nil {
		t.Fatalf("set wizard: %v", err)
	}
	user := &gotgbot.User{Id: 7, FirstName: "owner"}
	chat := &gotgbot.Chat{Id: 7, Type: "private"}
	uctx := &ext.Context{
		EffectiveUser: user,
		EffectiveChat: chat,
		EffectiveMessage: &gotgbot.Message{
			MessageId: 1,
			Chat:      *chat,
			From:      user,
			Text:      "1001:secret",
		},
	}

	if err := env.svc.privateText(b, uctx); !errors.Is(err, ext.EndGroups) {
		t.Fatalf("token message must end handler groups, got %v", err)
	}
	if st, _ := env.svc.wizard.Get(ctx, 7); st != nil {
		t.Fatalf("wizard state must be cleared")
	}
	if rec, err := env.registry.Get("1001"); err != nil || rec.OwnerID != 7 {
		t.Fatalf("clone must still be registered: %+v %v", rec, err)
	}
}

func TestRegisterCloneIsRateLimited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, token := range []string{"1001:a", "1002:b"} {
		if got := env.svc.registerClone(ctx, 7, 7, token); !strings.Contains(got, "registered") {
			t.Fatalf("unexpected reply %q", got)
		}
	}
	if got := env.svc.registerClone(ctx, 7, 7, "1003:c"); !strings.Contains(got, "Clone limit reached") {
		t.Fatalf("expected rate limit, got %q", got)
	}
	if _, err := env.registry.Get("1003"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("rate limited clone must not be stored")
	}
	if got := env.svc.registerClone(ctx, 9, 9, "1004:d"); !strings.Contains(got, "registered") {
		t.Fatalf("limit is per owner, got %q", got)
	}
}

func TestRemoveClone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.registerClone(ctx, 7, 7, "1001:a")
	env.svc.registerClone(ctx, 7, 7, "1002:b")

	if got := env.svc.removeClone(ctx, 8, 8, "1001"); !strings.Contains(got, "only delete your own") {
		t.Fatalf("non-owner must be refused, got %q", got)
	}
	if got := env.svc.removeClone(ctx, 7, 7, "1001"); !strings.Contains(got, "deleted") {
		t.Fatalf("unexpected reply %q", got)
	}
	if _, err := env.registry.Get("1001"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("clone must be removed from the registry")
	}
	if got := env.svc.removeClone(ctx, 7, 7, "1001"); !strings.Contains(got, "No clone") {
		t.Fatalf("second delete must report missing clone, got %q", got)
	}
	if got := env.svc.removeClone(ctx, testOwnerID, testOwnerID, "1002"); !strings.Contains(got, "deleted") {
		t.Fatalf("owner may delete any clone, got %q", got)
	}
	if n := env.redis.XLen(ctx, "lifecycle").Val(); n != 4 {
		t.Fatalf("expected two start and two stop jobs, got %d", n)
	}
}

func TestOwnClonesText(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if got := env.svc.ownClonesText(7); !strings.Contains(got, "no clones") {
		t.Fatalf("unexpected reply %q", got)
	}
	env.svc.registerClone(ctx, 7, 7, "1001:a")
	env.svc.registerClone(ctx, 7, 7, "1002:b")
	env.svc.UseInstances(fakeInstances{status: map[string]supervisor.Status{"1001": supervisor.StatusRunning}})

	got := env.svc.ownClonesText(7)
	if !strings.Contains(got, "1001 running") || !strings.Contains(got, "1002 stopped") {
		t.Fatalf("unexpected listing %q", got)
	}
}

func TestApplyLanguageResolvesDetection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pipeline := language.New(language.Config{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = pipeline.Close(context.Background()) })
	env.svc.pipeline = pipeline

	if got := env.svc.applyLanguage(ctx, -100, 7, "english"); !strings.Contains(got, "two-letter code") {
		t.Fatalf("invalid code must be refused, got %q", got)
	}
	if got := env.svc.applyLanguage(ctx, -100, 7, "HI"); !strings.Contains(got, "HI") {
		t.Fatalf("unexpected reply %q", got)
	}
	if env.prefs.Language(-100) != "hi" {
		t.Fatalf("language not stored, got %q", env.prefs.Language(-100))
	}
	if got := env.svc.chatLanguageText(-100); !strings.Contains(got, "hi") {
		t.Fatalf("unexpected /chatlang reply %q", got)
	}

	env.svc.applyLanguage(ctx, -100, 7, "off")
	if env.prefs.Language(-100) != "" {
		t.Fatalf("off must clear the language")
	}
	if got := env.svc.chatLanguageText(-100); !strings.Contains(got, "Not set") {
		t.Fatalf("unexpected /chatlang reply %q", got)
	}
}

func TestApplyChatbot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if got := env.svc.applyChatbot(ctx, -100, 7, "off"); !strings.Contains(got, "disabled") {
		t.Fatalf("unexpected reply %q", got)
	}
	if env.prefs.Enabled(-100) {
		t.Fatalf("chat must be disabled")
	}
	if got := env.svc.applyChatbot(ctx, -100, 7, ""); !strings.Contains(got, "disabled here") {
		t.Fatalf("status query must report disabled, got %q", got)
	}
	env.svc.applyChatbot(ctx, -100, 7, "on")
	if !env.prefs.Enabled(-100) {
		t.Fatalf("chat must be enabled again")
	}
	if got := env.svc.applyChatbot(ctx, -100, 7, "maybe"); !strings.HasPrefix(got, "Usage") {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestAdminCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.svc.cacheAdmin(ctx, -100, 7, true)
	if v := env.redis.Get(ctx, env.svc.adminCacheKey(-100, 7)).Val(); v != "1" {
		t.Fatalf("expected cached admin flag, got %q", v)
	}
	env.mr.FastForward(11 * time.Minute)
	if err := env.redis.Get(ctx, env.svc.adminCacheKey(-100, 7)).Err(); !errors.Is(err, redis.Nil) {
		t.Fatalf("admin cache must expire, got %v", err)
	}

	admin, err := env.svc.isAdmin(ctx, nil, -100, testOwnerID)
	if err != nil || !admin {
		t.Fatalf("owner counts as admin everywhere, got %v %v", admin, err)
	}
}

func TestBlockedAndSudoTexts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if got := env.svc.blockedText(); got != "No blocked words." {
		t.Fatalf("unexpected reply %q", got)
	}
	if err := env.svc.corpus.Block(ctx, "Spam"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if got := env.svc.blockedText(); !strings.Contains(got, "spam") {
		t.Fatalf("unexpected reply %q", got)
	}

	if err := env.svc.access.AddSudo(ctx, testOwnerID, 55); err != nil {
		t.Fatalf("add sudo: %v", err)
	}
	got := env.svc.sudoListText()
	if !strings.Contains(got, "➤ 1") || !strings.Contains(got, "➤ 55") {
		t.Fatalf("unexpected sudo list %q", got)
	}
}

func TestWizardStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	w := env.svc.wizard

	if st, err := w.Get(ctx, 7); err != nil || st != nil {
		t.Fatalf("expected no state, got %+v %v", st, err)
	}
	if err := w.Set(ctx, 7, cloneWizardState{Step: wizardStepToken, ChatID: 7}); err != nil {
		t.Fatalf("set: %v", err)
	}
	st, err := w.Get(ctx, 7)
	if err != nil || st == nil || st.Step != wizardStepToken || st.ChatID != 7 {
		t.Fatalf("unexpected state %+v %v", st, err)
	}
	if err := w.Clear(ctx, 7); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if st, _ := w.Get(ctx, 7); st != nil {
		t.Fatalf("state must be cleared")
	}

	_ = w.Set(ctx, 8, cloneWizardState{Step: wizardStepToken})
	env.mr.FastForward(11 * time.Minute)
	if st, _ := w.Get(ctx, 8); st != nil {
		t.Fatalf("state must expire with the wizard ttl")
	}
}
