// Package telegram is the Bot API transport: it connects bot instances with
// gotgbot, feeds chat messages to the engine and serves the command surface.
package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"clonehost/internal/access"
	"clonehost/internal/corpus"
	"clonehost/internal/language"
	"clonehost/internal/metrics"
	"clonehost/internal/prefs"
	"clonehost/internal/queue"
	"clonehost/internal/registry"
	"clonehost/internal/storage"
	"clonehost/internal/supervisor"
)

// Instances is the part of the supervisor the commands read and drive.
type Instances interface {
	Snapshot() []supervisor.InstanceInfo
	Status(instanceID string) (supervisor.Status, bool)
	RestartBots(ctx context.Context) (supervisor.Report, error)
}

type Service struct {
	store         *storage.Store
	registry      *registry.Registry
	instances     Instances
	queue         *queue.StreamQueue
	corpus        *corpus.Corpus
	prefs         *prefs.Prefs
	pipeline      *language.Pipeline
	access        *access.Access
	cloneLimiter  *queue.RateLimiter
	wizard        *wizardStore
	redis         *redis.Client
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	adminCacheTTL time.Duration
	reserved      map[string]struct{}
}

type Config struct {
	Store        *storage.Store
	Registry     *registry.Registry
	Instances    Instances
	Queue        *queue.StreamQueue
	Corpus       *corpus.Corpus
	Prefs        *prefs.Prefs
	Pipeline     *language.Pipeline
	Access       *access.Access
	CloneLimiter *queue.RateLimiter
	Redis        *redis.Client
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	// ReservedIDs are bot ids that may not be registered as clones.
	ReservedIDs   []string
	AdminCacheTTL time.Duration
	WizardTTL     time.Duration
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = 10 * time.Minute
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 10 * time.Minute
	}
	reserved := make(map[string]struct{}, len(cfg.ReservedIDs))
	for _, id := range cfg.ReservedIDs {
		if id != "" {
			reserved[id] = struct{}{}
		}
	}
	return &Service{
		store:         cfg.Store,
		registry:      cfg.Registry,
		instances:     cfg.Instances,
		queue:         cfg.Queue,
		corpus:        cfg.Corpus,
		prefs:         cfg.Prefs,
		pipeline:      cfg.Pipeline,
		access:        cfg.Access,
		cloneLimiter:  cfg.CloneLimiter,
		wizard:        newWizardStore(cfg.Redis, cfg.WizardTTL),
		redis:         cfg.Redis,
		logger:        cfg.Logger.With().Str("component", "commands").Logger(),
		metrics:       m,
		adminCacheTTL: cfg.AdminCacheTTL,
		reserved:      reserved,
	}
}

// UseInstances wires the supervisor in once it exists; it is built after the
// connector that carries this service.
func (s *Service) UseInstances(i Instances) {
	s.instances = i
}

// Register adds the command surface for one instance. Every instance gets
// the chat commands; only the primary gets clone and sudo commands.
func (s *Service) Register(d *ext.Dispatcher, kind supervisor.Kind) {
	d.AddHandler(handlers.NewCommand("help", s.help(kind)))
	d.AddHandler(handlers.NewCommand("start", s.help(kind)))
	d.AddHandler(handlers.NewCommand("chatlang", s.chatLang))
	d.AddHandler(handlers.NewCommand("setlang", s.setLang))
	d.AddHandler(handlers.NewCommand("chatbot", s.chatbot))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbLangPrefix), s.onLanguageCallback))
	if kind != supervisor.KindPrimary {
		return
	}

	d.AddHandler(handlers.NewCommand("clone", s.clone))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelWizard))
	d.AddHandler(handlers.NewCommand("delclone", s.delClone))
	d.AddHandler(handlers.NewCommand("myclones", s.myClones))
	d.AddHandler(handlers.NewCommand("clones", s.clones))
	d.AddHandler(handlers.NewCommand("restartclones", s.restartClones))
	d.AddHandler(handlers.NewCommand("block", s.block))
	d.AddHandler(handlers.NewCommand("unblock", s.unblock))
	d.AddHandler(handlers.NewCommand("blocked", s.blocked))
	d.AddHandler(handlers.NewCommand("addsudo", s.addSudo))
	d.AddHandler(handlers.NewCommand("rmsudo", s.rmSudo))
	d.AddHandler(handlers.NewCommand("sudolist", s.sudoList))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg)
	}, s.privateText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}
