package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/wispworks/wisp/internal/bus"
	"github.com/wispworks/wisp/internal/config"
	"github.com/wispworks/wisp/internal/cron"
	"github.com/wispworks/wisp/internal/inbox"
	"github.com/wispworks/wisp/internal/listener"
	"github.com/wispworks/wisp/internal/llm"
	"github.com/wispworks/wisp/internal/memory"
	"github.com/wispworks/wisp/internal/platform"
	"github.com/wispworks/wisp/internal/session"
	"github.com/wispworks/wisp/internal/worker"
)

// Platform is the chat-platform surface the gateway needs (allows
// mocking in tests).
type Platform interface {
	PostMessage(ctx context.Context, channelID, threadID, text string) (string, error)
	AuthCheck(ctx context.Context) (string, error)
	ConnectStream(ctx context.Context) (listener.EventStream, error)
}

type platformAdapter struct {
	*platform.Client
}

func (a platformAdapter) ConnectStream(ctx context.Context) (listener.EventStream, error) {
	return a.Client.ConnectStream(ctx)
}

// ClientFactory creates the completion client.
type ClientFactory func(cfg *config.Config, sysPrompt string) (llm.Client, error)

// PlatformFactory creates the platform client.
type PlatformFactory func(cfg *config.Config) (Platform, error)

// Options for creating a Gateway.
type Options struct {
	ClientFactory   ClientFactory
	PlatformFactory PlatformFactory
	SignalChan      chan os.Signal // for testing signal handling
}

// Gateway wires the full agent: memory store, session router,
// completion client, platform client, listener and (in bridged mode)
// the inbox worker.
type Gateway struct {
	cfg        *config.Config
	store      *memory.Store
	client     llm.Client
	plat       Platform
	router     *session.Router
	pipeline   *worker.Pipeline
	ib         *inbox.Inbox
	worker     *worker.Worker
	listener   *listener.Listener
	cron       *cron.Service
	signalChan chan os.Signal
}

// Maintenance job names. FindByName keys on these so restarts do not
// register duplicates.
const (
	jobMemoryPrune  = "wisp-memory-prune"
	jobSessionSweep = "wisp-session-sweep"

	sessionIdleDays = 30
)

func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}

	retention := memory.Retention{
		MaxEntries: cfg.Memory.WorkingMaxEntries,
		MaxAge:     time.Duration(cfg.Memory.WorkingMaxAgeDays) * 24 * time.Hour,
	}
	store, err := memory.NewStore(cfg.MemoryDBPath(), retention)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	g.store = store

	sysPrompt := g.buildSystemPrompt()

	factory := opts.ClientFactory
	if factory == nil {
		factory = llm.NewClient
	}
	client, err := factory(cfg, sysPrompt)
	if err != nil {
		_ = g.store.Close()
		return nil, err
	}
	g.client = client

	pfactory := opts.PlatformFactory
	if pfactory == nil {
		pfactory = func(cfg *config.Config) (Platform, error) {
			return platformAdapter{platform.NewClient(cfg.Platform)}, nil
		}
	}
	plat, err := pfactory(cfg)
	if err != nil {
		g.client.Close()
		_ = g.store.Close()
		return nil, err
	}
	g.plat = plat

	// Learn our own user ID so the listener can drop self-echoes.
	if cfg.Platform.BotUserID == "" && cfg.Platform.Token != "" {
		authCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		userID, err := plat.AuthCheck(authCtx)
		cancel()
		if err != nil {
			log.Printf("[gateway] auth check warning: %v", err)
		} else {
			cfg.Platform.BotUserID = userID
		}
	}

	sessionDB := filepath.Join(filepath.Dir(cfg.MemoryDBPath()), "sessions.db")
	router, err := session.NewRouter(sessionDB, client)
	if err != nil {
		g.client.Close()
		_ = g.store.Close()
		return nil, fmt.Errorf("open session router: %w", err)
	}
	g.router = router

	timeout := time.Duration(cfg.Agent.CompletionTimeout) * time.Second
	g.pipeline = worker.NewPipeline(router, store, client, plat, timeout)

	if cfg.Listener.Mode == listener.ModeBridged {
		ib, err := inbox.New(cfg.InboxPath())
		if err != nil {
			g.closeAll()
			return nil, fmt.Errorf("open inbox: %w", err)
		}
		g.ib = ib

		poll, err := time.ParseDuration(cfg.Worker.PollInterval)
		if err != nil || poll <= 0 {
			poll = 2 * time.Second
		}
		g.worker = worker.New(ib, g.pipeline, poll, cfg.Worker.MaxRetries, cfg.Worker.Concurrency)
	}

	dial := func(ctx context.Context) (listener.EventStream, error) {
		return g.plat.ConnectStream(ctx)
	}
	g.listener = listener.New(cfg.Listener, cfg.Platform, dial, g.pipeline, g.ib)

	g.cron = cron.NewService(filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json"))
	g.cron.OnFire = g.fireJob

	return g, nil
}

// responseContract tells the model how replies must be structured. The
// parser degrades gracefully when the model ignores it, but compliant
// output is what makes reasoning and memory extraction work.
const responseContract = `# Response Format

Wrap your reply in these tags:

<think verb="pondering">private reasoning, never shown to the user</think>
<say verb="replying">the message to deliver</say>

Optionally persist something you learned:

<remember scope="user" key="preference">likes concise answers</remember>
<remember scope="soul" key="note">a fact about yourself worth keeping</remember>

The say tag is required. Everything outside these tags is discarded.`

func (g *Gateway) buildSystemPrompt() string {
	var sb strings.Builder

	for _, name := range []string{"AGENTS.md", "SOUL.md"} {
		if data, err := os.ReadFile(filepath.Join(g.cfg.Agent.Workspace, name)); err == nil {
			sb.Write(data)
			sb.WriteString("\n\n")
		}
	}

	if entries, err := g.store.AllSoul(); err != nil {
		log.Printf("[memory] load soul memory for system prompt warning: %v", err)
	} else if len(entries) > 0 {
		sb.WriteString("# Core Memory\n")
		for _, e := range entries {
			fmt.Fprintf(&sb, "- %s: %s\n", e.Key, e.Value)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(responseContract)
	sb.WriteString("\n")
	return sb.String()
}

// fireJob handles a due cron job. Built-in maintenance tasks run
// directly; message jobs are injected as synthetic events through the
// normal pipeline so they get the same memory and delivery path.
func (g *Gateway) fireJob(job cron.Job) (string, error) {
	switch job.Payload.Task {
	case "memory.prune":
		n, err := g.store.PruneWorking()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pruned %d working memory entries", n), nil
	case "session.sweep":
		cutoff := time.Now().Add(-sessionIdleDays * 24 * time.Hour)
		idle, err := g.router.IdleSince(cutoff)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d sessions idle since %s", len(idle), cutoff.Format("2006-01-02")), nil
	}

	if job.Payload.Message == "" {
		return "", fmt.Errorf("job %s has neither task nor message", job.Name)
	}
	if job.Payload.ChannelID == "" {
		return "", fmt.Errorf("job %s: message jobs need a channel", job.Name)
	}

	ev := bus.ChatEvent{
		MessageID:  "cron-" + uuid.NewString(),
		ChannelID:  job.Payload.ChannelID,
		ThreadID:   job.Payload.ThreadID,
		SenderID:   "system",
		SenderName: "scheduler",
		Text:       job.Payload.Message,
		Kind:       bus.KindDirectMessage,
		ReceivedAt: time.Now().UTC(),
	}
	if err := g.pipeline.Handle(context.Background(), ev); err != nil {
		return "", err
	}
	return "delivered", nil
}

func (g *Gateway) ensureMaintenanceJobs() error {
	if _, ok := g.cron.FindByName(jobMemoryPrune); !ok {
		_, err := g.cron.AddJob(jobMemoryPrune,
			cron.Schedule{Kind: "cron", Expr: "0 0 3 * * *"},
			cron.Payload{Task: "memory.prune"})
		if err != nil {
			return err
		}
	}
	if _, ok := g.cron.FindByName(jobSessionSweep); !ok {
		_, err := g.cron.AddJob(jobSessionSweep,
			cron.Schedule{Kind: "cron", Expr: "0 0 4 * * 1"},
			cron.Payload{Task: "session.sweep"})
		if err != nil {
			return err
		}
	}
	return nil
}

// DrainInbox processes pending inbox records once and returns how many
// were handled. Only meaningful in bridged mode.
func (g *Gateway) DrainInbox(ctx context.Context) (int, error) {
	if g.worker == nil {
		return 0, fmt.Errorf("inbox drain requires bridged listener mode")
	}
	return g.worker.DrainOnce(ctx)
}

// RunWorker drains the inbox continuously without a listener. Used by the
// standalone worker process in bridged deployments, where a separate
// listener process feeds the inbox.
func (g *Gateway) RunWorker(ctx context.Context) error {
	if g.worker == nil {
		return fmt.Errorf("worker requires bridged listener mode")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureMaintenanceJobs(); err != nil {
		log.Printf("[gateway] ensure maintenance jobs warning: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := g.worker.Run(ctx); err != nil {
			log.Printf("[gateway] worker error: %v", err)
		}
	}()

	log.Printf("[gateway] worker running (model %s)", g.cfg.Agent.Model)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	cancel()
	<-done
	return g.Shutdown()
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureMaintenanceJobs(); err != nil {
		log.Printf("[gateway] ensure maintenance jobs warning: %v", err)
	}

	if g.worker != nil {
		go func() {
			if err := g.worker.Run(ctx); err != nil {
				log.Printf("[gateway] worker error: %v", err)
			}
		}()
	}

	go func() {
		if err := g.listener.Run(ctx); err != nil {
			log.Printf("[gateway] listener error: %v", err)
		}
	}()

	log.Printf("[gateway] running in %s mode (model %s)", g.cfg.Listener.Mode, g.cfg.Agent.Model)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	cancel()
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	if g.cron != nil {
		g.cron.Stop()
	}
	g.closeAll()
	log.Printf("[gateway] shutdown complete")
	return nil
}

func (g *Gateway) closeAll() {
	if g.router != nil {
		if err := g.router.Close(); err != nil {
			log.Printf("[gateway] close session router warning: %v", err)
		}
		g.router = nil
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close memory store warning: %v", err)
		}
		g.store = nil
	}
	if g.client != nil {
		g.client.Close()
		g.client = nil
	}
}
