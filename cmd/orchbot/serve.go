package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/orchbot/orchbot/internal/approval"
	"github.com/orchbot/orchbot/internal/channels"
	"github.com/orchbot/orchbot/internal/channels/discord"
	"github.com/orchbot/orchbot/internal/channels/slack"
	"github.com/orchbot/orchbot/internal/channels/telegram"
	"github.com/orchbot/orchbot/internal/config"
	"github.com/orchbot/orchbot/internal/cron"
	"github.com/orchbot/orchbot/internal/events"
	"github.com/orchbot/orchbot/internal/ops"
	"github.com/orchbot/orchbot/internal/providers"
	"github.com/orchbot/orchbot/internal/router"
	"github.com/orchbot/orchbot/internal/skills"
	"github.com/orchbot/orchbot/internal/subagent"
	"github.com/orchbot/orchbot/internal/tasks"
	"github.com/orchbot/orchbot/internal/tools"
	"github.com/orchbot/orchbot/internal/tools/admin"
	"github.com/orchbot/orchbot/internal/tools/agenttool"
	"github.com/orchbot/orchbot/internal/tools/cronjob"
	"github.com/orchbot/orchbot/internal/tools/files"
	"github.com/orchbot/orchbot/internal/tools/message"
	"github.com/orchbot/orchbot/internal/tools/secrets"
	"github.com/orchbot/orchbot/internal/tools/shell"
	"github.com/orchbot/orchbot/internal/tools/web"
	"github.com/orchbot/orchbot/internal/vault"
	"github.com/orchbot/orchbot/pkg/models"
)

// historyTurns bounds the per-chat context handed to the router.
const historyTurns = 8

// app ties the runtime pieces together for the serve command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	chans    *channels.Manager
	router   *router.Router
	approval *approval.Service
	runtime  *approvalRuntime

	historyMu sync.Mutex
	history   map[string][]models.ChatTurn
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	logger := slog.Default().With("component", "serve")

	v, err := vault.ForWorkspace(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer v.Close()

	eventLog, err := events.Open(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer eventLog.Close()
	taskStore := tasks.NewMemoryStore()
	eventLog.BindTaskStore(taskStore)

	skillReg := skills.NewRegistry(filepath.Join(cfg.Workspace, "skills"))
	if err := skillReg.Load(); err != nil {
		logger.Warn("skill load failed", "error", err)
	}

	provMgr := buildProviders(cfg)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		history: map[string][]models.ChatTurn{},
	}
	a.chans = channels.NewManager(a.handleInbound)

	cronStore, err := cron.OpenStore(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("open cron store: %w", err)
	}
	scheduler := cron.NewScheduler(cronStore, a.cronFire)

	registry := tools.NewRegistry()
	agents := subagent.NewRegistry(subagent.Config{
		Controller: primaryOrNil(provMgr),
		Executor:   primaryOrNil(provMgr),
		Tools:      registry,
		Send:       a.chans.Send,
		Announce:   a.chans.Accept,
	})
	if err := registerTools(registry, cfg, v, eventLog, scheduler, skillReg, agents, a); err != nil {
		return err
	}

	a.runtime = &approvalRuntime{registry: registry}
	a.approval = approval.NewService(a.runtime, a.chans.Send)
	registry.SetApprovalCallback(a.notifyApproval)

	a.router = router.New(router.Config{
		Vault:              v,
		Skills:             skillReg,
		Tools:              registry,
		Providers:          provMgr,
		AgentLoopMaxTurns:  cfg.Router.AgentLoopMaxTurns,
		MaxToolResultChars: cfg.Router.MaxToolResultChars,
	})

	if err := registerChannels(a, cfg); err != nil {
		return err
	}

	opsRuntime := ops.New(ops.Config{
		Tasks:         taskStore,
		Handle:        a.chans.Accept,
		Pruner:        a.approval,
		RecoveryRetry: time.Duration(cfg.Ops.RecoveryRetryMS) * time.Millisecond,
		RecoveryBatch: cfg.Ops.RecoveryBatch,
		HealthAlways:  cfg.Ops.HealthLogEnabled,
		PumpEnabled:   cfg.Ops.BridgePumpEnabled,
		Health: func() ops.Snapshot {
			return ops.Snapshot{
				QueueSizes: a.chans.QueueSizes(),
				Channels:   a.chans.Enabled(),
				Heartbeat:  "ok",
			}
		},
	})

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.chans.Start(ctx)
	opsRuntime.Start(ctx)
	logger.Info("orchbot running", "workspace", cfg.Workspace, "alias", cfg.Alias, "channels", a.chans.Enabled())

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// buildProviders constructs the provider set from the config, falling back
// to environment discovery for anything the file does not mention.
func buildProviders(cfg *config.Config) *providers.Manager {
	m := providers.NewManager()
	if c := cfg.Providers.ChatGPT; c.Command != "" {
		m.Register(providers.NewCLIProvider(providers.NameChatGPT, c.Command, c.Args, cliTimeout(c)))
	}
	if c := cfg.Providers.ClaudeCode; c.Command != "" {
		m.Register(providers.NewCLIProvider(providers.NameClaudeCode, c.Command, c.Args, cliTimeout(c)))
	}
	if c := cfg.Providers.OpenRouter; c.APIKey != "" {
		base := c.BaseURL
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		m.Register(providers.NewHTTPProvider(providers.NameOpenRouter, base, c.APIKey, c.Model, nil))
	}
	if c := cfg.Providers.Phi4; c.BaseURL != "" {
		m.Register(providers.NewHTTPProvider(providers.NamePhi4, c.BaseURL, c.APIKey, c.Model, nil))
	}
	if cfg.Providers.Primary != "" {
		m.SetPrimary(cfg.Providers.Primary)
	}
	return m
}

func cliTimeout(c config.CLIConfig) time.Duration {
	if c.TimeoutMS > 0 {
		return time.Duration(c.TimeoutMS) * time.Millisecond
	}
	return 0
}

func primaryOrNil(m *providers.Manager) providers.Provider {
	p, err := m.Primary()
	if err != nil {
		return nil
	}
	return p
}

func registerTools(registry *tools.Registry, cfg *config.Config, v *vault.Vault, eventLog *events.Log, scheduler *cron.Scheduler, skillReg *skills.Registry, agents *subagent.Registry, a *app) error {
	fileCfg := files.Config{Workspace: cfg.Workspace}
	shellStore, err := tools.OpenShellToolStore(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("open shell tool store: %w", err)
	}
	list := []tools.Tool{
		files.NewReadTool(fileCfg),
		files.NewWriteTool(fileCfg),
		files.NewEditTool(fileCfg),
		files.NewListTool(fileCfg),
		shell.NewExecTool(shell.Config{WorkingDir: cfg.Workspace}),
		web.NewFetchTool(web.Config{}),
		web.NewSearchTool(web.Config{SearchEndpoint: os.Getenv("SEARXNG_ENDPOINT")}),
		web.NewBrowserTool(web.Config{}),
		message.NewMessageTool(message.Config{Send: a.chans.Send, Events: eventLog}),
		message.NewRequestFileTool(message.Config{Send: a.chans.Send}),
		cronjob.New(scheduler),
		secrets.New(v),
		agenttool.New(agents),
		admin.New(admin.Config{
			Workspace:    cfg.Workspace,
			SkillsDir:    filepath.Join(cfg.Workspace, "skills"),
			ShellTools:   shellStore,
			Registry:     registry,
			ReloadSkills: skillReg.Load,
		}),
	}
	for _, tool := range list {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}
	if err := registry.LoadDynamicTools(shellStore); err != nil {
		return fmt.Errorf("load dynamic tools: %w", err)
	}
	return nil
}

func registerChannels(a *app, cfg *config.Config) error {
	if c := cfg.Channels.Slack; c.Enabled {
		adapter, err := slack.New(slack.Config{
			BotToken:   c.BotToken,
			AppToken:   c.AppToken,
			OnReaction: a.handleSlackReaction,
		})
		if err != nil {
			return err
		}
		if err := a.chans.Register(adapter); err != nil {
			return err
		}
	}
	if c := cfg.Channels.Discord; c.Enabled {
		adapter, err := discord.New(discord.Config{Token: c.BotToken})
		if err != nil {
			return err
		}
		if err := a.chans.Register(adapter); err != nil {
			return err
		}
	}
	if c := cfg.Channels.Telegram; c.Enabled {
		adapter, err := telegram.New(telegram.Config{Token: c.BotToken})
		if err != nil {
			return err
		}
		if err := a.chans.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}

// handleInbound is the pipeline for one message: approval resolution
// first, then the router.
func (a *app) handleInbound(ctx context.Context, msg models.InboundMessage) {
	if a.approval.HandleInbound(ctx, msg) {
		return
	}
	req := &router.Request{
		Msg:     msg,
		History: a.chatHistory(msg),
		Alias:   a.cfg.Alias,
	}
	res, err := a.router.Execute(ctx, req)
	if err != nil {
		a.logger.Error("routing failed", "chat", msg.ChatID, "error", err)
		a.send(ctx, msg, "Something went wrong handling that request.")
		return
	}
	a.recordTurn(msg, res)
	if res.Announceable() {
		a.send(ctx, msg, res.Reply)
	}
}

func (a *app) send(ctx context.Context, origin models.InboundMessage, content string) {
	err := a.chans.Send(ctx, models.OutboundMessage{
		Provider: origin.Provider,
		ChatID:   origin.ChatID,
		ThreadID: origin.ThreadID,
		Content:  content,
	})
	if err != nil {
		a.logger.Warn("reply failed", "chat", origin.ChatID, "error", err)
	}
}

func (a *app) chatHistory(msg models.InboundMessage) []models.ChatTurn {
	a.historyMu.Lock()
	defer a.historyMu.Unlock()
	key := string(msg.Provider) + "|" + msg.ChatID
	return append([]models.ChatTurn(nil), a.history[key]...)
}

func (a *app) recordTurn(msg models.InboundMessage, res *router.Result) {
	a.historyMu.Lock()
	defer a.historyMu.Unlock()
	key := string(msg.Provider) + "|" + msg.ChatID
	turns := append(a.history[key],
		models.ChatTurn{Role: "user", Content: msg.Content, At: msg.At})
	if res.Reply != "" {
		turns = append(turns, models.ChatTurn{Role: "assistant", Content: res.Reply, At: time.Now()})
	}
	if len(turns) > historyTurns {
		turns = turns[len(turns)-historyTurns:]
	}
	a.history[key] = turns
}

// cronFire delivers a fired job: direct channel delivery when the payload
// asks for it, otherwise the message replays through the router.
func (a *app) cronFire(ctx context.Context, job *cron.Job) error {
	p := job.Payload
	if p.Deliver && p.Channel != "" && p.To != "" {
		return a.chans.Send(ctx, models.OutboundMessage{
			Provider: models.ChannelType(p.Channel),
			ChatID:   p.To,
			Content:  p.Message,
		})
	}
	a.chans.Accept(ctx, models.InboundMessage{
		ID:       "cron:" + job.ID + ":" + fmt.Sprint(time.Now().UnixMilli()),
		Provider: models.ChannelType(p.Channel),
		ChatID:   p.To,
		SenderID: "cron",
		Content:  p.Message,
		Metadata: map[string]any{"cron_job": job.ID},
		At:       time.Now(),
	})
	return nil
}

// notifyApproval posts a pending approval request to its originating chat.
func (a *app) notifyApproval(req *tools.ApprovalRequest) {
	if req.Context.Provider == "" || req.Context.ChatID == "" {
		a.logger.Warn("approval request without chat context", "id", req.ID, "tool", req.ToolName)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	content := fmt.Sprintf("Approval required (%s) for %s: %s\nReply yes/no, or react ✅/❌.", req.ID, req.ToolName, req.Detail)
	err := a.chans.Send(ctx, models.OutboundMessage{
		Provider: models.ChannelType(req.Context.Provider),
		ChatID:   req.Context.ChatID,
		ThreadID: req.Context.ThreadID,
		Content:  content,
	})
	if err != nil {
		a.logger.Warn("approval notification failed", "id", req.ID, "error", err)
	}
}

// handleSlackReaction maps a reaction to the most recent pending approval
// request in the same chat. Reactions carry a message timestamp, not a
// request id, so recency is the binding rule.
func (a *app) handleSlackReaction(ctx context.Context, chatID, messageID string, reactions []string) {
	var best approval.Request
	for _, req := range a.runtime.ListPendingApprovals() {
		if req.ChatID != chatID {
			continue
		}
		if best.ID == "" || req.Created.After(best.Created) {
			best = req
		}
	}
	if best.ID == "" {
		return
	}
	a.approval.HandleReaction(ctx, string(models.ChannelSlack), chatID, best.ID, reactions)
}

// approvalRuntime adapts the tool registry's approval lifecycle to the
// approval service interface.
type approvalRuntime struct {
	registry *tools.Registry
}

func (r *approvalRuntime) ListPendingApprovals() []approval.Request {
	var out []approval.Request
	for _, req := range r.registry.ListApprovalRequests(true) {
		out = append(out, approval.Request{
			ID:       req.ID,
			ToolName: req.ToolName,
			Provider: req.Context.Provider,
			ChatID:   req.Context.ChatID,
			ThreadID: req.Context.ThreadID,
			Created:  req.CreatedAt,
		})
	}
	return out
}

func (r *approvalRuntime) ResolveApproval(id, responseText string) (approval.Decision, error) {
	req, err := r.registry.ResolveApprovalRequest(id, responseText)
	if err != nil {
		return approval.DecisionUnknown, err
	}
	if req.Parsed != nil {
		return req.Parsed.Decision, nil
	}
	return approval.DecisionUnknown, nil
}

func (r *approvalRuntime) ExecuteApproved(ctx context.Context, id string) (string, error) {
	return r.registry.ExecuteApprovedRequest(ctx, id)
}
