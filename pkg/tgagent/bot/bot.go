package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/aggregator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels/telegram"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/isolator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/journal"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/metrics"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/providers"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/replyctx"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/router"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/supervisor"
)

// FileResolver is implemented by channels that can turn a file handle into
// a download URL.
type FileResolver interface {
	FileURL(ctx context.Context, fileID string) (string, error)
}

// Option configures a Bot.
type Option func(*Bot)

// WithChannel registers ch instead of the configured Telegram channel.
// Repeat to register several channels.
func WithChannel(ch channels.Channel) Option {
	return func(b *Bot) { b.chans = append(b.chans, ch) }
}

// WithExecutor replaces the process isolator. The retry policy still applies.
func WithExecutor(e providers.Executor) Option {
	return func(b *Bot) { b.exec = e }
}

// WithRegistry sets the Prometheus registry the bot registers its
// collectors on and serves from.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(b *Bot) { b.registry = reg }
}

// Bot is the running assistant.
type Bot struct {
	cfg    *Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	chans    []channels.Channel
	channels *channels.Manager
	agg      *aggregator.Aggregator
	replies  *replyctx.Cache
	janitor  *replyctx.Janitor
	router   *router.Router
	sup      *supervisor.Supervisor
	exec     providers.Executor
	llm      *providers.Client
	journal  *journal.Journal

	metricsSrv *http.Server
	startedAt  time.Time
	started    atomic.Bool
	consumed   chan struct{}
	stopOnce   sync.Once
	stopErr    error
}

// New assembles a bot from cfg. Nothing runs until Start.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Bot, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bot{
		cfg:       cfg,
		logger:    logger.With("component", "bot"),
		startedAt: time.Now(),
		consumed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.registry == nil {
		b.registry = prometheus.NewRegistry()
		b.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	b.metrics = metrics.MustNew(b.registry)

	sup, err := supervisor.New(cfg.Supervisor, logger, b.metrics)
	if err != nil {
		return nil, err
	}
	b.sup = sup

	replies, err := replyctx.New(cfg.ReplyContext, logger, b.metrics)
	if err != nil {
		return nil, err
	}
	b.replies = replies
	b.janitor = replyctx.NewJanitor(replies, cfg.ReplyContext.SweepSchedule, logger)

	if b.exec == nil {
		iso, err := isolator.New(cfg.Isolator, logger, b.metrics)
		if err != nil {
			return nil, fmt.Errorf("creating isolator: %w", err)
		}
		b.exec = iso
	}
	b.llm = providers.NewClient(cfg.LLM, newRetryingExecutor(b.exec, cfg.Retry, b.logger))

	b.channels = channels.NewManager(logger)
	if len(b.chans) == 0 {
		b.chans = append(b.chans, telegram.New(cfg.Telegram, logger))
	}
	for _, ch := range b.chans {
		if err := b.channels.Register(ch); err != nil {
			return nil, err
		}
	}

	b.agg = aggregator.New(cfg.Aggregator, b.onFlush, logger, b.metrics)
	b.agg.OnCancel(func(key channels.ActorKey, discarded int) {
		b.logger.Info("pending messages discarded", "key", key.String(), "discarded", discarded)
	})

	routerOpts := []router.Option{router.WithMetrics(b.metrics)}
	if p := cfg.Aggregator.CommandPrefix; p != "" && p != "-" {
		routerOpts = append(routerOpts, router.WithCommandPrefix(p))
	}
	b.router = router.New(sup, logger, routerOpts...)
	b.router.OnFailure(b.reportFailure)
	b.router.OnUnhandled(b.onUnhandled)
	b.registerHandlers()

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal, logger)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		b.journal = j
		sup.SetObserver(j)
	}

	return b, nil
}

// Start connects the channels, starts background jobs and begins consuming
// inbound events. It returns once the bot is running.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.janitor.Start(); err != nil {
		return err
	}
	if b.journal != nil {
		if err := b.journal.StartRetention(); err != nil {
			return err
		}
	}

	var g errgroup.Group
	g.Go(func() error { return b.channels.Start(ctx) })
	if b.cfg.Metrics.Enabled {
		g.Go(b.startMetricsServer)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	b.started.Store(true)
	go b.consume()

	b.logger.Info("bot running",
		"name", b.cfg.Name,
		"quiet_period", b.cfg.Aggregator.QuietPeriod,
		"journal", b.journal != nil,
		"metrics", b.cfg.Metrics.Enabled,
	)
	return nil
}

// Run starts the bot and blocks until ctx is cancelled, then stops it.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		_ = b.Stop()
		return err
	}
	<-ctx.Done()
	return b.Stop()
}

// Stop shuts the bot down: intake first, then pending windows are flushed
// and routed, running tasks get the grace period to finish, and finally the
// background jobs and stores are closed. Safe to call more than once.
func (b *Bot) Stop() error {
	b.stopOnce.Do(func() {
		b.logger.Info("stopping bot")
		var errs []error

		b.channels.Stop()
		if b.started.Load() {
			<-b.consumed
		}

		b.agg.Stop()

		// Let flushed work finish cooperatively for half the grace period
		// before contexts are cancelled.
		grace := b.cfg.Supervisor.GracePeriod
		if grace <= 0 {
			grace = supervisor.DefaultConfig().GracePeriod
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), grace/2)
		_ = b.sup.Wait(drainCtx)
		cancel()
		if err := b.sup.Shutdown(grace / 2); err != nil {
			errs = append(errs, err)
		}

		b.janitor.Stop()
		if b.journal != nil {
			if err := b.journal.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing journal: %w", err))
			}
		}
		if b.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.metricsSrv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stopping metrics server: %w", err))
			}
			cancel()
		}

		b.stopErr = errors.Join(errs...)
		b.logger.Info("bot stopped")
	})
	return b.stopErr
}

// consume feeds inbound events into the aggregator until the channel
// manager closes the stream.
func (b *Bot) consume() {
	defer close(b.consumed)
	for ev := range b.channels.Events() {
		b.ingest(ev)
	}
}

// ingest handles one inbound event. "/cancel" is served here, before
// aggregation, so it can discard the buffer it would otherwise flush.
func (b *Bot) ingest(ev *channels.Event) {
	if ev.Kind == channels.KindText && b.agg.IsCommand(ev) {
		if name, _, ok := router.ParseCommand(ev.Text, b.cfg.Aggregator.CommandPrefix); ok && name == "cancel" {
			b.cancelPending(ev)
			return
		}
	}

	if err := b.agg.Submit(ev); err != nil {
		if errors.Is(err, aggregator.ErrStopped) {
			b.logger.Debug("event dropped during shutdown", "key", ev.Key.String(), "id", ev.ID)
			return
		}
		b.logger.Warn("event rejected", "key", ev.Key.String(), "id", ev.ID, "error", err)
	}
}

func (b *Bot) cancelPending(ev *channels.Event) {
	n := b.agg.Cancel(ev.Key)
	b.sup.Go("cancel:"+ev.Key.String(), func(ctx context.Context) error {
		b.channels.SendReaction(ctx, ev.Key.Channel, ev.Key.ChatID, ev.ID, "👌")
		return b.send(ctx, ev.Key, cancelMessage(n), "")
	})
}

// onFlush receives every combined submission. It records the participant's
// messages for later reply resolution, attaches the context of the message
// being replied to, and routes the submission.
func (b *Bot) onFlush(sub *aggregator.Submission) {
	for _, ev := range sub.Events() {
		if ev.ID != "" {
			b.replies.Record(ev.ID, summarizeEvent(ev), ev.Kind)
		}
	}

	if target, ev := sub.ReplyTarget(); target != "" {
		if entry, ok := b.replies.ResolveOrSynthesize(target, quotedExtractor(ev.Quoted)); ok {
			sub = sub.WithReply(entry)
		} else {
			b.logger.Debug("reply context unavailable", "key", sub.Key.String(), "reply_to", target)
		}
	}

	if _, err := b.router.Route(sub); err != nil && !errors.Is(err, router.ErrNoHandler) {
		b.logger.Warn("submission not routed", "key", sub.Key.String(), "events", sub.Len(), "error", err)
	}
}

// reportFailure tells the participant their submission failed.
func (b *Bot) reportFailure(ctx context.Context, sub *aggregator.Submission, err error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if sendErr := b.send(ctx, sub.Key, failureMessage(err), ""); sendErr != nil {
		b.logger.Warn("failure notice not delivered", "key", sub.Key.String(), "error", sendErr)
	}
}

func (b *Bot) onUnhandled(sub *aggregator.Submission, route router.Route) {
	msg := "I can't handle that kind of message yet."
	if route.Command != "" {
		msg = fmt.Sprintf("Unknown command %s%s. Send %shelp for the list.",
			b.commandPrefix(), route.Command, b.commandPrefix())
	}
	b.sup.Go("unhandled:"+sub.Key.String(), func(ctx context.Context) error {
		return b.send(ctx, sub.Key, msg, "")
	})
}

// reply answers sub and records the answer for later reply resolution.
func (b *Bot) reply(ctx context.Context, sub *aggregator.Submission, text string) error {
	replyTo := ""
	if first := sub.First(); first != nil && first.IsGroup {
		events := sub.Events()
		replyTo = events[len(events)-1].ID
	}
	return b.send(ctx, sub.Key, text, replyTo)
}

func (b *Bot) send(ctx context.Context, key channels.ActorKey, text, replyTo string) error {
	id, err := b.channels.Send(ctx, key.Channel, key.ChatID, &channels.OutgoingMessage{
		Content: text,
		ReplyTo: replyTo,
	})
	if err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	if id != "" {
		b.replies.Record(id, truncateRunes(text, replySummaryRunes), channels.KindText)
	}
	return nil
}

// fileURL resolves a media payload into a URL the worker can fetch.
func (b *Bot) fileURL(ctx context.Context, channel string, p *channels.Payload) (string, error) {
	if p == nil {
		return "", errors.New("event has no media payload")
	}
	if p.URL != "" {
		return p.URL, nil
	}
	ch, ok := b.channels.Get(channel)
	if !ok {
		return "", fmt.Errorf("%w: %s", channels.ErrUnknownChannel, channel)
	}
	resolver, ok := ch.(FileResolver)
	if !ok {
		return "", fmt.Errorf("channel %s cannot resolve files", channel)
	}
	return resolver.FileURL(ctx, p.FileID)
}

func (b *Bot) commandPrefix() string {
	if p := b.cfg.Aggregator.CommandPrefix; p != "" && p != "-" {
		return p
	}
	return "/"
}

// ---------- Metrics & health ----------

func (b *Bot) startMetricsServer() error {
	ln, err := net.Listen("tcp", b.cfg.Metrics.Address)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", b.handleHealth)

	b.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := b.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("metrics server failed", "error", err)
		}
	}()
	b.logger.Info("metrics server listening", "address", ln.Addr().String())
	return nil
}

// Health is the snapshot served at /healthz.
type Health struct {
	Status        string                           `json:"status"`
	Uptime        string                           `json:"uptime"`
	Channels      map[string]channels.HealthStatus `json:"channels"`
	ActiveWindows int                              `json:"active_windows"`
	RunningTasks  int                              `json:"running_tasks"`
	ReplyEntries  int                              `json:"reply_entries"`
}

// Health returns the current health snapshot.
func (b *Bot) Health() Health {
	h := Health{
		Status:        "ok",
		Uptime:        time.Since(b.startedAt).Round(time.Second).String(),
		Channels:      b.channels.Health(),
		ActiveWindows: b.agg.Active(),
		RunningTasks:  b.sup.Count(),
		ReplyEntries:  b.replies.Len(),
	}
	for _, ch := range h.Channels {
		if !ch.Connected {
			h.Status = "degraded"
		}
	}
	return h
}

func (b *Bot) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := b.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}
