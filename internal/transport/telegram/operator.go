package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "dmfleet/internal/runtime/supervisor"
	"dmfleet/internal/transport"
	logx "dmfleet/pkg/logx"
)

// OperatorConfig configures the command-surface bot.
type OperatorConfig struct {
	Token       string
	PollTimeout time.Duration
}

// Operator is the Telegram adapter for the fleet command conversation.
// Inbound messages are forwarded non-blocking; when the consumer lags,
// updates are dropped and counted rather than stalling the poll loop.
type Operator struct {
	cfg OperatorConfig
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // chan<- transport.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped uint64
}

func NewOperator(cfg OperatorConfig, log logx.Logger) (*Operator, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("operator token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Operator{cfg: cfg, log: log, bot: b}
	var nilOut chan<- transport.Update
	o.out.Store(nilOut)

	o.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		o.forward(transport.Update{
			MessageID: m.ID,
			ChatID:    m.Chat.ID,
			FromID:    m.Sender.ID,
			FromName:  m.Sender.Username,
			Text:      m.Text,
		})
		return nil
	})
	return o, nil
}

func (o *Operator) forward(up transport.Update) {
	out, _ := o.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&o.dropped, 1)
	}
}

func (o *Operator) Start(ctx context.Context, out chan<- transport.Update) error {
	o.runMu.Lock()
	if o.running {
		o.runMu.Unlock()
		return nil
	}
	o.running = true
	o.out.Store(out)
	o.sup = rtsup.New(ctx,
		rtsup.WithLogger(o.log.With(logx.String("comp", "operator.telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := o.sup
	o.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := atomic.SwapUint64(&o.dropped, 0); n > 0 {
					o.log.Warn("operator updates dropped", logx.Uint64("count", n))
				}
			}
		}
	})

	sup.Go0("poll.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		o.bot.Stop()
	})

	// bot.Start blocks; run under a restart loop so a poll failure
	// self-heals instead of silencing the command surface.
	sup.GoRestart("poll", func(c context.Context) error {
		o.log.Info("operator polling started")
		o.bot.Start()
		o.log.Info("operator polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (o *Operator) Stop(ctx context.Context) error {
	o.runMu.Lock()
	sup := o.sup
	o.sup = nil
	wasRunning := o.running
	o.running = false
	var nilOut chan<- transport.Update
	o.out.Store(nilOut)
	o.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	go o.bot.Stop()
	if sup != nil {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			o.log.Warn("operator stop", logx.Err(err))
		}
	}
	return nil
}

func (o *Operator) Reply(ctx context.Context, chatID int64, text string) error {
	_, err := o.bot.Send(&tele.Chat{ID: chatID}, text)
	if err != nil {
		return classify(err)
	}
	return nil
}

// AlertSink adapts the operator bot into a logx alert target so warnings
// and errors reach the admin chat.
func (o *Operator) AlertSink(chatID int64) logx.AlertSink {
	return func(line string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Reply(ctx, chatID, line)
	}
}
