// Package telegram connects the command layer and the notifier to the
// Telegram Bot API through telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"remindbot/internal/commands"
	logx "remindbot/pkg/logx"
)

// MaxMessageLen is Telegram's limit for one text message, in UTF-16 units.
// Splitting on runes below it keeps us safe for the common planes.
const MaxMessageLen = 4000

type Config struct {
	Token       string
	PollTimeout time.Duration
	// HandleTimeout bounds one command, store calls included.
	HandleTimeout time.Duration
}

// Handler is the command layer.
type Handler interface {
	Handle(ctx context.Context, ownerID, text string) string
}

type Adapter struct {
	cfg     Config
	bot     *tele.Bot
	handler Handler
	log     logx.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New connects to Telegram (getMe) and returns an adapter that is not yet
// polling.
func New(cfg Config, handler Handler, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"))
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		Client: &http.Client{Timeout: cfg.PollTimeout + 10*time.Second},
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	return &Adapter{cfg: cfg, bot: b, handler: handler, log: log, ready: make(chan struct{})}, nil
}

// Ready is closed once the adapter polls for updates and can send.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// Username is the bot's @name as reported by getMe.
func (a *Adapter) Username() string {
	if a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if c.Chat() == nil {
			return nil
		}
		owner := strconv.FormatInt(c.Chat().ID, 10)
		hctx, cancel := context.WithTimeout(rctx, a.cfg.HandleTimeout)
		defer cancel()
		reply := a.handler.Handle(hctx, owner, c.Text())
		if reply == "" {
			return nil
		}
		for _, part := range Split(reply, MaxMessageLen) {
			if err := c.Send(part); err != nil {
				return err
			}
		}
		return nil
	})

	if err := a.setMenu(); err != nil {
		a.log.Warn("set bot commands failed", logx.Err(err))
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		<-rctx.Done()
		a.bot.Stop()
	}()
	go func() {
		defer a.wg.Done()
		a.log.Info("polling started", logx.String("bot", a.Username()))
		a.readyOnce.Do(func() { close(a.ready) })
		a.bot.Start()
		a.log.Info("polling stopped")
	}()
	return nil
}

func (a *Adapter) setMenu() error {
	cmds := make([]tele.Command, 0, len(commands.Catalog))
	for _, c := range commands.Catalog {
		cmds = append(cmds, tele.Command{Text: c.Name, Description: c.Description})
	}
	return a.bot.SetCommands(cmds)
}

// Stop ends polling. Long polls are abandoned after a short grace period.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	wasRunning := a.running
	a.running = false
	a.mu.Unlock()
	if !wasRunning {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	grace := time.NewTimer(2 * time.Second)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
		a.log.Warn("telegram stop grace elapsed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText delivers text to the chat identified by ownerID.
func (a *Adapter) SendText(ctx context.Context, ownerID, text string) error {
	chatID, err := ParseChatID(ownerID)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() {
		chat := &tele.Chat{ID: chatID}
		for _, part := range Split(text, MaxMessageLen) {
			if _, err := a.bot.Send(chat, part); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseChatID converts an owner id back to a Telegram chat id.
func ParseChatID(ownerID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(ownerID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("owner %q is not a telegram chat id", ownerID)
	}
	return id, nil
}

// Split cuts text into chunks of at most max runes, preferring line breaks.
func Split(text string, max int) []string {
	r := []rune(text)
	if max <= 0 || len(r) <= max {
		return []string{text}
	}
	var out []string
	for len(r) > max {
		cut := max
		for i := max; i > max/2; i-- {
			if r[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimRight(string(r[:cut]), "\n"))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
