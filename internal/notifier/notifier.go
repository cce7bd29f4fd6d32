package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

var (
	ErrNoSender    = errors.New("notifier has no sender")
	ErrRateLimited = errors.New("notifier rate limit wait aborted")
	ErrPanic       = errors.New("notifier panicked")
)

// Notifier delivers one reminder message to its owner.
type Notifier interface {
	Deliver(ctx context.Context, ownerID string, msg reminder.Message) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ownerID string, msg reminder.Message) error

func (f Func) Deliver(ctx context.Context, ownerID string, msg reminder.Message) error {
	return f(ctx, ownerID, msg)
}

// Sender is the transport capability the Service needs.
type Sender interface {
	SendText(ctx context.Context, ownerID, text string) error
}

// SafeDeliver calls n and converts a panic into an error wrapping ErrPanic.
func SafeDeliver(ctx context.Context, n Notifier, ownerID string, msg reminder.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return n.Deliver(ctx, ownerID, msg)
}

// Log writes deliveries to a logger instead of a chat. Used for dry runs.
type Log struct {
	Logger logx.Logger
}

func (l Log) Deliver(_ context.Context, ownerID string, msg reminder.Message) error {
	l.Logger.Info("reminder delivered (log)",
		logx.String("owner", ownerID),
		logx.String("task", msg.Label),
		logx.Time("fire_at", msg.FireAt),
	)
	return nil
}

// Writer prints rendered messages, one block per delivery.
type Writer struct {
	mu sync.Mutex
	W  io.Writer
}

func (w *Writer) Deliver(_ context.Context, ownerID string, msg reminder.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.W, "-> %s\n%s\n\n", ownerID, msg.Render())
	return err
}
