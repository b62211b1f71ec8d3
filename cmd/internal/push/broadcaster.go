package push

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	v1 "notifyd/contracts/notify/v1"
)

// Canonical notification texts.
const (
	DefaultLink = "LinkParaRedirecionamento.com.br"

	DefaultTitle     = "NOTIFICAÇÕES DE INCONSISTÊNCIAS DA FRENTE DE CAIXA"
	AutoSendTitle    = "ACESSE O SITE PARA VERIFICAR AS INCONSISTÊNCIAS"
	WelcomeTitle     = "LEMBRETE IMPORTANTE"
	linkBlockHeading = "LINK PARA O ACESSO AO SITE ABAIXO"
	welcomeHeading   = "ACESSE O LINK ABAIXO PARA VERIFICAR AS INCONSISTÊNCIAS"
	defaultBodyMark  = "🔗 "
)

// Blank lines push the link block to the bottom of the client popup.
var (
	linkBlockPad = strings.Repeat("\n", 9)
	welcomePad   = strings.Repeat("\n", 13)
)

// BroadcasterOptions configures a Broadcaster.
type BroadcasterOptions struct {
	Link         string
	WriteTimeout time.Duration
	// Parallelism bounds concurrent writes during one fan-out pass.
	Parallelism int
	Clock       clockwork.Clock
	// Record receives one broadcast event per non-empty pass.
	Record func(Event)
}

// Broadcaster sends one notification to every registered session.
type Broadcaster struct {
	log  *slog.Logger
	reg  *Registry
	opts BroadcasterOptions
}

// NewBroadcaster constructs a Broadcaster with defaults for unset options.
func NewBroadcaster(log *slog.Logger, reg *Registry, opts BroadcasterOptions) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(opts.Link) == "" {
		opts.Link = DefaultLink
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultFanoutParallelism
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Broadcaster{log: log, reg: reg, opts: opts}
}

// Link returns the canonical link carried by every notification.
func (b *Broadcaster) Link() string { return b.opts.Link }

// Compose builds the notification for body/title/category.
//
// A non-empty body gets the link block appended; an empty body (or one equal to
// the link) becomes the default link-only body. An empty category means info;
// any other value outside the known categories is rejected with v1.ErrInvalidField.
func (b *Broadcaster) Compose(body, title, category string) (v1.Message, error) {
	if category == "" {
		category = v1.CategoryInfo
	}
	if !v1.ValidCategory(category) {
		return v1.Message{}, fmt.Errorf("%w: notification_type %q", v1.ErrInvalidField, category)
	}

	link := b.opts.Link

	var full string
	if body != "" && body != link {
		full = body + linkBlockPad + linkBlockHeading + "\n" + link
	} else {
		full = defaultBodyMark + link
	}

	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}

	now := b.opts.Clock.Now()
	return v1.NewNotification(NewNotificationID(now), title, full, category, link, now), nil
}

// Welcome builds the notification sent once to every new session.
func (b *Broadcaster) Welcome() v1.Message {
	now := b.opts.Clock.Now()
	body := welcomePad + welcomeHeading + "\n" + b.opts.Link
	return v1.NewNotification(NewNotificationID(now), WelcomeTitle, body, v1.CategoryWarning, b.opts.Link, now)
}

// Send composes a notification and fans it out. It returns the number of
// sessions that accepted the write. Nothing is sent when Compose fails.
func (b *Broadcaster) Send(ctx context.Context, body, title, category string) (int, error) {
	msg, err := b.Compose(body, title, category)
	if err != nil {
		return 0, err
	}
	return b.Broadcast(ctx, msg, TriggerManual), nil
}

// SendDefault sends the link-only notification with the auto-send title.
func (b *Broadcaster) SendDefault(ctx context.Context) int {
	return b.sendDefault(ctx, TriggerManual)
}

func (b *Broadcaster) sendDefault(ctx context.Context, trigger string) int {
	msg, _ := b.Compose("", AutoSendTitle, v1.CategoryWarning)
	return b.Broadcast(ctx, msg, trigger)
}

// Broadcast writes msg to a snapshot of the registry.
//
// Failed sessions are collected during the pass and torn down after it, so
// registry mutation never interleaves with the iteration.
func (b *Broadcaster) Broadcast(ctx context.Context, msg v1.Message, trigger string) int {
	sessions := b.reg.Snapshot()
	if len(sessions) == 0 {
		b.log.Info("broadcast.noop", "reason", "no_clients", "trigger", trigger)
		return 0
	}

	start := b.opts.Clock.Now()

	// The pass completes even if the caller goes away; a cancelled caller must
	// not look like failed clients.
	writeBase := context.WithoutCancel(ctx)

	var (
		ok     atomic.Int64
		mu     sync.Mutex
		failed []*Session
		g      errgroup.Group
	)
	g.SetLimit(b.opts.Parallelism)

	for _, s := range sessions {
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(writeBase, b.opts.WriteTimeout)
			err := s.Send(wctx, msg)
			cancel()

			if err != nil {
				b.log.Info("broadcast.write.fail", "client_id", s.ID, "session_id", s.SessionID, "err", err)
				mu.Lock()
				failed = append(failed, s)
				mu.Unlock()
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range failed {
		s.Close(ReasonWriteFailed)
	}

	sent := int(ok.Load())
	NotificationsSent.WithLabelValues(trigger).Add(float64(sent))
	BroadcastWriteFailures.Add(float64(len(failed)))
	BroadcastDuration.Observe(b.opts.Clock.Since(start).Seconds())

	b.log.Info("broadcast.done",
		"notification_id", msg.ID,
		"trigger", trigger,
		"category", msg.Category,
		"sent", sent,
		"failed", len(failed),
	)

	if b.opts.Record != nil {
		b.opts.Record(Event{
			Kind:   EventBroadcast,
			Detail: trigger,
			Count:  sent,
			At:     start.UTC(),
		})
	}
	return sent
}
