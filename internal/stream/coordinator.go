// Package stream presents one conversation as a single ordered message list,
// merging a REST history page with messages pushed over the chat session.
package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"rdv-chat/internal/api"
	"rdv-chat/internal/chat"
	"rdv-chat/internal/logger"
	"rdv-chat/internal/observe"
	"rdv-chat/internal/session"

	"go.uber.org/zap"
)

var (
	ErrBlankContent = errors.New("message content is blank")
	ErrNotConnected = errors.New("not connected to server")
	ErrClosed       = errors.New("coordinator closed")
)

const markReadTimeout = 10 * time.Second

// Transport is the part of *session.Session the coordinator drives.
type Transport interface {
	Connect(endpoint string)
	Send(conversationID int, content string, messageType chat.MessageType) bool
	Events() (<-chan session.Event, func())
	Disconnect()
}

// HistoryAPI is the part of *api.Client the coordinator calls.
type HistoryAPI interface {
	GetMessages(ctx context.Context, conversationID, userID, limit, offset int) ([]chat.Message, error)
	MarkAsRead(ctx context.Context, conversationID, userID int) error
}

type Config struct {
	UserID         int
	ConversationID int
	// Endpoint is the REST base URL; the session derives the socket URL from it.
	Endpoint string
	PageSize int
	Logger   *logger.Logger
}

// Coordinator owns the message list of one (user, conversation) pair. Every
// change to its state runs on a single loop goroutine.
type Coordinator struct {
	cfg       Config
	transport Transport
	api       HistoryAPI
	log       *logger.Logger

	messages *observe.Value[[]chat.Message]
	loading  *observe.Value[bool]
	lastErr  *observe.Value[string]

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	// inflight counts running history loads; only touched on the loop.
	inflight int

	closeOnce sync.Once
}

// New subscribes to transport and starts the coordinator loop. Call Close to
// release it.
func New(cfg Config, transport Transport, history HistoryAPI) *Coordinator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = api.DefaultPageSize
	}
	log := logger.OrNop(cfg.Logger).With(
		zap.Int("user_id", cfg.UserID),
		zap.Int("conversation_id", cfg.ConversationID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		transport: transport,
		api:       history,
		log:       log,
		messages:  observe.NewValue[[]chat.Message](nil),
		loading:   observe.NewValue(false),
		lastErr:   observe.NewValue(""),
		ctx:       ctx,
		cancel:    cancel,
		ops:       make(chan func()),
		done:      make(chan struct{}),
	}

	events, stop := transport.Events()
	go c.run(events, stop)
	return c
}

// Connect opens the underlying session.
func (c *Coordinator) Connect() {
	c.transport.Connect(c.cfg.Endpoint)
}

// Messages returns a copy of the current list in display order.
func (c *Coordinator) Messages() []chat.Message {
	return slices.Clone(c.messages.Get())
}

// WatchMessages streams list snapshots. Snapshots are shared; do not modify them.
func (c *Coordinator) WatchMessages() (<-chan []chat.Message, func()) {
	return c.messages.Watch()
}

func (c *Coordinator) Loading() bool {
	return c.loading.Get()
}

func (c *Coordinator) WatchLoading() (<-chan bool, func()) {
	return c.loading.Watch()
}

// Err is the latest error meant for the user, or "".
func (c *Coordinator) Err() string {
	return c.lastErr.Get()
}

func (c *Coordinator) WatchErr() (<-chan string, func()) {
	return c.lastErr.Watch()
}

func (c *Coordinator) ClearError() {
	_ = c.exec(context.Background(), func() { c.lastErr.Set("") })
}

// LoadHistory fetches the latest page and replaces the list with it. On
// failure the current list is kept. Overlapping calls are not merged.
func (c *Coordinator) LoadHistory(ctx context.Context) error {
	err := c.exec(ctx, func() {
		c.inflight++
		c.loading.Set(true)
		c.lastErr.Set("")
	})
	if err != nil {
		return err
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	msgs, fetchErr := c.api.GetMessages(fetchCtx, c.cfg.ConversationID, c.cfg.UserID, c.cfg.PageSize, 0)
	stop()
	cancel()

	err = c.exec(context.Background(), func() {
		c.inflight--
		c.loading.Set(c.inflight > 0)
		if fetchErr != nil {
			c.lastErr.Set(fmt.Sprintf("failed to load messages: %v", fetchErr))
			return
		}
		ordered := chat.Reversed(msgs)
		if !chat.IsChronological(ordered) {
			chat.SortChronological(ordered)
		}
		c.messages.Set(ordered)
	})
	if err != nil {
		return err
	}
	if fetchErr != nil {
		c.log.Errorf("loading history failed: %v", fetchErr)
		return fmt.Errorf("load history: %w", fetchErr)
	}
	c.log.Debugf("loaded %d messages", len(msgs))
	return nil
}

// Send posts content as a text message. The message shows up in the list
// only when the gateway pushes it back.
func (c *Coordinator) Send(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrBlankContent
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if !c.transport.Send(c.cfg.ConversationID, content, chat.MessageTypeText) {
		_ = c.exec(context.Background(), func() {
			c.lastErr.Set(ErrNotConnected.Error())
		})
		return ErrNotConnected
	}
	return nil
}

// Close stops the loop, waits for background calls and disconnects the
// session. No state changes after it returns.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		c.wg.Wait()
		c.transport.Disconnect()
		c.log.Debugf("coordinator closed")
	})
}

func (c *Coordinator) run(events <-chan session.Event, stopEvents func()) {
	defer close(c.done)
	defer stopEvents()

	for {
		select {
		case <-c.ctx.Done():
			return
		case op := <-c.ops:
			op()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEvent(ev)
		}
	}
}

// exec runs fn on the loop and waits for it.
func (c *Coordinator) exec(ctx context.Context, fn func()) error {
	applied := make(chan struct{})
	op := func() {
		fn()
		close(applied)
	}

	select {
	case c.ops <- op:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-applied
	return nil
}

func (c *Coordinator) handleEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventMessage:
		msg := ev.Message
		if msg.ConversationID != c.cfg.ConversationID {
			return
		}
		current := c.messages.Get()
		next := make([]chat.Message, 0, len(current)+1)
		next = append(next, current...)
		next = append(next, msg)
		c.messages.Set(next)

		if msg.SenderID != c.cfg.UserID {
			c.markAsRead()
		}
	case session.EventServerError:
		c.lastErr.Set(ev.Text)
	case session.EventParseError:
		c.log.Debugf("session dropped a frame: %s", ev.Text)
	}
}

// markAsRead is best effort: failures are logged and never retried.
func (c *Coordinator) markAsRead() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, markReadTimeout)
		defer cancel()
		if err := c.api.MarkAsRead(ctx, c.cfg.ConversationID, c.cfg.UserID); err != nil {
			c.log.Warnf("mark as read failed: %v", err)
		}
	}()
}
