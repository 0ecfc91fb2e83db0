// Package matrix connects the bot to Matrix rooms through mautrix-go. Each
// room is one channel: its text messages are delivered to a Handler, and
// replies and typing notifications are sent back to it.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Name is how people address the bot in plain text ("@name", "name:").
	// Defaults to the localpart of UserID.
	Name string
	// Rooms are joined at startup.
	Rooms []string
	// AutoJoin accepts room invites addressed to the bot.
	AutoJoin bool
	// DB persists the sync position across restarts. When nil an in-memory
	// store is used and messages older than startup are ignored.
	DB *sql.DB
	// TypingDelay postpones the typing notification so fast replies never
	// show one. Default: 2s.
	TypingDelay time.Duration
	// TypingTimeout is the server-side lifetime of one typing notification;
	// it is refreshed at half that interval. Default: 30s.
	TypingTimeout time.Duration
	Logger        *slog.Logger
}

// Handler processes one inbound message.
type Handler func(ctx context.Context, in Inbound)

// Client is the bot's Matrix connection.
type Client struct {
	mxc     *mautrix.Client
	cfg     Config
	self    id.UserID
	logger  *slog.Logger
	started time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a client but does not start syncing.
func New(cfg Config) (*Client, error) {
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TypingDelay <= 0 {
		cfg.TypingDelay = 2 * time.Second
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 30 * time.Second
	}
	self := id.UserID(cfg.UserID)
	if cfg.Name == "" {
		cfg.Name = localpart(self)
	}

	c := &Client{
		mxc:    mxc,
		cfg:    cfg,
		self:   self,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
	}
	if cfg.DB != nil {
		mxc.Store = NewDBSyncStore(cfg.DB)
		c.logger.Info("matrix: using persistent sync store")
	} else {
		c.logger.Warn("matrix: no DB configured, using in-memory sync store (older messages are ignored)")
	}
	return c, nil
}

// Name returns how the bot is addressed in plain text.
func (c *Client) Name() string { return c.cfg.Name }

// UserID returns the bot's Matrix ID.
func (c *Client) UserID() string { return c.self.String() }

// Start joins the configured rooms and runs the sync loop in the background,
// reconnecting with exponential back-off until Stop is called or ctx ends.
func (c *Client) Start(ctx context.Context, handler Handler) error {
	c.started = time.Now()
	c.logger.Warn("matrix: E2EE is not enabled; only unencrypted rooms are readable")

	syncer, ok := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, func(evCtx context.Context, evt *event.Event) {
		c.dispatch(ctx, evt, handler)
	})
	if c.cfg.AutoJoin {
		syncer.OnEventType(event.StateMember, func(evCtx context.Context, evt *event.Event) {
			c.handleInvite(ctx, evt)
		})
	}

	for _, room := range c.cfg.Rooms {
		if err := c.join(ctx, id.RoomID(room)); err != nil {
			return fmt.Errorf("matrix: join %s: %w", room, err)
		}
	}

	go c.syncLoop(ctx)
	return nil
}

func (c *Client) syncLoop(ctx context.Context) {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.mxc.SyncWithContext(ctx)
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err == nil {
			return
		}
		c.logger.Error("matrix: sync stopped, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop halts the sync loop. Safe to call multiple times.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mxc.StopSync()
	})
}

func (c *Client) dispatch(ctx context.Context, evt *event.Event, handler Handler) {
	in, ok := toInbound(evt, c.self, c.cfg.Name)
	if !ok {
		return
	}
	if c.cfg.DB == nil && in.SentAt.Before(c.started) {
		return
	}
	handler(ctx, in)
}

func (c *Client) handleInvite(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.self.String() {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if err := c.join(ctx, evt.RoomID); err != nil {
		c.logger.Warn("matrix: accept invite failed", "room_id", evt.RoomID, "err", err)
		return
	}
	c.logger.Info("matrix: joined room on invite", "room_id", evt.RoomID, "inviter", evt.Sender)
}

// join joins a room. M_FORBIDDEN (already a member or not allowed) is
// logged and ignored.
func (c *Client) join(ctx context.Context, roomID id.RoomID) error {
	_, err := c.mxc.JoinRoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			c.logger.Warn("matrix: join forbidden, continuing", "room_id", roomID)
			return nil
		}
		return err
	}
	return nil
}

// SendReply sends text to the room as an m.text message.
func (c *Client) SendReply(ctx context.Context, roomID, text string) error {
	if _, err := c.mxc.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("matrix: send message: %w", err)
	}
	return nil
}

// MemberCount returns the number of users joined to the room, the bot
// included.
func (c *Client) MemberCount(ctx context.Context, roomID string) (int, error) {
	resp, err := c.mxc.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return 0, fmt.Errorf("matrix: joined members: %w", err)
	}
	return len(resp.Joined), nil
}

// StartTyping shows the typing indicator in the room after TypingDelay and
// keeps it alive until the returned stop function is called. stop is
// idempotent and waits for the indicator to be cleared.
func (c *Client) StartTyping(ctx context.Context, roomID string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	room := id.RoomID(roomID)

	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.TypingDelay):
		}

		c.setTyping(ctx, room, true)
		ticker := time.NewTicker(c.cfg.TypingTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// ctx is already cancelled; clearing must still reach the server.
				clearCtx, clearCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				c.setTyping(clearCtx, room, false)
				clearCancel()
				return
			case <-ticker.C:
				c.setTyping(ctx, room, true)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (c *Client) setTyping(ctx context.Context, room id.RoomID, typing bool) {
	if _, err := c.mxc.UserTyping(ctx, room, typing, c.cfg.TypingTimeout); err != nil {
		c.logger.Debug("matrix: set typing failed", "room_id", room, "typing", typing, "err", err)
	}
}
