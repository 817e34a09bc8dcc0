// Package notify renders OS notifications for resolved posts.
//
// Rendering is idempotent per post: the notification id used for a post
// is remembered (in the store when available, in-process otherwise) and
// passed back to the platform as the replacement target, so repeated
// wake events collapse to one visible notification with the latest
// content winning.
package notify

import (
	"context"
	"sync"

	"feedpush/internal/resolve"
	"feedpush/internal/store"
	logx "feedpush/pkg/logx"
)

// Notification is the platform-facing shape of one rendered alert.
type Notification struct {
	Title     string
	Body      string
	IconURL   string
	ActionURL string
}

// sender is the platform delivery primitive. Send returns the platform
// notification id; passing a previous id as replacesID replaces that
// notification instead of adding a new one.
type sender interface {
	Send(ctx context.Context, n Notification, replacesID uint32) (uint32, error)
	Close(ctx context.Context, id uint32) error
}

// Renderer turns resolved content into visible notifications.
type Renderer struct {
	s   sender
	st  store.Store // may be nil
	log logx.Logger

	mu    sync.Mutex
	local map[string]uint32 // post id -> notification id, in-process fallback
}

// New creates a renderer delivering over the session bus.
func New(st store.Store, log logx.Logger) *Renderer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return newWithSender(newDBusSender(log), st, log)
}

func newWithSender(s sender, st store.Store, log logx.Logger) *Renderer {
	return &Renderer{
		s:     s,
		st:    st,
		log:   log.With(logx.String("comp", "notify")),
		local: map[string]uint32{},
	}
}

// Render shows (or replaces) the notification for the given content.
func (r *Renderer) Render(ctx context.Context, c *resolve.Content) error {
	n := Notification{
		Title:     c.Title,
		Body:      c.Snippet,
		IconURL:   c.ThumbnailURL,
		ActionURL: c.ClickURL,
	}
	if c.FeedTitle != "" {
		// Freedesktop notifications have no subtitle slot; the feed
		// title leads the body instead.
		if n.Body != "" {
			n.Body = c.FeedTitle + " — " + n.Body
		} else {
			n.Body = c.FeedTitle
		}
	}

	replaces := r.lookupID(ctx, c.PostID)

	id, err := r.s.Send(ctx, n, replaces)
	if err != nil {
		r.log.Warn("notification send failed",
			logx.String("post_id", c.PostID),
			logx.Err(err))
		return err
	}
	r.rememberID(ctx, c.PostID, id)

	r.log.Debug("notification rendered",
		logx.String("post_id", c.PostID),
		logx.Bool("replaced", replaces != 0))
	return nil
}

// Start runs the click listener until ctx is done. Activation opens the
// click target and dismisses the notification; platforms without a
// listener (stub sender) return immediately.
func (r *Renderer) Start(ctx context.Context) error {
	l, ok := r.s.(interface{ Listen(ctx context.Context) error })
	if !ok {
		<-ctx.Done()
		return nil
	}
	return l.Listen(ctx)
}

func (r *Renderer) lookupID(ctx context.Context, postID string) uint32 {
	if r.st != nil {
		if id, ok, err := r.st.NotificationID(ctx, postID); err == nil && ok {
			return id
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local[postID]
}

func (r *Renderer) rememberID(ctx context.Context, postID string, id uint32) {
	r.mu.Lock()
	r.local[postID] = id
	r.mu.Unlock()
	if r.st != nil {
		if err := r.st.PutNotificationID(ctx, postID, id); err != nil {
			r.log.Debug("persisting notification id failed", logx.Err(err))
		}
	}
}
