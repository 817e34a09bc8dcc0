// Package resolve turns a content reference into everything a
// notification needs, by joining the post with its feed.
//
// Resolution is deliberately uncached: every wake event re-fetches both
// records so the notification always reflects current server state.
// Either fetch failing fails the whole resolve; a lost notification is
// preferred over a partial, confusing one.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"feedpush/internal/api"
	"feedpush/internal/wake"
	logx "feedpush/pkg/logx"
)

// ErrorKind classifies a resolve failure.
type ErrorKind int

const (
	Network ErrorKind = iota
	NotFound
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Timeout:
		return "timeout"
	default:
		return "network"
	}
}

type Error struct {
	Kind ErrorKind
	err  error
}

func (e *Error) Error() string { return fmt.Sprintf("resolve (%s): %v", e.Kind, e.err) }
func (e *Error) Unwrap() error { return e.err }

// Content is the fully joined material for one notification.
type Content struct {
	PostID       string
	Title        string
	FeedTitle    string
	Snippet      string
	ThumbnailURL string
	ClickURL     string
	PostTime     time.Time
}

// Resolver fetches post + feed for a wake reference.
type Resolver struct {
	api        *api.Client
	timeout    time.Duration
	snippetLen int
	log        logx.Logger
}

// New creates a resolver. timeout is the fixed ceiling for the whole
// post+feed join; background activations run under a hard wall-clock
// budget, so exceeding the ceiling fails the resolve instead of hanging.
// snippetLen bounds the derived notification body in runes.
func New(c *api.Client, timeout time.Duration, snippetLen int, log logx.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if snippetLen <= 0 {
		snippetLen = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{api: c, timeout: timeout, snippetLen: snippetLen, log: log}
}

// Resolve fetches the post, then its feed, and joins them. No partial
// result is ever returned.
func (r *Resolver) Resolve(ctx context.Context, ref wake.ContentRef) (*Content, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	post, err := r.api.Post(ctx, ref.PostID)
	if err != nil {
		return nil, r.fail("post fetch failed", ref.PostID, err)
	}

	feed, err := r.api.Feed(ctx, post.FeedID)
	if err != nil {
		return nil, r.fail("feed fetch failed", ref.PostID, err)
	}

	c := &Content{
		PostID:       post.ID,
		Title:        post.Title,
		FeedTitle:    feed.Title,
		Snippet:      Snippet(post, r.snippetLen),
		ThumbnailURL: post.Thumbnail,
		ClickURL:     post.URL,
	}
	if ts, err := time.Parse(time.RFC3339, post.PostTime); err == nil {
		c.PostTime = ts
	}
	return c, nil
}

func (r *Resolver) fail(msg, postID string, err error) error {
	kind := classify(err)
	r.log.Debug(msg,
		logx.String("post_id", postID),
		logx.String("kind", kind.String()),
		logx.Err(err))
	return &Error{Kind: kind, err: err}
}

func classify(err error) ErrorKind {
	var se *api.StatusError
	if errors.As(err, &se) && se.Code == 404 {
		return NotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	return Network
}

// Snippet derives the notification body from a post: description when
// present, content otherwise, markup stripped, truncated at a rune
// boundary.
func Snippet(p *api.Post, limit int) string {
	src := strings.TrimSpace(p.Description)
	if src == "" {
		src = strings.TrimSpace(p.Content)
	}
	src = stripTags(src)
	if limit > 0 {
		runes := []rune(src)
		if len(runes) > limit {
			src = strings.TrimSpace(string(runes[:limit])) + "…"
		}
	}
	return src
}

// stripTags removes anything tag-shaped and collapses whitespace. Feed
// descriptions are frequently HTML fragments; OS notifications want
// plain text.
func stripTags(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
