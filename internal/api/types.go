package api

// Wire types for the feed server's HTTP API. Field names follow the
// server's JSON verbatim.

// ServerConfig is the response of GET /api/config.
type ServerConfig struct {
	Vapid VapidConfig `json:"vapid"`
}

type VapidConfig struct {
	// PublicKey is the base64url-encoded public bytes of the server's
	// active signing key. Clients never see more than this.
	PublicKey string `json:"public_key"`
}

// Post is the response of GET /api/posts/{id}.
type Post struct {
	ID          string `json:"id"`
	FeedID      string `json:"feed_id"`
	Title       string `json:"title"`
	PostTime    string `json:"post_time"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content,omitempty"`
	URL         string `json:"url"`
}

// Feed is the response of GET /api/feeds/{id}.
type Feed struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// PushSubscription is the request body of POST /api/push_subscriptions.
// The server registry is keyed by Endpoint, which makes submission
// idempotent: re-posting the same endpoint is a no-op.
type PushSubscription struct {
	Subscription SubscriptionBody `json:"subscription"`
	Encodings    []string         `json:"encodings"`
}

type SubscriptionBody struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

type SubscriptionKeys struct {
	Auth   string `json:"auth"`
	P256dh string `json:"p256dh"`
}
