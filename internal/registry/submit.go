// Package registry pushes endpoint descriptors into the server's
// subscription registry.
//
// Submission is fire-once: the server keys its registry by endpoint URL,
// so duplicates are no-ops, and there is deliberately no local retry
// loop. Callers decide whether a Network failure is worth retrying;
// Rejected failures never are without changing the payload.
package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"feedpush/internal/api"
	"feedpush/internal/subscription"
	logx "feedpush/pkg/logx"
)

// ErrorKind classifies a submission failure.
type ErrorKind int

const (
	// Network is a transient failure (connection error, timeout, 5xx).
	// The caller may retry the same payload later.
	Network ErrorKind = iota

	// Rejected means the server refused the payload (4xx). Retrying
	// unchanged cannot succeed.
	Rejected
)

func (k ErrorKind) String() string {
	if k == Rejected {
		return "rejected"
	}
	return "network"
}

type SubmitError struct {
	Kind ErrorKind
	err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit (%s): %v", e.Kind, e.err)
}

func (e *SubmitError) Unwrap() error { return e.err }

// Submitter registers endpoint descriptors with the feed server.
type Submitter struct {
	api *api.Client
	log logx.Logger
}

func NewSubmitter(c *api.Client, log logx.Logger) *Submitter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Submitter{api: c, log: log}
}

// Submit pushes the descriptor to the server registry. A failed Submit
// never rolls back local subscribe state; local state stays authoritative
// for "ready to receive" and the server catches up on the next attempt.
func (s *Submitter) Submit(ctx context.Context, d *subscription.Descriptor) error {
	if d == nil {
		return &SubmitError{Kind: Rejected, err: errors.New("nil descriptor")}
	}
	if d.URL == "" {
		return &SubmitError{Kind: Rejected, err: errors.New("descriptor has no endpoint url")}
	}

	sub := api.PushSubscription{
		Subscription: api.SubscriptionBody{
			Endpoint: d.URL,
			Keys: api.SubscriptionKeys{
				Auth:   base64.RawURLEncoding.EncodeToString(d.AuthSecret),
				P256dh: base64.RawURLEncoding.EncodeToString(d.PublicKey),
			},
		},
		Encodings: d.Encodings,
	}

	if err := s.api.SubmitSubscription(ctx, sub); err != nil {
		kind := classify(err)
		s.log.Warn("subscription submit failed",
			logx.String("endpoint", d.URL),
			logx.String("kind", kind.String()),
			logx.Err(err))
		return &SubmitError{Kind: kind, err: err}
	}

	s.log.Info("subscription submitted",
		logx.String("transport", string(d.Transport)),
		logx.String("endpoint", d.URL))
	return nil
}

func classify(err error) ErrorKind {
	var se *api.StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		return Rejected
	}
	return Network
}
