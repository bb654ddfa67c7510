package stream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/munnerz/goautoneg"

	"github.com/kalambet/drinkwatch/internal/broker"
)

// Hub is the subscription side of the event broker.
type Hub interface {
	Subscribe(target uuid.UUID) *broker.Subscription
	Unsubscribe(sub *broker.Subscription) error
}

// Messages returns the events for one connection. Each iteration subscribes
// to hub with target, yields events as they arrive and ends when ctx is done
// or shutdown is closed. The subscription is removed when iteration stops,
// including when the consumer breaks out early.
func Messages(ctx context.Context, hub Hub, target uuid.UUID, shutdown <-chan struct{}) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		follow(ctx, hub, hub.Subscribe(target), shutdown, yield)
	}
}

// follow yields sub's events until ctx, shutdown or the consumer ends it,
// then unsubscribes.
func follow(ctx context.Context, hub Hub, sub *broker.Subscription, shutdown <-chan struct{}, yield func(Message) bool) {
	defer func() {
		if err := hub.Unsubscribe(sub); err != nil {
			slog.Warn("removing stream subscription", "subscription", sub.ID(), "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, broker.ErrSubscriptionClosed) {
				slog.Warn("stream subscription ended", "subscription", sub.ID(), "error", err)
			}
			return
		}
		if !yield(FromEvent(ev)) {
			return
		}
	}
}

// Accepts reports whether the request's Accept header allows an event stream.
func Accepts(r *http.Request) bool {
	return goautoneg.Negotiate(r.Header.Get("Accept"), []string{ContentType}) == ContentType
}

// Serve streams events for target to the client until it disconnects or
// shutdown is closed. Requests that do not accept text/event-stream get 400.
func Serve(w http.ResponseWriter, r *http.Request, hub Hub, target uuid.UUID, shutdown <-chan struct{}) {
	if !Accepts(r) {
		http.Error(w, "event stream requires Accept: "+ContentType, http.StatusBadRequest)
		return
	}

	// Subscribe before the headers go out: a client that has seen the
	// response is already receiving events.
	sub := hub.Subscribe(target)

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Warn("event stream not flushable", "error", err)
	}

	slog.Debug("event stream opened", "remote", r.RemoteAddr, "target", target)
	follow(r.Context(), hub, sub, shutdown, func(msg Message) bool {
		if _, err := w.Write(msg.Encode()); err != nil {
			slog.Debug("event stream write failed", "remote", r.RemoteAddr, "error", err)
			return false
		}
		return rc.Flush() == nil
	})
	slog.Debug("event stream closed", "remote", r.RemoteAddr)
}
