package rspc

import (
	"context"
	"time"
)

// RequestObserver allows external packages to hook into the request
// lifecycle. BeforeRequest is called before the procedure runs and may
// enrich the context. AfterRequest is called once the response is known.
type RequestObserver interface {
	BeforeRequest(ctx context.Context, meta RequestMeta) context.Context
	AfterRequest(ctx context.Context, meta RequestMeta, resp Response, elapsed time.Duration)
}

// SubscriptionObserver is notified about the lifecycle of subscriptions.
type SubscriptionObserver interface {
	SubscriptionStarted(meta RequestMeta)
	SubscriptionEvent(meta RequestMeta)
	SubscriptionEnded(meta RequestMeta)
}

type nopObserver struct{}

func (nopObserver) BeforeRequest(ctx context.Context, _ RequestMeta) context.Context { return ctx }
func (nopObserver) AfterRequest(context.Context, RequestMeta, Response, time.Duration) {}
func (nopObserver) SubscriptionStarted(RequestMeta)                                   {}
func (nopObserver) SubscriptionEvent(RequestMeta)                                     {}
func (nopObserver) SubscriptionEnded(RequestMeta)                                     {}
