package approval

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// WebPushChannel pages subscribed browsers over the Web Push protocol.
// Subscriptions are held in memory and die with the process, so the VAPID
// pair is minted fresh at startup rather than persisted. VAPIDPublicKey and
// Subscribe are the whole subscription surface; the HTTP server exposes
// neither, so nothing in this repository registers a subscription.
type WebPushChannel struct {
	logger       *slog.Logger
	vapidPrivate string
	vapidPublic  string
	subscriber   string

	mu   sync.Mutex
	subs map[string]*webpush.Subscription // keyed by endpoint
}

func NewWebPushChannel(logger *slog.Logger) (*WebPushChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("generate vapid keys: %w", err)
	}
	return &WebPushChannel{
		logger:       logger,
		vapidPrivate: priv,
		vapidPublic:  pub,
		subscriber:   "mailto:muxgate@localhost",
		subs:         make(map[string]*webpush.Subscription),
	}, nil
}

// VAPIDPublicKey is what a browser needs to create a push subscription
// against this process.
func (c *WebPushChannel) VAPIDPublicKey() string { return c.vapidPublic }

func (c *WebPushChannel) Subscribe(sub *webpush.Subscription) {
	c.mu.Lock()
	c.subs[sub.Endpoint] = sub
	c.mu.Unlock()
}

func (c *WebPushChannel) Unsubscribe(endpoint string) {
	c.mu.Lock()
	delete(c.subs, endpoint)
	c.mu.Unlock()
}

// Notify implements Channel by pushing message to every subscribed browser.
// An endpoint answering 404 or 410 no longer exists and is dropped, so
// later notifies stop paying for it.
func (c *WebPushChannel) Notify(ctx context.Context, message string) error {
	c.mu.Lock()
	subs := make([]*webpush.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var lastErr error
	for _, sub := range subs {
		resp, err := webpush.SendNotificationWithContext(ctx, []byte(message), sub, &webpush.Options{
			VAPIDPublicKey:  c.vapidPublic,
			VAPIDPrivateKey: c.vapidPrivate,
			Subscriber:      c.subscriber,
		})
		if err != nil {
			lastErr = err
			c.logger.Debug("approval push send failed", "endpoint", sub.Endpoint, "err", err)
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			c.logger.Debug("approval push subscription gone", "endpoint", sub.Endpoint)
			c.Unsubscribe(sub.Endpoint)
		}
		resp.Body.Close()
	}
	return lastErr
}
