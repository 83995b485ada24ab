// Package mqtt implements the MQTT Transport (§4.3): the single
// publish/subscribe surface every other component talks to, built over
// gonzalop/mq. It adds three things the raw client doesn't give you:
// small-batch coalescing for non-critical traffic, a bounded offline
// queue that survives a broker outage, and subscription re-declaration
// on every reconnect.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gonzalop/mq"

	"github.com/Rjrtgarcia/consultease/internal/telemetry"
)

// Handler processes one inbound message on a subscribed topic.
type Handler func(topic string, payload []byte)

type subscription struct {
	topic   string
	qos     mq.QoS
	handler Handler
}

type queuedMessage struct {
	topic    string
	payload  []byte
	qos      mq.QoS
	retain   bool
	critical bool
	attempts int
}

// Config holds the transport's tunables, sourced from the application
// config so they can be changed without a code edit.
type Config struct {
	BrokerURL        string
	ClientID         string
	Username         string
	Password         string
	BatchSize        int
	BatchTimeout     time.Duration
	OfflineQueueSize int
}

// Transport is the MQTT Transport.
type Transport struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	client *mq.Client

	subsMu sync.Mutex
	subs   []subscription

	batchMu sync.Mutex
	batch   []queuedMessage

	offlineMu    sync.Mutex
	offlineQueue []queuedMessage

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Transport. Call Start to dial the broker.
func New(cfg Config, log *slog.Logger) *Transport {
	return &Transport{cfg: cfg, log: log}
}

// Connected reports whether Start has completed a dial and not yet been
// stopped. gonzalop/mq exposes no live connection-state query beyond the
// onConnectionLost callback, so this is a coarse liveness proxy — it
// does not flip false on a transient reconnect the client's own
// auto-reconnect absorbs, only for the duration the transport holds no
// client at all (before the first dial, or after Stop).
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil
}

// Start dials the broker, retrying with exponential backoff (capped at
// 60s) until ctx is cancelled, then launches the batch-flush loop. Each
// call gets its own stop/done channel pair so a Transport can be
// restarted by the System Coordinator after a prior Stop.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		client, err := mq.DialContext(ctx, t.cfg.BrokerURL,
			mq.WithClientID(t.cfg.ClientID),
			mq.WithCredentials(t.cfg.Username, t.cfg.Password),
			mq.WithAutoReconnect(true),
			mq.WithKeepAlive(30*time.Second),
			mq.WithOnConnect(t.onConnect),
			mq.WithOnConnectionLost(t.onConnectionLost),
			mq.WithWill("consultease/status", []byte("offline"), uint8(mq.AtLeastOnce), true),
		)
		if err != nil {
			telemetry.MQTTReconnectsTotal.Inc()
			return err
		}
		t.mu.Lock()
		t.client = client
		t.mu.Unlock()
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("dialing mqtt broker: %w", err)
	}

	go t.flushLoop(ctx)
	return nil
}

// onConnect re-declares every registered subscription and drains the
// offline queue. It runs on every (re)connect, not just the first.
func (t *Transport) onConnect(client *mq.Client) {
	t.subsMu.Lock()
	subs := append([]subscription(nil), t.subs...)
	t.subsMu.Unlock()

	for _, s := range subs {
		if tok := client.Subscribe(s.topic, s.qos, t.wrapHandler(s.handler)); tok != nil {
			_ = tok.Wait(context.Background())
		}
	}

	t.drainOffline(context.Background())
}

func (t *Transport) onConnectionLost(_ *mq.Client, err error) {
	if t.log != nil {
		t.log.Warn("mqtt connection lost", "error", err)
	}
	telemetry.MQTTReconnectsTotal.Inc()
}

func (t *Transport) wrapHandler(h Handler) mq.MessageHandler {
	return func(_ *mq.Client, msg mq.Message) {
		h(msg.Topic, msg.Payload)
	}
}

// Subscribe registers a handler for topic and declares it immediately if
// connected. The registration survives reconnects.
func (t *Transport) Subscribe(topic string, qos mq.QoS, h Handler) error {
	t.subsMu.Lock()
	t.subs = append(t.subs, subscription{topic: topic, qos: qos, handler: h})
	t.subsMu.Unlock()

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	tok := client.Subscribe(topic, qos, t.wrapHandler(h))
	if tok == nil {
		return nil
	}
	return tok.Wait(context.Background())
}

// Publish sends payload to topic. Critical messages bypass the batch
// buffer and are attempted immediately; everything else is coalesced
// into batches of up to BatchSize, flushed every BatchTimeout. A message
// that can't be sent because the client is disconnected is pushed onto
// the bounded offline queue instead of being dropped.
func (t *Transport) Publish(topic string, payload []byte, qos mq.QoS, retain, critical bool) error {
	msg := queuedMessage{topic: topic, payload: payload, qos: qos, retain: retain, critical: critical}

	if critical {
		return t.send(msg)
	}

	t.batchMu.Lock()
	t.batch = append(t.batch, msg)
	full := len(t.batch) >= t.cfg.BatchSize
	t.batchMu.Unlock()

	if full {
		t.flush()
	}
	return nil
}

func (t *Transport) flushLoop(ctx context.Context) {
	defer close(t.doneCh)
	interval := t.cfg.BatchTimeout
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.flush()
		}
	}
}

func (t *Transport) flush() {
	t.batchMu.Lock()
	pending := t.batch
	t.batch = nil
	t.batchMu.Unlock()

	for _, m := range pending {
		if err := t.send(m); err != nil && t.log != nil {
			t.log.Warn("batched publish failed", "topic", m.topic, "error", err)
		}
	}
}

// send performs one publish attempt. A disconnected client routes the
// message to the offline queue rather than returning an error up to the
// caller, since the caller has already moved on by the time delivery
// resolves.
func (t *Transport) send(m queuedMessage) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		t.enqueueOffline(m)
		return nil
	}

	opts := []mq.PublishOption{mq.WithQoS(m.qos)}
	if m.retain {
		opts = append(opts, mq.WithRetain(true))
	}
	tok := client.Publish(m.topic, m.payload, opts...)
	if tok == nil {
		t.enqueueOffline(m)
		return nil
	}

	lane := "batched"
	if m.critical {
		lane = "critical"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tok.Wait(ctx); err != nil {
		t.enqueueOffline(m)
		return err
	}
	telemetry.MQTTPublishedTotal.WithLabelValues(lane).Inc()
	return nil
}

// enqueueOffline appends to the bounded offline queue, evicting the
// oldest entry when full so the newest sighting always has room. A
// message that has already used its 3 drain attempts is dropped instead.
func (t *Transport) enqueueOffline(m queuedMessage) {
	if m.attempts >= 3 {
		return
	}
	t.offlineMu.Lock()
	defer t.offlineMu.Unlock()

	if len(t.offlineQueue) >= t.cfg.OfflineQueueSize {
		t.offlineQueue = t.offlineQueue[1:]
		telemetry.MQTTOfflineQueueEvictionsTotal.Inc()
	}
	t.offlineQueue = append(t.offlineQueue, m)
}

// drainOffline retries every queued message up to 3 attempts each. A
// message that exhausts its attempts is dropped; the reconnect that
// triggers this call already means the system is catching up, not
// recovering a single lost message.
func (t *Transport) drainOffline(ctx context.Context) {
	t.offlineMu.Lock()
	pending := t.offlineQueue
	t.offlineQueue = nil
	t.offlineMu.Unlock()

	for _, m := range pending {
		m.attempts++
		// A failed send re-queues m itself via enqueueOffline.
		_ = t.send(m)
	}
}

// Stop halts the flush loop and disconnects from the broker, clearing
// the client so a subsequent Start can dial fresh.
func (t *Transport) Stop() error {
	close(t.stopCh)
	<-t.doneCh

	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Disconnect(context.Background())
}
