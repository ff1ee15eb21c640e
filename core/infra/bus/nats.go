package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/tlsenv"
)

// Bus is the publish/subscribe surface the services depend on.
type Bus interface {
	Publish(subject string, v any) error
	Subscribe(subject, queue string, handler func(data []byte) error) error
}

// NatsBus is a thin wrapper over a NATS connection that speaks JSON.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
}

var _ Bus = (*NatsBus)(nil)

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultAckWait = 10 * time.Minute
	defaultMaxAge  = 7 * 24 * time.Hour
	dedupeWindow   = 2 * time.Minute
	maxAckPending  = 2048

	streamEvents = "PINGUP_EVENTS"

	// SubjectEvents carries published domain events; consumed by the workflow engine.
	SubjectEvents = "pingup.events.>"
	// SubjectLive carries live pushes fanned out to every gateway replica.
	SubjectLive = "pingup.live.>"

	eventPrefix = "pingup.events."
	livePrefix  = "pingup.live."

	busComponent = "bus"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilPayload = errors.New("nil bus payload")
	errEmptyTopic = errors.New("empty subject")
)

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("pingup-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn(busComponent, "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info(busComponent, "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info(busComponent, "connection closed")
		}),
	}
	tlsConfig, err := tlsenv.Load("NATS", nil)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.enableJetStream()
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// EventSubject is the subject a named domain event is published on.
func EventSubject(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return eventPrefix + name
}

// LiveSubject is the subject live pushes for one user are published on.
func LiveSubject(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ""
	}
	return livePrefix + userID
}

// UserFromLiveSubject is the inverse of LiveSubject.
func UserFromLiveSubject(subject string) string {
	if !strings.HasPrefix(subject, livePrefix) {
		return ""
	}
	return strings.TrimPrefix(subject, livePrefix)
}

// Publish sends v JSON-encoded on subject.
func (b *NatsBus) Publish(subject string, v any) error {
	return b.PublishWithID(subject, "", v)
}

// PublishWithID publishes with an explicit message id; JetStream drops
// duplicates carrying the same id within its dedupe window.
func (b *NatsBus) PublishWithID(subject, msgID string, v any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if v == nil {
		return errNilPayload
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode bus payload: %w", err)
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if id := computeMsgID(subject, msgID); id != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(id))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe hands every message on subject to handler. Event subjects are
// consumed through a durable JetStream consumer when JetStream is enabled;
// live subjects are always plain core NATS.
func (b *NatsBus) Subscribe(subject, queue string, handler func([]byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	if b.jsEnabled && isDurableSubject(subject) {
		return b.subscribeDurable(subject, queue, handler)
	}
	cb := func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			logging.Warn(busComponent, "handler error", "subject", msg.Subject, "error", err)
		}
	}
	var err error
	if queue == "" {
		_, err = b.nc.Subscribe(subject, cb)
	} else {
		_, err = b.nc.QueueSubscribe(subject, queue, cb)
	}
	return err
}

func (b *NatsBus) subscribeDurable(subject, queue string, handler func([]byte) error) error {
	cb := func(msg *nats.Msg) { settle(msg, handler(msg.Data)) }
	opts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.ackWait),
		nats.MaxAckPending(maxAckPending),
	}
	if durable := durableName(subject, queue); durable != "" {
		opts = append(opts, nats.Durable(durable))
	}
	var err error
	if queue == "" {
		_, err = b.js.Subscribe(subject, cb, opts...)
	} else {
		_, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
	}
	return err
}

// settle acks a handled message. A RetryableError naks it for redelivery;
// any other error is logged and acked so a poison event cannot loop.
func settle(msg *nats.Msg, err error) {
	if err == nil {
		_ = msg.Ack()
		return
	}
	delay, retry := RetryDelay(err)
	switch {
	case retry && delay > 0:
		_ = msg.NakWithDelay(delay)
	case retry:
		_ = msg.Nak()
	default:
		logging.Warn(busComponent, "handler error (ack)", "subject", msg.Subject, "error", err)
		_ = msg.Ack()
	}
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil && d > 0 {
		return d
	}
	return fallback
}

// enableJetStream switches event subjects to the PINGUP_EVENTS stream when
// NATS_USE_JETSTREAM is set and the server supports it. Failures leave the
// bus on core NATS.
func (b *NatsBus) enableJetStream() {
	if !tlsenv.Bool(envUseJetStream) {
		return
	}
	ackWait := envDuration(envJSAckWait, defaultAckWait)
	maxAge := envDuration(envJSMaxAge, defaultMaxAge)

	js, err := b.nc.JetStream()
	if err == nil {
		_, err = js.AccountInfo()
	}
	if err != nil {
		logging.Warn(busComponent, "jetstream unavailable, using core nats", "error", err)
		return
	}
	stream := &nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   []string{SubjectEvents},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: dedupeWindow,
	}
	if _, err := js.AddStream(stream); err != nil {
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Warn(busComponent, "jetstream ensure stream failed", "name", streamEvents, "error", err)
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info(busComponent, "jetstream enabled", "stream", streamEvents, "ack_wait", ackWait.String(), "max_age", maxAge.String())
}

// Live pushes are ephemeral: a user who is not connected anywhere simply misses them.
func isDurableSubject(subject string) bool {
	return strings.HasPrefix(subject, eventPrefix) || subject == SubjectEvents
}

func durableName(subject, queue string) string {
	name := sanitizeDurable(subject)
	if name == "" {
		return ""
	}
	q := sanitizeDurable(queue)
	if q == "" {
		return "dur_" + name
	}
	return "dur_" + q + "__" + name
}

func sanitizeDurable(s string) string {
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "*", "STAR")
	s = strings.ReplaceAll(s, ">", "GT")
	return strings.TrimSpace(s)
}

func computeMsgID(subject, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return subject + ":" + id
}
