// Package natshub implements the hub client on NATS JetStream.
//
// Device records live in a KeyValue bucket. Hub-to-device messages are
// published to a work-queue stream and consumed per device through a durable
// pull consumer.
package natshub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgehub/internal/auth"
	"github.com/danmuck/edgehub/internal/hub"
	"github.com/danmuck/edgehub/internal/session"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RejectPolicy selects what Reject does with a message.
type RejectPolicy string

const (
	// RejectRedeliver naks the message; JetStream redelivers it until the
	// consumer's MaxDeliver is reached.
	RejectRedeliver RejectPolicy = "redeliver"
	// RejectDiscard terminates the message so it is never redelivered.
	RejectDiscard RejectPolicy = "discard"
)

var ErrUnknownRejectPolicy = errors.New("natshub: unknown reject policy")

// ParseRejectPolicy maps config text to a policy. Empty means redeliver.
func ParseRejectPolicy(raw string) (RejectPolicy, error) {
	switch RejectPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RejectRedeliver:
		return RejectRedeliver, nil
	case RejectDiscard:
		return RejectDiscard, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRejectPolicy, raw)
	}
}

type Options struct {
	Session session.Config
	Reject  RejectPolicy
	// Storage backs the bucket and stream; the zero value is file storage.
	Storage jetstream.StorageType
	// Name is reported to the server as the client connection name.
	Name string
}

func (o Options) withDefaults() Options {
	o.Session = o.Session.WithDefaults()
	if o.Reject == "" {
		o.Reject = RejectRedeliver
	}
	if o.Name == "" {
		o.Name = "edgehub"
	}
	return o
}

// Hub is a hub client backed by one NATS connection.
type Hub struct {
	nc     *nats.Conn
	owned  bool
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	opts   Options
	logger zerolog.Logger
}

var (
	_ hub.Registry  = (*Hub)(nil)
	_ hub.Connector = (*Hub)(nil)
	_ hub.Sender    = (*Hub)(nil)
)

// Dial connects to info.HostName. When a key name is present the key name
// and key are sent as user and password, a bare key is sent as a token.
// TLS follows opts.Session.TLS.
func Dial(ctx context.Context, info hub.ConnectionInfo, opts Options) (*Hub, error) {
	opts = opts.withDefaults()
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.Timeout(opts.Session.ConnectTimeout),
	}
	tlsCfg, err := opts.Session.ClientTLS()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		natsOpts = append(natsOpts, nats.Secure(tlsCfg))
	}
	switch {
	case info.KeyName != "":
		natsOpts = append(natsOpts, nats.UserInfo(info.KeyName, info.Key))
	case info.Key != "":
		natsOpts = append(natsOpts, nats.Token(info.Key))
	}
	nc, err := nats.Connect(info.HostName, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("natshub: connect %s: %w", info.HostName, err)
	}
	h, err := New(ctx, nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	h.owned = true
	return h, nil
}

// New builds a Hub on an existing connection and ensures the device bucket and
// command stream exist. The caller keeps ownership of nc.
func New(ctx context.Context, nc *nats.Conn, opts Options) (*Hub, error) {
	opts = opts.withDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("natshub: jetstream: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, opts.Session.OperationTimeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(opCtx, jetstream.KeyValueConfig{
		Bucket:      BucketName,
		Description: "edgehub device registry",
		History:     1,
		Storage:     opts.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("natshub: ensure bucket %s: %w", BucketName, err)
	}
	_, err = js.CreateOrUpdateStream(opCtx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "edgehub hub-to-device commands",
		Subjects:    []string{SubjectRoot + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     opts.Storage,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("natshub: ensure stream %s: %w", StreamName, err)
	}

	return &Hub{
		nc:     nc,
		js:     js,
		kv:     kv,
		opts:   opts,
		logger: log.With().Str("component", "natshub").Logger(),
	}, nil
}

func (h *Hub) AddDevice(ctx context.Context, id string) (hub.DeviceRecord, error) {
	if err := hub.ValidateDeviceID(id); err != nil {
		return hub.DeviceRecord{}, err
	}
	primary, err := auth.GenerateKey()
	if err != nil {
		return hub.DeviceRecord{}, err
	}
	secondary, err := auth.GenerateKey()
	if err != nil {
		return hub.DeviceRecord{}, err
	}
	rec := hub.DeviceRecord{
		ID:        id,
		Auth:      hub.Authentication{PrimaryKey: primary, SecondaryKey: secondary},
		Status:    hub.DeviceEnabled,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return hub.DeviceRecord{}, err
	}
	if _, err := h.kv.Create(ctx, id, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return hub.DeviceRecord{}, fmt.Errorf("%w: %s", hub.ErrDeviceExists, id)
		}
		return hub.DeviceRecord{}, fmt.Errorf("natshub: create device %s: %w", id, err)
	}
	h.logger.Debug().Str("device_id", id).Msg("natshub.AddDevice")
	return rec, nil
}

func (h *Hub) GetDevice(ctx context.Context, id string) (hub.DeviceRecord, error) {
	rec, _, err := h.load(ctx, id)
	return rec, err
}

func (h *Hub) load(ctx context.Context, id string) (hub.DeviceRecord, uint64, error) {
	if err := hub.ValidateDeviceID(id); err != nil {
		return hub.DeviceRecord{}, 0, err
	}
	entry, err := h.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return hub.DeviceRecord{}, 0, fmt.Errorf("%w: %s", hub.ErrDeviceNotFound, id)
		}
		return hub.DeviceRecord{}, 0, fmt.Errorf("natshub: get device %s: %w", id, err)
	}
	rec, err := decodeRecord(entry.Value())
	if err != nil {
		return hub.DeviceRecord{}, 0, err
	}
	return rec, entry.Revision(), nil
}

// SetStatus enables or disables a device. Sessions already open are not
// affected; new opens are refused while disabled.
func (h *Hub) SetStatus(ctx context.Context, id string, status hub.DeviceStatus) (hub.DeviceRecord, error) {
	rec, rev, err := h.load(ctx, id)
	if err != nil {
		return hub.DeviceRecord{}, err
	}
	rec.Status = status
	data, err := encodeRecord(rec)
	if err != nil {
		return hub.DeviceRecord{}, err
	}
	if _, err := h.kv.Update(ctx, id, data, rev); err != nil {
		return hub.DeviceRecord{}, fmt.Errorf("natshub: update device %s: %w", id, err)
	}
	return rec, nil
}

func (h *Hub) OpenSession(ctx context.Context, info hub.DeviceConnectionInfo) (hub.Session, error) {
	rec, err := h.GetDevice(ctx, info.DeviceID)
	if err != nil {
		return nil, err
	}
	if rec.Status == hub.DeviceDisabled {
		return nil, fmt.Errorf("%w: %s", hub.ErrDeviceDisabled, rec.ID)
	}
	if err := (auth.DeviceKey{Key: rec.Auth.PrimaryKey}).Validate(info.DeviceKey); err != nil {
		if (auth.DeviceKey{Key: rec.Auth.SecondaryKey}).Validate(info.DeviceKey) != nil {
			return nil, fmt.Errorf("%w: device %s", err, rec.ID)
		}
	}

	cfg := h.opts.Session
	name := ConsumerName(rec.ID)
	consumer, err := h.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: DeviceSubject(rec.ID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("natshub: consumer %s: %w", name, err)
	}
	h.logger.Info().Str("device_id", rec.ID).Str("consumer", name).Msg("natshub.OpenSession")
	return newSession(h, rec.ID, consumer), nil
}

// SendToDevice publishes payload for id with a generated message id.
func (h *Hub) SendToDevice(ctx context.Context, id string, payload []byte, props map[string]string) error {
	_, err := h.Publish(ctx, id, nuid.Next(), payload, props)
	return err
}

// Publish publishes payload for id under msgID. JetStream drops a second
// publish with the same msgID inside the stream's duplicate window.
func (h *Hub) Publish(ctx context.Context, id, msgID string, payload []byte, props map[string]string) (uint64, error) {
	if _, err := h.GetDevice(ctx, id); err != nil {
		return 0, err
	}
	msg := nats.NewMsg(DeviceSubject(id))
	msg.Data = payload
	for k, v := range props {
		msg.Header.Set(k, v)
	}
	ack, err := h.js.PublishMsg(ctx, msg, jetstream.WithMsgID(msgID))
	if err != nil {
		return 0, fmt.Errorf("natshub: publish to %s: %w", id, err)
	}
	h.logger.Debug().
		Str("device_id", id).
		Str("msg_id", msgID).
		Uint64("seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("natshub.Publish")
	return ack.Sequence, nil
}

// IsConnected reports whether the underlying NATS connection is up.
func (h *Hub) IsConnected() bool {
	return h.nc.IsConnected()
}

// Close closes the connection when Dial created it.
func (h *Hub) Close() error {
	if h.owned {
		h.nc.Close()
	}
	return nil
}
