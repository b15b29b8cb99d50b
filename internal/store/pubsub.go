package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/smallbiznis/songforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type changeMessage struct {
	ID        string   `json:"id"`
	Entity    Entity   `json:"entity"`
	EntityID  string   `json:"entity_id"`
	RequestID string   `json:"request_id"`
	Op        Op       `json:"op"`
	Changed   []string `json:"changed"`
	CreatedAt string   `json:"created_at"`
}

// PubSubMirror forwards change events to a Pub/Sub topic, ordered per request.
type PubSubMirror struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	log    *zap.Logger
}

func NewPubSubMirror(ctx context.Context, cfg config.PubSubConfig, log *zap.Logger) (*PubSubMirror, error) {
	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	topic := client.Topic(cfg.Topic)
	topic.EnableMessageOrdering = true

	return &PubSubMirror{
		client: client,
		topic:  topic,
		log:    log.Named("store.pubsub"),
	}, nil
}

func (m *PubSubMirror) Publish(ctx context.Context, ev ChangeEvent) error {
	data, err := json.Marshal(changeMessage{
		ID:        ev.ID,
		Entity:    ev.Entity,
		EntityID:  strconv.FormatInt(ev.EntityID, 10),
		RequestID: strconv.FormatInt(ev.RequestID, 10),
		Op:        ev.Op,
		Changed:   ev.Changed,
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	orderingKey := strconv.FormatInt(ev.RequestID, 10)
	result := m.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: orderingKey,
		Attributes: map[string]string{
			"entity": string(ev.Entity),
			"op":     string(ev.Op),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		// a failed publish pauses the ordering key until resumed
		m.topic.ResumePublish(orderingKey)
		return err
	}
	return nil
}

func (m *PubSubMirror) Close() error {
	m.topic.Stop()
	return m.client.Close()
}

// provideMirror returns nil when Pub/Sub is not configured.
func provideMirror(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Mirror, error) {
	if !cfg.PubSub.Enabled() {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mirror, err := NewPubSubMirror(ctx, cfg.PubSub, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return mirror.Close()
		},
	})
	log.Named("store").Info("change feed mirrored to pubsub",
		zap.String("project_id", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.Topic),
	)
	return mirror, nil
}
