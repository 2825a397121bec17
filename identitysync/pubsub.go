package identitysync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/storefront_backend/config"
	"github.com/sirupsen/logrus"
)

// PubSubPushEnvelope is the push-delivery wrapper Google Pub/Sub wraps around
// a message.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PublishLifecycleEvent forwards a provider lifecycle event onto the sync
// topic for out-of-band delivery to this service's push endpoint.
func PublishLifecycleEvent(ctx context.Context, event LifecycleEvent) error {
	topicName := strings.TrimSpace(os.Getenv("IDENTITY_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "identity-sync-events"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("IDENTITY_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
		// Self-provision the push subscription feeding /sync/events/pubsub
		// when an endpoint is configured.
		subName := strings.TrimSpace(os.Getenv("IDENTITY_SYNC_SUBSCRIPTION"))
		pushEndpoint := strings.TrimSpace(os.Getenv("IDENTITY_SYNC_PUSH_ENDPOINT"))
		if subName != "" {
			if _, err := config.CreateSubscriptionIfNotExists(client, subName, topic, pushEndpoint); err != nil {
				return err
			}
		}
	}

	data, _ := json.Marshal(event)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler ingests lifecycle events delivered by a Pub/Sub push
// subscription. It always acks (204): a failed apply is logged and left to
// the reconciliation daemon rather than redelivered in a hot loop.
func PubSubPushHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_IDENTITY_SYNC_PUBSUB_PUSH", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var event LifecycleEvent
		if err := json.Unmarshal(envelope.Message.Data, &event); err != nil {
			c.Status(204)
			return
		}
		if event.EventType == "" || event.ExternalId == "" {
			c.Status(204)
			return
		}

		if _, err := s.ApplyEvent(c.Request.Context(), event); err != nil {
			s.logger.WithFields(logrus.Fields{
				"module":      "identitysync",
				"funcName":    "PubSubPushHandler",
				"event_type":  event.EventType,
				"external_id": event.ExternalId,
				"message_id":  envelope.Message.ID,
			}).Error(err.Error())
		}
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
