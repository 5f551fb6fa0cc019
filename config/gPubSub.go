package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// LedgerEventMessage is the payload published for every committed ledger mutation.
type LedgerEventMessage struct {
	ID            int             `json:"id"`
	EventType     string          `json:"event_type"`
	ReferenceType string          `json:"reference_type"`
	ReferenceId   string          `json:"reference_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationId string          `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
	topicMu        sync.Mutex
	topics         = map[string]*pubsub.Topic{}
)

func init() {
	// Load env from .env
	godotenv.Load()
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	if v := os.Getenv("GCP_PROJECT"); v != "" {
		return v
	}
	return ""
}

// getPubSubClient uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}
		if attempt >= 5 || ctx.Err() != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func ledgerTopic(ctx context.Context, c *pubsub.Client) (*pubsub.Topic, error) {
	name := strings.TrimSpace(os.Getenv("LEDGER_EVENTS_TOPIC"))
	if name == "" {
		return nil, errors.New("LEDGER_EVENTS_TOPIC is required")
	}

	topicMu.Lock()
	defer topicMu.Unlock()
	if t, ok := topics[name]; ok {
		return t, nil
	}
	t := c.Topic(name)
	if envBool("PUBSUB_CREATE_TOPIC") {
		ok, err := t.Exists(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			t, err = c.CreateTopic(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("create topic %q: %w", name, err)
			}
		}
	}
	topics[name] = t
	return t, nil
}

// PublishLedgerEvent publishes and returns the Pub/Sub server-assigned message ID.
func PublishLedgerEvent(ctx context.Context, msg LedgerEventMessage) (string, error) {
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	t, err := ledgerTopic(ctx, client)
	if err != nil {
		return "", err
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := t.Publish(ctx, &pubsub.Message{
		Data: msgJSON,
		Attributes: map[string]string{
			"event_type":     msg.EventType,
			"reference_type": msg.ReferenceType,
			"correlation_id": msg.CorrelationId,
		},
	})

	return result.Get(ctx)
}

// ClosePubSub stops publish goroutines and releases the client.
func ClosePubSub() {
	topicMu.Lock()
	for name, t := range topics {
		t.Stop()
		delete(topics, name)
	}
	topicMu.Unlock()

	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}
