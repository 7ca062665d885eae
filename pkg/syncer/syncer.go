// Package syncer consumes blockchain sync requests from the bus, validates
// them, and drives event creation on chain. Terminal failures are routed to
// the DLQ and reported back to the ticketing service over the internal
// callback.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tickettoken/core/pkg/api"
	"github.com/tickettoken/core/pkg/bus"
	"github.com/tickettoken/core/pkg/dlq"
	"github.com/tickettoken/core/pkg/resiliency"
)

// Topic carries event sync requests from the ticketing service.
const Topic = "event.blockchain_sync_requested"

// Group is the consumer group name; every core deployment shares it.
const Group = "chain-sync"

// ActionCreateEvent is the only action the consumer currently accepts.
const ActionCreateEvent = "CREATE_EVENT"

const callbackTimeout = 30 * time.Second

// schemaVersions is the accepted range of payload schema versions. Messages
// without a schema_version are treated as 1.0.0.
var schemaVersions = mustConstraint("^1.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// payloadSchema is the wire contract for sync requests.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "action", "blockchain_data", "metadata", "requested_at"],
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "action": {"type": "string", "enum": ["CREATE_EVENT"]},
    "schema_version": {"type": "string"},
    "blockchain_data": {"type": "object"},
    "metadata": {
      "type": "object",
      "required": ["tenant_id", "timestamp", "source"],
      "properties": {
        "tenant_id": {"type": "string", "minLength": 1},
        "user_id": {"type": "string"},
        "timestamp": {"type": "string"},
        "source": {"type": "string", "minLength": 1}
      }
    },
    "requested_at": {"type": "string"}
  }
}`

// Metadata identifies the request's origin.
type Metadata struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id,omitempty"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

// SyncRequest is one decoded bus message.
type SyncRequest struct {
	EventID        string          `json:"event_id"`
	Action         string          `json:"action"`
	SchemaVersion  string          `json:"schema_version,omitempty"`
	BlockchainData json.RawMessage `json:"blockchain_data"`
	Metadata       Metadata        `json:"metadata"`
	RequestedAt    string          `json:"requested_at"`
}

// EventCreator performs the on-chain side of event creation.
type EventCreator interface {
	CreateEvent(ctx context.Context, req *SyncRequest) error
}

// DeadSink receives terminally failed requests. *dlq.Processor satisfies it.
type DeadSink interface {
	Add(ctx context.Context, jobID, ticketID, tenantID, errMessage string) (*dlq.Item, error)
}

// Consumer reads sync requests from the bus and applies them.
type Consumer struct {
	creator     EventCreator
	deadSink    DeadSink
	callbackURL string
	client      *resiliency.Client
	signer      *api.InternalSigner
	schema      *jsonschema.Schema
	logger      *slog.Logger
}

// NewConsumer wires a consumer. callbackURL is the ticketing service base
// URL for the blockchain-status callback; empty disables callbacks.
func NewConsumer(creator EventCreator, deadSink DeadSink, callbackURL string, signer *api.InternalSigner, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("sync.json", strings.NewReader(payloadSchema)); err != nil {
		panic(err)
	}
	return &Consumer{
		creator:     creator,
		deadSink:    deadSink,
		callbackURL: strings.TrimRight(callbackURL, "/"),
		client:      resiliency.NewClient("sync-callback"),
		signer:      signer,
		schema:      compiler.MustCompile("sync.json"),
		logger:      logger.With("component", "syncer"),
	}
}

// Run consumes the topic until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, consumer bus.Consumer, name string) error {
	return consumer.Consume(ctx, Topic, Group, name, c.Handle, c.Dead)
}

// Handle processes one delivery. A returned error requeues the message;
// malformed or unsupported payloads are terminal and go straight to the
// dead path instead of burning redeliveries.
func (c *Consumer) Handle(ctx context.Context, msg *bus.Message) error {
	req, err := c.decode(msg.Payload)
	if err != nil {
		c.logger.Error("rejecting sync request", "message_id", msg.ID, "error", err)
		c.terminal(ctx, req, msg, err)
		return nil
	}

	if err := c.creator.CreateEvent(ctx, req); err != nil {
		c.logger.Warn("event sync failed",
			"event_id", req.EventID, "attempt", msg.Attempt(), "error", err)
		return fmt.Errorf("syncer: create event %s: %w", req.EventID, err)
	}

	c.logger.Info("event synced", "event_id", req.EventID, "tenant_id", req.Metadata.TenantID)
	return nil
}

// Dead receives messages that exhausted their redeliveries.
func (c *Consumer) Dead(ctx context.Context, msg *bus.Message, err error) {
	req, _ := c.decode(msg.Payload)
	c.terminal(ctx, req, msg, err)
}

// decode unmarshals and validates a payload. Validation covers the JSON
// schema, the schema_version gate, and the action.
func (c *Consumer) decode(payload []byte) (*SyncRequest, error) {
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, fmt.Errorf("syncer: malformed payload: %w", err)
	}
	if err := c.schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("syncer: payload schema: %w", err)
	}

	var req SyncRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("syncer: decode payload: %w", err)
	}

	version := req.SchemaVersion
	if version == "" {
		version = "1.0.0"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return &req, fmt.Errorf("syncer: bad schema_version %q: %w", version, err)
	}
	if !schemaVersions.Check(v) {
		return &req, fmt.Errorf("syncer: unsupported schema_version %s", version)
	}
	if req.Action != ActionCreateEvent {
		return &req, fmt.Errorf("syncer: unsupported action %q", req.Action)
	}
	return &req, nil
}

// terminal routes a failed request to the DLQ and fires the failure
// callback. Both paths are best effort; the message is acked regardless.
func (c *Consumer) terminal(ctx context.Context, req *SyncRequest, msg *bus.Message, cause error) {
	eventID, tenantID := "", ""
	if req != nil {
		eventID, tenantID = req.EventID, req.Metadata.TenantID
	}

	if c.deadSink != nil {
		jobID := fmt.Sprintf("sync:%s", msg.ID)
		if eventID != "" {
			jobID = fmt.Sprintf("sync:%s", eventID)
		}
		if _, err := c.deadSink.Add(ctx, jobID, "", tenantID, cause.Error()); err != nil {
			c.logger.Error("dead-letter insert failed", "message_id", msg.ID, "error", err)
		}
	}
	if eventID != "" {
		c.reportFailure(ctx, eventID, cause)
	}
}

type statusCallback struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// reportFailure PUTs the blockchain-status callback with status "failed",
// signed with the internal HMAC headers.
func (c *Consumer) reportFailure(ctx context.Context, eventID string, cause error) {
	if c.callbackURL == "" || c.signer == nil {
		return
	}
	body, err := json.Marshal(statusCallback{Status: "failed", Reason: cause.Error()})
	if err != nil {
		return
	}
	signed, err := c.signer.Headers(body)
	if err != nil {
		c.logger.Error("callback signing failed", "event_id", eventID, "error", err)
		return
	}
	headers := make(http.Header, len(signed))
	for k, v := range signed {
		headers.Set(k, v)
	}

	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/internal/events/%s/blockchain-status", c.callbackURL, eventID)
	resp, err := c.client.PutJSON(ctx, url, body, headers)
	if err != nil {
		c.logger.Error("status callback failed", "event_id", eventID, "error", err)
		return
	}
	resp.Body.Close()
	c.logger.Info("status callback delivered", "event_id", eventID, "status_code", resp.StatusCode)
}
