// Package chain defines the wire shapes exchanged with the metagraph data
// and snapshot layers: signed envelopes, state-machine messages, fiber and
// snapshot views, and the webhook event payloads.
package chain

import (
	"encoding/json"
	"time"

	"github.com/fibernet/backend/internal/keyring"
)

// Update type tags carried by rejection events and used to wrap outbound
// messages.
const (
	UpdateCreateStateMachine     = "CreateStateMachine"
	UpdateTransitionStateMachine = "TransitionStateMachine"
	UpdateArchiveStateMachine    = "ArchiveStateMachine"
	UpdateCreateScript           = "CreateScript"
	UpdateInvokeScript           = "InvokeScript"
)

// SignedEnvelope is the body POSTed to the data layer: a message value plus
// one or more signature proofs. Proofs must be non-empty on submission.
type SignedEnvelope struct {
	Value  interface{}              `json:"value"`
	Proofs []keyring.SignatureProof `json:"proofs"`
}

// StateID wraps a state name the way the on-chain definition encodes it.
type StateID struct {
	Value string `json:"value"`
}

// StateSpec describes one state in an on-chain definition.
type StateSpec struct {
	ID       StateID                `json:"id"`
	IsFinal  bool                   `json:"isFinal"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TransitionSpec describes one transition in an on-chain definition. Guard
// and Effect are JSON expression trees evaluated only by the metagraph; the
// client treats them as opaque.
type TransitionSpec struct {
	From         StateID         `json:"from"`
	To           StateID         `json:"to"`
	EventName    string          `json:"eventName"`
	Guard        json.RawMessage `json:"guard,omitempty"`
	Effect       json.RawMessage `json:"effect,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
}

// DefinitionMetadata names and versions a state machine definition.
type DefinitionMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Definition is the full on-chain state machine definition.
type Definition struct {
	States       map[string]StateSpec `json:"states"`
	InitialState StateID              `json:"initialState"`
	Transitions  []TransitionSpec     `json:"transitions"`
	Metadata     DefinitionMetadata   `json:"metadata"`
}

// CreateStateMachine instantiates a new fiber.
type CreateStateMachine struct {
	FiberID       string                 `json:"fiberId"`
	Definition    Definition             `json:"definition"`
	InitialData   map[string]interface{} `json:"initialData"`
	ParentFiberID string                 `json:"parentFiberId,omitempty"`
}

// TransitionStateMachine advances a fiber. TargetSequenceNumber is the
// optimistic-concurrency version: it must equal the fiber's current sequence
// at the moment the data layer applies the event.
type TransitionStateMachine struct {
	FiberID              string                 `json:"fiberId"`
	EventName            string                 `json:"eventName"`
	Payload              map[string]interface{} `json:"payload"`
	TargetSequenceNumber uint64                 `json:"targetSequenceNumber"`
}

// WrapUpdate tags a message with its update type, the envelope form the data
// layer expects: {"TransitionStateMachine": {...}}.
func WrapUpdate(updateType string, msg interface{}) map[string]interface{} {
	return map[string]interface{}{updateType: msg}
}

// Fiber is the snapshot layer's view of a state machine instance.
type Fiber struct {
	FiberID        string                 `json:"fiberId"`
	Definition     *Definition            `json:"definition,omitempty"`
	CurrentState   string                 `json:"currentState"`
	StateData      map[string]interface{} `json:"stateData"`
	SequenceNumber uint64                 `json:"sequenceNumber"`
	Owners         []string               `json:"owners,omitempty"`
	ParentFiberID  string                 `json:"parentFiberId,omitempty"`
}

// Checkpoint is the snapshot layer's current view of all fibers.
type Checkpoint struct {
	Ordinal uint64 `json:"ordinal"`
	State   struct {
		StateMachines map[string]Fiber `json:"stateMachines"`
	} `json:"state"`
}

// SubmitResponse is the data layer's acknowledgement of an accepted envelope.
type SubmitResponse struct {
	Hash    string  `json:"hash"`
	Ordinal *uint64 `json:"ordinal,omitempty"`
}

// Snapshot statuses as tracked by the indexer.
const (
	SnapshotPending   = "PENDING"
	SnapshotConfirmed = "CONFIRMED"
	SnapshotOrphaned  = "ORPHANED"
)

// SnapshotRecord is one row of the snapshot index.
type SnapshotRecord struct {
	Ordinal     uint64     `json:"ordinal"`
	Hash        string     `json:"hash"`
	Status      string     `json:"status"`
	GL0Ordinal  *uint64    `json:"gl0Ordinal,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// RejectionError is one guard/validation failure inside a rejection.
type RejectionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RejectionDetail is the inner payload of a transaction.rejected event.
type RejectionDetail struct {
	UpdateType           string           `json:"updateType"`
	FiberID              string           `json:"fiberId"`
	TargetSequenceNumber *uint64          `json:"targetSequenceNumber,omitempty"`
	Errors               []RejectionError `json:"errors"`
	Signers              []string         `json:"signers"`
	UpdateHash           string           `json:"updateHash"`
	RawPayload           json.RawMessage  `json:"rawPayload"`
}

// RejectionEvent is the webhook body for a snapshot-layer rejection.
type RejectionEvent struct {
	Event       string          `json:"event"`
	Ordinal     uint64          `json:"ordinal"`
	Timestamp   time.Time       `json:"timestamp"`
	MetagraphID string          `json:"metagraphId"`
	Rejection   RejectionDetail `json:"rejection"`
}

// ConfirmationEvent is the webhook body for a confirmed snapshot.
type ConfirmationEvent struct {
	Event      string `json:"event"`
	ML0Ordinal uint64 `json:"ml0Ordinal"`
	GL0Ordinal uint64 `json:"gl0Ordinal"`
	Hash       string `json:"hash"`
}

// RejectedTransaction is the indexer's stored form of a rejection.
type RejectedTransaction struct {
	ID         int64            `json:"id"`
	Ordinal    uint64           `json:"ordinal"`
	Timestamp  time.Time        `json:"timestamp"`
	UpdateType string           `json:"updateType"`
	FiberID    string           `json:"fiberId"`
	UpdateHash string           `json:"updateHash"`
	Errors     []RejectionError `json:"errors"`
	Signers    []string         `json:"signers"`
	RawPayload json.RawMessage  `json:"rawPayload,omitempty"`
}

// ClusterNode is one peer in a cluster/info response.
type ClusterNode struct {
	ID    string `json:"id"`
	IP    string `json:"ip"`
	State string `json:"state"`
}

// NodeInfo is the node/info response.
type NodeInfo struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Session string `json:"clusterSession,omitempty"`
	Version string `json:"version,omitempty"`
}

// WebhookSubscription mirrors the snapshot layer's subscriber records.
type WebhookSubscription struct {
	ID          string `json:"id"`
	CallbackURL string `json:"callbackUrl"`
	Secret      string `json:"secret,omitempty"`
}
