// Package bridge exposes the typed operations of the transaction engine:
// agent registration, contract and market lifecycles, and generic
// state-machine create/transition. Every operation validates inputs,
// pre-checks role and state client-side, then delegates sequence-safe
// submission to the reconciler.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/dataclient"
	"github.com/fibernet/backend/internal/keyring"
	"github.com/fibernet/backend/internal/reconciler"
	"github.com/fibernet/backend/internal/workflows"
)

// Kind discriminates operation failures; retry policy and HTTP mapping key
// off it.
type Kind int

const (
	KindValidation Kind = iota
	KindForbidden
	KindNotReady
	KindStateConflict
	KindSequenceConflict
	KindSignatureRefused
	KindNetwork
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindForbidden:
		return "FORBIDDEN"
	case KindNotReady:
		return "NOT_READY"
	case KindStateConflict:
		return "STATE_CONFLICT"
	case KindSequenceConflict:
		return "SEQUENCE_CONFLICT"
	case KindSignatureRefused:
		return "SIGNATURE_REFUSED"
	case KindNetwork:
		return "NETWORK"
	case KindUpstream:
		return "UPSTREAM"
	default:
		return "UNKNOWN"
	}
}

// HTTPStatus maps a failure kind to the status the REST surface returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindSignatureRefused:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotReady:
		return http.StatusTooEarly
	case KindStateConflict, KindSequenceConflict:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// OpError is the typed failure returned by every bridge operation.
type OpError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(kind Kind, format string, args ...interface{}) *OpError {
	return &OpError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Reconciler is the slice of the sequence reconciler the engine needs.
type Reconciler interface {
	Create(ctx context.Context, msg chain.CreateStateMachine, signer reconciler.Signer) (*chain.SubmitResponse, error)
	Submit(ctx context.Context, fiberID, eventName string, payload map[string]interface{}, signer reconciler.Signer) (*chain.SubmitResponse, error)
	WaitForFiberVisible(ctx context.Context, fiberID string, timeout time.Duration) error
	WaitForSequence(ctx context.Context, fiberID string, minSeq uint64, timeout time.Duration) error
}

// FiberReader reads current fiber state for pre-checks.
type FiberReader interface {
	GetStateMachine(ctx context.Context, fiberID string) (*chain.Fiber, error)
}

// Engine is the bridge submission engine.
type Engine struct {
	recon    Reconciler
	reader   FiberReader
	registry *workflows.Registry
	logger   *log.Logger
}

// NewEngine wires the engine over a reconciler and fiber reader.
func NewEngine(recon Reconciler, reader FiberReader, registry *workflows.Registry) *Engine {
	return &Engine{
		recon:    recon,
		reader:   reader,
		registry: registry,
		logger:   log.New(log.Writer(), "[BRIDGE] ", log.LstdFlags),
	}
}

// Registry exposes the workflow registry the engine was built with.
func (e *Engine) Registry() *workflows.Registry { return e.registry }

// fetchFiber reads a fiber for a pre-check, translating transport failures
// into the operation taxonomy.
func (e *Engine) fetchFiber(ctx context.Context, fiberID string) (*chain.Fiber, *OpError) {
	fiber, err := e.reader.GetStateMachine(ctx, fiberID)
	if err == nil {
		return fiber, nil
	}
	if errors.Is(err, dataclient.ErrNotFound) {
		return nil, opErr(KindNotReady, "fiber %s not visible yet", fiberID)
	}
	return nil, &OpError{Kind: KindUpstream, Message: "snapshot layer read failed", Err: err}
}

// translate converts a reconciler failure into the operation taxonomy.
func translate(err error) *OpError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, reconciler.ErrNotReady):
		return &OpError{Kind: KindNotReady, Message: "fiber not visible to snapshot layer yet", Err: err}
	case errors.Is(err, reconciler.ErrSequenceExhausted):
		return &OpError{Kind: KindSequenceConflict, Message: "lost sequence race after retries", Err: err}
	case errors.Is(err, keyring.ErrSignatureMalformed), errors.Is(err, keyring.ErrSignatureVerificationFailed):
		return &OpError{Kind: KindSignatureRefused, Message: "signer rejected input", Err: err}
	case dataclient.IsClientFault(err):
		return &OpError{Kind: KindStateConflict, Message: "data layer rejected transition", Err: err}
	case dataclient.IsRetryable(err):
		return &OpError{Kind: KindNetwork, Message: "transport failure", Err: err}
	default:
		return &OpError{Kind: KindUpstream, Message: "upstream failure", Err: err}
	}
}

// stateData fetches a string field out of fiber state data.
func stateString(fiber *chain.Fiber, key string) string {
	if fiber.StateData == nil {
		return ""
	}
	s, _ := fiber.StateData[key].(string)
	return s
}

func keypairFor(privateKeyHex string) (*keyring.KeyPair, *OpError) {
	if privateKeyHex == "" {
		return nil, opErr(KindValidation, "privateKey is required")
	}
	kp, err := keyring.FromHex(privateKeyHex)
	if err != nil {
		return nil, &OpError{Kind: KindValidation, Message: "bad private key", Err: err}
	}
	return kp, nil
}
