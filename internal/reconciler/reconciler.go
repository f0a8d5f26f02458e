// Package reconciler serializes fiber transitions against the metagraph's
// optimistic-concurrency model. Every transition carries a
// targetSequenceNumber that must match the fiber's current sequence when the
// data layer applies it; this package rereads, retries, and waits so callers
// see either a durable write or a typed failure.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/dataclient"
	"github.com/fibernet/backend/internal/keyring"
	"github.com/fibernet/backend/internal/metrics"
)

var (
	// ErrNotReady means the fiber is not yet visible to the snapshot layer.
	// Callers should retry after the snapshot layer catches up.
	ErrNotReady = errors.New("fiber not yet visible to snapshot layer")
	// ErrSequenceExhausted means the submission kept losing the sequence
	// race after bounded retries.
	ErrSequenceExhausted = errors.New("sequence conflict retries exhausted")
	// ErrWaitTimeout means a visibility/sequence wait hit its deadline.
	ErrWaitTimeout = errors.New("wait timed out")
)

// DataLayer is the slice of the data client the reconciler needs. Satisfied
// by *dataclient.Client; faked in tests.
type DataLayer interface {
	GetStateMachine(ctx context.Context, fiberID string) (*chain.Fiber, error)
	GetCheckpoint(ctx context.Context) (*chain.Checkpoint, error)
	SubmitBroadcast(ctx context.Context, env chain.SignedEnvelope) (*chain.SubmitResponse, error)
}

// Signer signs a value for submission. Satisfied by *keyring.KeyPair.
type Signer interface {
	Sign(value interface{}, dataUpdate bool) (keyring.SignatureProof, error)
}

const (
	sequenceRetries    = 3
	sequenceBackoff    = 100 * time.Millisecond
	cidRetries         = 3
	cidBackoff         = time.Second
	visibilityBackoff  = 500 * time.Millisecond
	visibilityCap      = 4 * time.Second
	backoffJitterRatio = 0.25
)

// Reconciler coordinates sequence-safe submissions. Per-fiber submissions
// are serialized through a keyed mutex; distinct fibers proceed in parallel.
type Reconciler struct {
	data    DataLayer
	logger  *log.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a reconciler over the given data layer.
func New(data DataLayer) *Reconciler {
	return &Reconciler{
		data:   data,
		logger: log.New(log.Writer(), "[RECON] ", log.LstdFlags),
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithMetrics instruments the reconciler's conflict counter.
func (r *Reconciler) WithMetrics(m *metrics.Metrics) *Reconciler {
	r.metrics = m
	return r
}

func (r *Reconciler) fiberLock(fiberID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[fiberID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[fiberID] = l
	}
	return l
}

// Create signs and submits a CreateStateMachine message. No sequence logic:
// creation is ordinal-free, the unique fiberId is the write coordinate.
func (r *Reconciler) Create(ctx context.Context, msg chain.CreateStateMachine, signer Signer) (*chain.SubmitResponse, error) {
	value := chain.WrapUpdate(chain.UpdateCreateStateMachine, msg)
	proof, err := signer.Sign(value, true)
	if err != nil {
		return nil, fmt.Errorf("sign create: %w", err)
	}
	env := chain.SignedEnvelope{Value: value, Proofs: []keyring.SignatureProof{proof}}
	return r.data.SubmitBroadcast(ctx, env)
}

// Submit reads the fiber's current sequence, signs a transition targeting
// it, and submits. Sequence conflicts trigger a reread and bounded retries
// with jittered backoff; CidNotFound (snapshot lag right after creation)
// retries on a longer schedule.
func (r *Reconciler) Submit(ctx context.Context, fiberID, eventName string, payload map[string]interface{}, signer Signer) (*chain.SubmitResponse, error) {
	lock := r.fiberLock(fiberID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	cidAttempts := 0
	for attempt := 0; attempt <= sequenceRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, jitter(sequenceBackoff<<(attempt-1))); err != nil {
				return nil, err
			}
		}

		cur, err := r.data.GetStateMachine(ctx, fiberID)
		if errors.Is(err, dataclient.ErrNotFound) {
			return nil, ErrNotReady
		}
		if err != nil {
			lastErr = err
			continue
		}

		msg := chain.TransitionStateMachine{
			FiberID:              fiberID,
			EventName:            eventName,
			Payload:              payload,
			TargetSequenceNumber: cur.SequenceNumber,
		}
		value := chain.WrapUpdate(chain.UpdateTransitionStateMachine, msg)
		proof, err := signer.Sign(value, true)
		if err != nil {
			return nil, fmt.Errorf("sign transition: %w", err)
		}
		env := chain.SignedEnvelope{Value: value, Proofs: []keyring.SignatureProof{proof}}

		resp, err := r.data.SubmitBroadcast(ctx, env)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		switch {
		case dataclient.IsSequenceConflict(err):
			if r.metrics != nil {
				r.metrics.SequenceConflicts.Inc()
			}
			r.logger.Printf("Sequence conflict on %s (%s), attempt %d/%d", fiberID, eventName, attempt+1, sequenceRetries+1)
			continue
		case dataclient.IsCidNotFound(err) && cidAttempts < cidRetries:
			wait := cidBackoff << cidAttempts
			cidAttempts++
			attempt-- // CidNotFound retries do not consume sequence retries
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		case dataclient.IsRetryable(err):
			continue
		default:
			return nil, err
		}
	}
	if dataclient.IsSequenceConflict(lastErr) {
		return nil, fmt.Errorf("%w: %v", ErrSequenceExhausted, lastErr)
	}
	return nil, lastErr
}

// WaitForFiberVisible polls the checkpoint until the fiber appears or the
// timeout elapses, with bounded exponential backoff.
func (r *Reconciler) WaitForFiberVisible(ctx context.Context, fiberID string, timeout time.Duration) error {
	return r.pollUntil(ctx, timeout, func(ctx context.Context) (bool, error) {
		cp, err := r.data.GetCheckpoint(ctx)
		if err != nil {
			return false, nil // transient; keep polling
		}
		_, ok := cp.State.StateMachines[fiberID]
		return ok, nil
	})
}

// WaitForSequence polls until the fiber's sequence reaches minSeq, so
// serialized downstream transitions observe the new state.
func (r *Reconciler) WaitForSequence(ctx context.Context, fiberID string, minSeq uint64, timeout time.Duration) error {
	return r.pollUntil(ctx, timeout, func(ctx context.Context) (bool, error) {
		fiber, err := r.data.GetStateMachine(ctx, fiberID)
		if err != nil {
			return false, nil
		}
		return fiber.SequenceNumber >= minSeq, nil
	})
}

// WaitForFiberState polls until the fiber reports the wanted state.
func (r *Reconciler) WaitForFiberState(ctx context.Context, fiberID, state string, timeout time.Duration) error {
	return r.pollUntil(ctx, timeout, func(ctx context.Context) (bool, error) {
		fiber, err := r.data.GetStateMachine(ctx, fiberID)
		if err != nil {
			return false, nil
		}
		return fiber.CurrentState == state, nil
	})
}

func (r *Reconciler) pollUntil(ctx context.Context, timeout time.Duration, check func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := visibilityBackoff
	for {
		ok, err := check(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			return fmt.Errorf("%w: %v", ErrWaitTimeout, err)
		}
		backoff *= 2
		if backoff > visibilityCap {
			backoff = visibilityCap
		}
	}
}

// jitter spreads a backoff by ±25% so colliding writers desynchronize.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * backoffJitterRatio
	return d + time.Duration((rand.Float64()*2-1)*delta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
