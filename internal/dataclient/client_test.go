package dataclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/keyring"
)

func testEnvelope(t *testing.T) chain.SignedEnvelope {
	t.Helper()
	kp, err := keyring.Generate()
	require.NoError(t, err)
	value := chain.WrapUpdate(chain.UpdateTransitionStateMachine, chain.TransitionStateMachine{
		FiberID:   "f-1",
		EventName: "activate",
		Payload:   map[string]interface{}{"agent": kp.Address},
	})
	proof, err := kp.Sign(value, true)
	require.NoError(t, err)
	return chain.SignedEnvelope{Value: value, Proofs: []keyring.SignatureProof{proof}}
}

func TestSubmitSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/data", r.URL.Path)
		var env chain.SignedEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.NotEmpty(t, env.Proofs)
		json.NewEncoder(w).Encode(chain.SubmitResponse{Hash: "abc123"})
	}))
	defer srv.Close()

	c := New(Config{DataURLs: []string{srv.URL}, ML0URL: srv.URL})
	resp, err := c.Submit(context.Background(), testEnvelope(t))
	require.NoError(t, err)
	assert.Equal(t, "abc123", resp.Hash)
}

func TestSubmitRejectsEmptyProofs(t *testing.T) {
	c := New(Config{DataURLs: []string{"http://unused"}})
	_, err := c.Submit(context.Background(), chain.SignedEnvelope{Value: map[string]interface{}{}})
	assert.Error(t, err)
}

func TestSubmit4xxCarriesRationale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"reason":"TargetSequenceNumberMismatch"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{DataURLs: []string{srv.URL}})
	_, err := c.Submit(context.Background(), testEnvelope(t))
	require.Error(t, err)

	assert.True(t, IsSequenceConflict(err))
	assert.False(t, IsRetryable(err))
	assert.False(t, IsClientFault(err), "sequence conflicts are retried, not surfaced as client faults")
}

func TestSubmitBroadcastFirstSuccessWins(t *testing.T) {
	var slowCalled atomic.Bool
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slowCalled.Store(true)
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(chain.SubmitResponse{Hash: "slow"})
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chain.SubmitResponse{Hash: "fast"})
	}))
	defer fast.Close()

	c := New(Config{DataURLs: []string{slow.URL, fast.URL}})
	resp, err := c.SubmitBroadcast(context.Background(), testEnvelope(t))
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Hash)
	assert.True(t, slowCalled.Load())
}

func TestSubmitBroadcastAggregatesFailures(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()
	worse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer worse.Close()

	c := New(Config{DataURLs: []string{bad.URL, worse.URL}})
	_, err := c.SubmitBroadcast(context.Background(), testEnvelope(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 data nodes failed")
	assert.True(t, IsRetryable(err), "5xx classification must survive the aggregate")
}

func TestSubmitBroadcastKeepsConflictClassification(t *testing.T) {
	conflict := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"reason":"TargetSequenceNumberMismatch"}`, http.StatusConflict)
	})
	a := httptest.NewServer(conflict)
	defer a.Close()
	b := httptest.NewServer(conflict)
	defer b.Close()

	c := New(Config{DataURLs: []string{a.URL, b.URL}})
	_, err := c.SubmitBroadcast(context.Background(), testEnvelope(t))
	require.Error(t, err)

	// Multi-node failures must still look like a sequence conflict to the
	// reconciler, or its reread-and-retry loop never fires.
	assert.True(t, IsSequenceConflict(err))
	assert.False(t, IsClientFault(err))
}

func TestGetStateMachineNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(Config{ML0URL: srv.URL})
	_, err := c.GetStateMachine(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetStateMachineAndCheckpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data-application/v1/state-machines/f-1":
			json.NewEncoder(w).Encode(chain.Fiber{
				FiberID:        "f-1",
				CurrentState:   "ACTIVE",
				SequenceNumber: 4,
			})
		case "/data-application/v1/checkpoint":
			cp := chain.Checkpoint{Ordinal: 17}
			cp.State.StateMachines = map[string]chain.Fiber{"f-1": {FiberID: "f-1"}}
			json.NewEncoder(w).Encode(cp)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{ML0URL: srv.URL})

	fiber, err := c.GetStateMachine(context.Background(), "f-1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", fiber.CurrentState)
	assert.Equal(t, uint64(4), fiber.SequenceNumber)

	cp, err := c.GetCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(17), cp.Ordinal)
	assert.Contains(t, cp.State.StateMachines, "f-1")
}

func TestSubscribeWebhookIdempotent(t *testing.T) {
	var created atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/data-application/v1/webhooks/subscribers":
			json.NewEncoder(w).Encode([]chain.WebhookSubscription{
				{ID: "sub-1", CallbackURL: "http://indexer/webhook/rejection"},
			})
		case r.URL.Path == "/data-application/v1/webhooks/subscribe" && r.Method == http.MethodPost:
			created.Add(1)
			json.NewEncoder(w).Encode(chain.WebhookSubscription{ID: "sub-2"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{ML0URL: srv.URL})

	// Existing callback resolves to the existing id without a new POST.
	id, err := c.SubscribeWebhook(context.Background(), "http://indexer/webhook/rejection", "")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)
	assert.Equal(t, int32(0), created.Load())

	// A new callback registers.
	id, err = c.SubscribeWebhook(context.Background(), "http://other/webhook", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "sub-2", id)
	assert.Equal(t, int32(1), created.Load())
}

func TestQueryTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Config{ML0URL: srv.URL, QueryTimeout: 50 * time.Millisecond})
	_, err := c.GetCheckpoint(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}
