package indexer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/events"
	"github.com/fibernet/backend/internal/metrics"
)

func newTestAPI(t *testing.T, secret string) (*API, *Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, events.NewBus(), nil, metrics.New(prometheus.NewRegistry()))
	return NewAPI(svc, secret), svc, store
}

func rejectionEvent(ordinal uint64, hash, fiberID, code string) *chain.RejectionEvent {
	return &chain.RejectionEvent{
		Event:     "transaction.rejected",
		Ordinal:   ordinal,
		Timestamp: time.Now().UTC(),
		Rejection: chain.RejectionDetail{
			UpdateType: chain.UpdateTransitionStateMachine,
			FiberID:    fiberID,
			Errors:     []chain.RejectionError{{Code: code, Message: "guard refused"}},
			Signers:    []string{"DAG1signer"},
			UpdateHash: hash,
			RawPayload: json.RawMessage(`{"eventName":"accept"}`),
		},
	}
}

func TestRejectionDedup(t *testing.T) {
	_, svc, store := newTestAPI(t, "")
	ctx := context.Background()

	res, err := svc.ProcessRejection(ctx, rejectionEvent(5, "hash-a", "fiber-1", "GUARD_FAILED"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.AlreadyIndexed)

	res, err = svc.ProcessRejection(ctx, rejectionEvent(5, "hash-a", "fiber-1", "GUARD_FAILED"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.AlreadyIndexed)

	page, err := store.QueryRejections(ctx, RejectionQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestConcurrentIntakeDistinctHashes(t *testing.T) {
	_, svc, store := newTestAPI(t, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.ProcessRejection(ctx, rejectionEvent(uint64(i), fmt.Sprintf("hash-%d", i), "fiber-1", "GUARD_FAILED"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	page, err := store.QueryRejections(ctx, RejectionQuery{Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, 20, page.Total)
}

func TestConfirmationSweepOrphansOlderPending(t *testing.T) {
	_, svc, store := newTestAPI(t, "")
	ctx := context.Background()

	for ord := uint64(1); ord <= 5; ord++ {
		require.NoError(t, store.RecordPendingSnapshot(ctx, ord, fmt.Sprintf("h%d", ord)))
	}

	res, err := svc.ProcessConfirmation(ctx, &chain.ConfirmationEvent{
		Event: "snapshot.confirmed", ML0Ordinal: 4, GL0Ordinal: 900, Hash: "h4",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Orphaned)

	confirmed, err := store.GetSnapshot(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, chain.SnapshotConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.GL0Ordinal)
	assert.EqualValues(t, 900, *confirmed.GL0Ordinal)

	for ord := uint64(1); ord <= 3; ord++ {
		rec, err := store.GetSnapshot(ctx, ord)
		require.NoError(t, err)
		assert.Equal(t, chain.SnapshotOrphaned, rec.Status, "ordinal %d", ord)
	}
	later, err := store.GetSnapshot(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, chain.SnapshotPending, later.Status, "newer pending survives the sweep")
}

func TestQueryFiltersAndPaging(t *testing.T) {
	_, svc, store := newTestAPI(t, "")
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		fiber := "fiber-a"
		code := "GUARD_FAILED"
		if i%3 == 0 {
			fiber = "fiber-b"
			code = "SEQ_MISMATCH"
		}
		_, err := svc.ProcessRejection(ctx, rejectionEvent(uint64(100+i), fmt.Sprintf("h%d", i), fiber, code))
		require.NoError(t, err)
	}

	page, err := store.QueryRejections(ctx, RejectionQuery{FiberID: "fiber-b"})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	page, err = store.QueryRejections(ctx, RejectionQuery{ErrorCode: "SEQ_MISMATCH"})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	from, to := uint64(105), uint64(108)
	page, err = store.QueryRejections(ctx, RejectionQuery{FromOrdinal: &from, ToOrdinal: &to})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	page, err = store.QueryRejections(ctx, RejectionQuery{Limit: 5, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page.Rejections, 5)
	assert.Equal(t, 12, page.Total)
	assert.True(t, page.HasMore)
	assert.EqualValues(t, 111, page.Rejections[0].Ordinal, "ordered by ordinal descending")

	page, err = store.QueryRejections(ctx, RejectionQuery{Limit: 5, Offset: 10})
	require.NoError(t, err)
	assert.Len(t, page.Rejections, 2)
	assert.False(t, page.HasMore)
}

func TestWebhookEndpoint(t *testing.T) {
	api, _, _ := newTestAPI(t, "")
	router := mux.NewRouter()
	api.Register(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	body, _ := json.Marshal(rejectionEvent(7, "hash-http", "fiber-9", "GUARD_FAILED"))
	resp, err := http.Post(srv.URL+"/webhook", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res IntakeResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.Accepted)

	// Query it back through the API.
	getResp, err := http.Get(srv.URL + "/rejections/hash-http")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var rec chain.RejectedTransaction
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&rec))
	assert.Equal(t, "fiber-9", rec.FiberID)
	assert.NotEmpty(t, rec.RawPayload)

	missing, err := http.Get(srv.URL + "/rejections/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestWebhookSignatureVerification(t *testing.T) {
	api, _, _ := newTestAPI(t, "topsecret")
	router := mux.NewRouter()
	api.Register(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	body, _ := json.Marshal(rejectionEvent(8, "hash-sig", "fiber-1", "GUARD_FAILED"))

	// Unsigned delivery is refused.
	resp, err := http.Post(srv.URL+"/webhook", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correctly signed delivery is accepted.
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	req, _ := http.NewRequest("POST", srv.URL+"/webhook", bytes.NewReader(body))
	req.Header.Set(webhookSignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// fakeSource feeds the poller canned checkpoints.
type fakeSource struct {
	mu  sync.Mutex
	cp  chain.Checkpoint
	ord uint64
}

func (f *fakeSource) GetCheckpoint(ctx context.Context) (*chain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.cp
	return &cp, nil
}

func (f *fakeSource) GetLatestOrdinal(ctx context.Context) (*uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ord := f.ord
	return &ord, nil
}

func (f *fakeSource) set(ord uint64, fibers map[string]chain.Fiber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ord = ord
	f.cp.Ordinal = ord
	f.cp.State.StateMachines = fibers
}

func TestPollerTracksTransitions(t *testing.T) {
	store := NewMemoryStore()
	source := &fakeSource{}
	p := NewPoller(source, store, time.Second)
	ctx := context.Background()

	source.set(1, map[string]chain.Fiber{
		"f1": {FiberID: "f1", CurrentState: "PROPOSED", SequenceNumber: 0},
	})
	require.NoError(t, p.Sweep(ctx))

	source.set(2, map[string]chain.Fiber{
		"f1": {FiberID: "f1", CurrentState: "ACTIVE", SequenceNumber: 1},
	})
	require.NoError(t, p.Sweep(ctx))

	state, err := store.GetFiberState(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", state.CurrentState)
	assert.EqualValues(t, 1, state.SequenceNumber)

	trs, err := store.ListTransitions(ctx, "f1", 10)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, "PROPOSED", trs[0].FromState)
	assert.Equal(t, "ACTIVE", trs[0].ToState)

	// Both observed ordinals are registered as pending snapshots.
	pending, err := store.ListSnapshots(ctx, chain.SnapshotPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRejectionFeedOnBus(t *testing.T) {
	_, svc, _ := newTestAPI(t, "")
	sub := svc.Bus().Subscribe(events.TypeRejection)
	defer svc.Bus().Unsubscribe(sub)

	_, err := svc.ProcessRejection(context.Background(), rejectionEvent(9, "hash-bus", "fiber-2", "GUARD_FAILED"))
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, events.TypeRejection, ev.Type)
		assert.Equal(t, "fiber-2", ev.FiberID)
	case <-time.After(time.Second):
		t.Fatal("no event on bus")
	}
}
