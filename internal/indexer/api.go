package indexer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/fibernet/backend/internal/chain"
	"github.com/fibernet/backend/internal/events"
)

// webhookSignatureHeader carries the hex HMAC-SHA256 of the raw body.
const webhookSignatureHeader = "X-Webhook-Signature"

// API serves the intake endpoint, the query surface, and the websocket feed.
type API struct {
	svc      *Service
	secret   string // empty disables HMAC verification
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewAPI builds the HTTP surface over an intake service.
func NewAPI(svc *Service, webhookSecret string) *API {
	return &API{
		svc:    svc,
		secret: webhookSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[INDEXER-API] ", log.LstdFlags),
	}
}

// Register mounts all routes on the router.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/webhook", a.handleWebhook).Methods("POST")
	r.HandleFunc("/webhook/rejection", a.handleWebhook).Methods("POST")
	r.HandleFunc("/webhook/snapshot", a.handleWebhook).Methods("POST")
	r.HandleFunc("/rejections", a.handleListRejections).Methods("GET")
	r.HandleFunc("/rejections/{updateHash}", a.handleGetRejection).Methods("GET")
	r.HandleFunc("/fibers/{fiberId}", a.handleGetFiber).Methods("GET")
	r.HandleFunc("/fibers/{fiberId}/rejections", a.handleFiberRejections).Methods("GET")
	r.HandleFunc("/fibers/{fiberId}/transitions", a.handleFiberTransitions).Methods("GET")
	r.HandleFunc("/snapshots", a.handleListSnapshots).Methods("GET")
	r.HandleFunc("/ws/rejections", a.handleRejectionFeed)
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if a.secret != "" && !a.verifySignature(body, r.Header.Get(webhookSignatureHeader)) {
		if a.svc.metrics != nil {
			a.svc.metrics.WebhookAuthFailures.Inc()
		}
		writeError(w, http.StatusUnauthorized, "bad webhook signature")
		return
	}

	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event body")
		return
	}

	switch probe.Event {
	case "transaction.rejected":
		var ev chain.RejectionEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "malformed rejection event")
			return
		}
		res, err := a.svc.ProcessRejection(r.Context(), &ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "snapshot.confirmed":
		// Some senders use "ordinal" instead of "ml0Ordinal".
		var raw struct {
			chain.ConfirmationEvent
			Ordinal uint64 `json:"ordinal"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			writeError(w, http.StatusBadRequest, "malformed confirmation event")
			return
		}
		ev := raw.ConfirmationEvent
		if ev.ML0Ordinal == 0 {
			ev.ML0Ordinal = raw.Ordinal
		}
		res, err := a.svc.ProcessConfirmation(r.Context(), &ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusBadRequest, "unknown event type "+probe.Event)
	}
}

func (a *API) verifySignature(body []byte, got string) bool {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(got))
}

func (a *API) handleListRejections(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := a.svc.store.QueryRejections(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleGetRejection(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["updateHash"]
	rec, err := a.svc.store.GetRejection(r.Context(), hash)
	if errors.Is(err, ErrNoRecord) {
		writeError(w, http.StatusNotFound, "no rejection with hash "+hash)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleGetFiber(w http.ResponseWriter, r *http.Request) {
	fiberID := mux.Vars(r)["fiberId"]
	rec, err := a.svc.store.GetFiberState(r.Context(), fiberID)
	if errors.Is(err, ErrNoRecord) {
		writeError(w, http.StatusNotFound, "fiber not indexed: "+fiberID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleFiberRejections(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.FiberID = mux.Vars(r)["fiberId"]
	page, err := a.svc.store.QueryRejections(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleFiberTransitions(w http.ResponseWriter, r *http.Request) {
	fiberID := mux.Vars(r)["fiberId"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := a.svc.store.ListTransitions(r.Context(), fiberID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []TransitionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transitions": recs})
}

func (a *API) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := a.svc.store.ListSnapshots(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []chain.SnapshotRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": recs})
}

// handleRejectionFeed streams indexed rejections over a websocket until the
// client disconnects.
func (a *API) handleRejectionFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := a.svc.bus.Subscribe(events.TypeRejection)
	defer a.svc.bus.Unsubscribe(sub)

	// Reader goroutine detects client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func queryFromRequest(r *http.Request) (RejectionQuery, error) {
	vals := r.URL.Query()
	q := RejectionQuery{
		FiberID:    vals.Get("fiberId"),
		UpdateType: vals.Get("updateType"),
		Signer:     vals.Get("signer"),
		ErrorCode:  vals.Get("errorCode"),
	}
	var err error
	if q.FromOrdinal, err = ordinalParam(vals.Get("fromOrdinal")); err != nil {
		return q, err
	}
	if q.ToOrdinal, err = ordinalParam(vals.Get("toOrdinal")); err != nil {
		return q, err
	}
	if s := vals.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil {
			return q, errors.New("limit must be an integer")
		}
	}
	if s := vals.Get("offset"); s != "" {
		if q.Offset, err = strconv.Atoi(s); err != nil {
			return q, errors.New("offset must be an integer")
		}
	}
	return q, nil
}

func ordinalParam(s string) (*uint64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, errors.New("ordinal params must be unsigned integers")
	}
	return &v, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
