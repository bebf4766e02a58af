// Package arenaapi exposes the settlement engine to game clients over HTTP.
//
// Build endpoints hand out unsigned transactions plus a pending intent id;
// the confirm and fail endpoints are the client-reported half of the intent
// lifecycle. Client reports are treated as hints: the ledger and the intent
// store decide what actually happened.
package arenaapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arena-gg/arena-settle/internal/intent"
	"github.com/arena-gg/arena-settle/internal/txbuild"
)

var ErrInvalidConfig = errors.New("arenaapi: invalid config")

// Reconciler is the slice of the reconciliation engine the handler calls.
type Reconciler interface {
	Confirm(ctx context.Context, intentID, signature string) (intent.Intent, error)
	Fail(ctx context.Context, intentID, reason string) (intent.Intent, error)
}

// IntentReader serves intent status lookups.
type IntentReader interface {
	Get(ctx context.Context, id string) (intent.Intent, error)
}

// TxService builds unsigned transactions and records their pending intents.
// *txbuild.Builder satisfies it.
type TxService interface {
	CreateTournament(ctx context.Context, actorID, tournamentID string) (intent.Intent, error)
	Register(ctx context.Context, actorID, tournamentID, wallet string, entryFee uint64) (intent.Intent, error)
	Stake(ctx context.Context, actorID, wallet string, amount uint64) (intent.Intent, error)
	Unstake(ctx context.Context, actorID, wallet string, amount uint64) (intent.Intent, error)
	DistributeRevenue(ctx context.Context, actorID, tournamentID string, total uint64, recipients []txbuild.RevenueRecipient) (intent.Intent, error)
	DistributePrizes(ctx context.Context, actorID, tournamentID string, awards []intent.PrizeAward) (intent.Intent, error)
	InitializePrizePool(ctx context.Context, actorID, tournamentID string) (intent.Intent, error)
	InitializeStakingPool(ctx context.Context, actorID string) (intent.Intent, error)
	InitializeRevenuePool(ctx context.Context, actorID, developer string) (intent.Intent, error)
	CreateAssociatedAccount(ctx context.Context, actorID, owner string) (intent.Intent, error)
}

type Config struct {
	Reconciler Reconciler
	Intents    IntentReader

	// Builder is optional; without it the build endpoints answer 503.
	Builder TxService

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("%w: missing reconciler", ErrInvalidConfig)
	}
	if cfg.Intents == nil {
		return nil, fmt.Errorf("%w: missing intent reader", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg: cfg,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/intents/{intentId}", h.handleIntentStatus)
	mux.HandleFunc("POST /v1/intents/{intentId}/confirm", h.handleConfirm)
	mux.HandleFunc("POST /v1/intents/{intentId}/fail", h.handleFail)
	mux.HandleFunc("POST /v1/tournaments", h.handleCreateTournament)
	mux.HandleFunc("POST /v1/tournaments/{tournamentId}/register", h.handleRegister)
	mux.HandleFunc("POST /v1/tournaments/{tournamentId}/revenue", h.handleDistributeRevenue)
	mux.HandleFunc("POST /v1/tournaments/{tournamentId}/prizes", h.handleDistributePrizes)
	mux.HandleFunc("POST /v1/stakes", h.handleStake)
	mux.HandleFunc("POST /v1/pools/prize", h.handleInitializePrizePool)
	mux.HandleFunc("POST /v1/pools/staking", h.handleInitializeStakingPool)
	mux.HandleFunc("POST /v1/pools/revenue", h.handleInitializeRevenuePool)
	mux.HandleFunc("POST /v1/token-accounts", h.handleCreateAssociatedAccount)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleIntentStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("intentId"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_intent_id")
		return
	}
	it, err := h.cfg.Intents.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, intent.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version":  "v1",
				"found":    false,
				"intentId": id,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	resp := intentJSON(it)
	resp["found"] = true
	writeJSON(w, http.StatusOK, resp)
}

type confirmRequestBody struct {
	Signature string `json:"signature"`
}

func (h *handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("intentId"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_intent_id")
		return
	}
	body, ok := decodeJSONBody[confirmRequestBody](w, r)
	if !ok {
		return
	}
	sig := strings.TrimSpace(body.Signature)
	if sig == "" {
		writeError(w, http.StatusBadRequest, "invalid_signature")
		return
	}

	it, err := h.cfg.Reconciler.Confirm(r.Context(), id, sig)
	if err != nil {
		writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intentJSON(it))
}

type failRequestBody struct {
	Reason string `json:"reason"`
}

func (h *handler) handleFail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("intentId"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_intent_id")
		return
	}
	body, ok := decodeJSONBody[failRequestBody](w, r)
	if !ok {
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		writeError(w, http.StatusBadRequest, "invalid_reason")
		return
	}

	it, err := h.cfg.Reconciler.Fail(r.Context(), id, reason)
	if err != nil {
		writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intentJSON(it))
}

type createTournamentBody struct {
	TournamentID string `json:"tournamentId"`
}

func (h *handler) handleCreateTournament(w http.ResponseWriter, r *http.Request) {
	builder, actor, ok := h.buildPrereqs(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[createTournamentBody](w, r)
	if !ok {
		return
	}
	it, err := builder.CreateTournament(r.Context(), actor, strings.TrimSpace(body.TournamentID))
	h.writeBuildResult(w, it, err)
}

type registerBody struct {
	Wallet   string `json:"wallet"`
	EntryFee string `json:"entryFee"`
}

func (h *handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	builder, actor, ok := h.buildPrereqs(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[registerBody](w, r)
	if !ok {
		return
	}
	fee, err := parseUint64BodyValue(body.EntryFee)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_entry_fee")
		return
	}
	it, err := builder.Register(r.Context(), actor, strings.TrimSpace(r.PathValue("tournamentId")), strings.TrimSpace(body.Wallet), fee)
	h.writeBuildResult(w, it, err)
}

type stakeBody struct {
	Wallet  string `json:"wallet"`
	Amount  string `json:"amount"`
	Unstake bool   `json:"unstake"`
}

func (h *handler) handleStake(w http.ResponseWriter, r *http.Request) {
	builder, actor, ok := h.buildPrereqs(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[stakeBody](w, r)
	if !ok {
		return
	}
	amount, err := parseUint64BodyValue(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	wallet := strings.TrimSpace(body.Wallet)
	var it intent.Intent
	if body.Unstake {
		it, err = builder.Unstake(r.Context(), actor, wallet, amount)
	} else {
		it, err = builder.Stake(r.Context(), actor, wallet, amount)
	}
	h.writeBuildResult(w, it, err)
}

type revenueRecipientBody struct {
	RecipientPath string `json:"recipientPath"`
	Wallet        string `json:"wallet"`
	Percent       uint8  `json:"percent"`
}

type distributeRevenueBody struct {
	Total      string                 `json:"total"`
	Recipients []revenueRecipientBody `json:"recipients"`
}

func (h *handler) handleDistributeRevenue(w http.ResponseWriter, r *http.Request) {
	builder, actor, ok := h.buildPrereqs(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[distributeRevenueBody](w, r)
	if !ok {
		return
	}
	total, err := parseUint64BodyValue(body.Total)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_total")
		return
	}
	recipients := make([]txbuild.RevenueRecipient, len(body.Recipients))
	for i, rec := range body.Recipients {
		recipients[i] = txbuild.RevenueRecipient{
			RecipientPath: strings.TrimSpace(rec.RecipientPath),
			Wallet:        strings.TrimSpace(rec.Wallet),
			Percent:       rec.Percent,
		}
	}
	it, err := builder.DistributeRevenue(r.Context(), actor, strings.TrimSpace(r.PathValue("tournamentId")), total, recipients)
	h.writeBuildResult(w, it, err)
}

type prizeAwardBody struct {
	Wallet string `json:"wallet"`
	Amount string `json:"amount"`
}

type distributePrizesBody struct {
	Awards []prizeAwardBody `json:"awards"`
}

func (h *handler) handleDistributePrizes(w http.ResponseWriter, r *http.Request) {
	builder, actor, ok := h.buildPrereqs(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[distributePrizesBody](w, r)
	if !ok {
		return
	}
	awards := make([]intent.PrizeAward, len(body.Awards))
	for i, a := range body.Awards {
		amount, err := parseUint64BodyValue(a.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_amount")
			return
		}
		awards[i] = intent.PrizeAward{Wallet: strings.TrimSpace(a.Wallet), Amount: amount}
	}
	it, err := builder.DistributePrizes(r.Context(), actor, strings.TrimSpace(r.PathValue("tournamentId")), awards)
	h.writeBuildResult(w, it, err)
}

type prizePoolBody struct {
	TournamentID string `json:"tournamentId"`
}

func (h *handler) handleInitializePrizePool(w http.ResponseWriter, r *http.Request) {
	builder, actor, ok := h.buildPrereqs(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[prizePoolBody](w, r)
	if !ok {
		return
	}
	it, err := builder.InitializePrizePool(r.Context(), actor, strings.TrimSpace(body.TournamentID))
	h.writeBuildResult(w, it, err)
}

func (h *handler) handleInitializeStakingPool(w http.ResponseWriter, r *http.Request) {
	builder, actor, ok := h.buildPrereqs(w, r)
	if !ok {
		return
	}
	it, err := builder.InitializeStakingPool(r.Context(), actor)
	h.writeBuildResult(w, it, err)
}

type revenuePoolBody struct {
	Developer string `json:"developer"`
}

func (h *handler) handleInitializeRevenuePool(w http.ResponseWriter, r *http.Request) {
	builder, actor, ok := h.buildPrereqs(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[revenuePoolBody](w, r)
	if !ok {
		return
	}
	it, err := builder.InitializeRevenuePool(r.Context(), actor, strings.TrimSpace(body.Developer))
	h.writeBuildResult(w, it, err)
}

type tokenAccountBody struct {
	Owner string `json:"owner"`
}

func (h *handler) handleCreateAssociatedAccount(w http.ResponseWriter, r *http.Request) {
	builder, actor, ok := h.buildPrereqs(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[tokenAccountBody](w, r)
	if !ok {
		return
	}
	it, err := builder.CreateAssociatedAccount(r.Context(), actor, strings.TrimSpace(body.Owner))
	h.writeBuildResult(w, it, err)
}

func (h *handler) buildPrereqs(w http.ResponseWriter, r *http.Request) (TxService, string, bool) {
	if h.cfg.Builder == nil {
		writeError(w, http.StatusServiceUnavailable, "build_unavailable")
		return nil, "", false
	}
	actor := strings.TrimSpace(r.Header.Get("X-Actor-Id"))
	if actor == "" {
		writeError(w, http.StatusBadRequest, "missing_actor_id")
		return nil, "", false
	}
	return h.cfg.Builder, actor, true
}

func (h *handler) writeBuildResult(w http.ResponseWriter, it intent.Intent, err error) {
	if err != nil {
		switch {
		case errors.Is(err, txbuild.ErrInvalidRequest), errors.Is(err, intent.ErrInvalidIntent), errors.Is(err, intent.ErrMissingMetadata):
			writeError(w, http.StatusBadRequest, "invalid_request")
		case errors.Is(err, intent.ErrStorageUnavailable):
			writeError(w, http.StatusServiceUnavailable, "storage_unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "build_failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, intentJSON(it))
}

func writeIntentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intent.ErrNotFound):
		writeError(w, http.StatusNotFound, "intent_not_found")
	case errors.Is(err, intent.ErrConflictingSignature):
		writeError(w, http.StatusConflict, "conflicting_signature")
	case errors.Is(err, intent.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func intentJSON(it intent.Intent) map[string]any {
	resp := map[string]any{
		"version":   "v1",
		"intentId":  it.ID,
		"kind":      it.Kind.String(),
		"status":    it.Status.String(),
		"createdAt": it.CreatedAt.UTC().Format(time.RFC3339),
		"expiresAt": it.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if len(it.SerializedTx) > 0 {
		resp["transactionBase64"] = base64.StdEncoding.EncodeToString(it.SerializedTx)
	}
	if it.ObservedSignature != "" {
		resp["observedSignature"] = it.ObservedSignature
	}
	if it.FailureReason != "" {
		resp["failureReason"] = it.FailureReason
	}
	if len(it.Metadata) > 0 {
		resp["metadata"] = json.RawMessage(it.Metadata)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   msg,
	})
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func parseUint64BodyValue(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("missing value")
	}
	return strconv.ParseUint(raw, 10, 64)
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
