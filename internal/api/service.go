// Package api exposes the engine over HTTP and streams committed ledger
// events over WebSocket.
//
// Amounts are base-10 strings of base units, never floating point.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/apperr"
	"github.com/atmx/yield-engine/internal/auth"
	"github.com/atmx/yield-engine/internal/model"
	"github.com/atmx/yield-engine/internal/reconcile"
	"github.com/atmx/yield-engine/internal/staking"
)

// Reconciler runs an on-demand reconciliation.
type Reconciler interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

// Service serves the pool API.
type Service struct {
	engine     *staking.Engine
	reconciler Reconciler
	log        *slog.Logger
}

// NewService creates the API service. reconciler may be nil.
func NewService(engine *staking.Engine, reconciler Reconciler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, reconciler: reconciler, log: logger}
}

// Routes registers every route on r. Participant routes need an identity
// in the request context; admin and liquidity routes additionally need
// the matching scope. The engine still checks the admin address and the
// pool's collaborator list.
func (s *Service) Routes(r chi.Router) {
	r.Get("/pools", s.ListPools)
	r.Get("/balances/{asset}/{address}", s.GetBalance)
	r.Route("/pools/{poolID}", func(r chi.Router) {
		r.Get("/", s.GetPool)
		r.Get("/events", s.ListEvents)
		r.Get("/quote", s.QuotePurchase)
		r.Get("/positions/{address}", s.GetPosition)
		r.Get("/positions/{address}/pending", s.PendingReward)
		r.Get("/positions/{address}/penalty", s.PreviewPenalty)

		r.Post("/purchase", s.Purchase)
		r.Post("/purchase-exact", s.PurchaseExact)
		r.Post("/stake", s.Stake)
		r.Post("/claim", s.Claim)
		r.Post("/unstake", s.Unstake)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.Require(auth.ScopeAdmin))
		r.Post("/deposits", s.Deposit)
		r.Post("/pools", s.CreatePool)
		r.Post("/pools/{poolID}/allocations", s.Allocate)
		r.Put("/pools/{poolID}/strategy", s.ConfigureStrategy)
		r.Put("/pools/{poolID}/policy", s.SetPolicy)
		r.Put("/pools/{poolID}/active", s.SetActive)
		r.Put("/pools/{poolID}/earmark", s.SetEarmark)
		r.Put("/pools/{poolID}/collaborators/{address}", s.AuthorizeCollaborator)
		r.Get("/reconcile", s.Reconcile)
	})

	r.Route("/liquidity/pools/{poolID}", func(r chi.Router) {
		r.Use(auth.Require(auth.ScopeLiquidity))
		r.Post("/added", s.LiquidityAdded)
		r.Post("/refund", s.LiquidityRefund)
	})
}

// --- Read handlers ---

// ListPools handles GET /pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.engine.Pools(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	out := make([]PoolView, 0, len(pools))
	for i := range pools {
		out = append(out, poolView(&pools[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPool handles GET /pools/{poolID}
// The accumulator is brought current before the pool is returned.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	p, err := s.engine.SettledPool(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	view := poolView(p)
	if price, err := s.engine.SpotPrice(r.Context(), id); err == nil {
		view.SpotPrice = price.String()
	} else {
		s.log.DebugContext(r.Context(), "spot price unavailable", "pool", id, "err", err)
	}
	writeJSON(w, http.StatusOK, view)
}

// ListEvents handles GET /pools/{poolID}/events?limit=N
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.engine.Events(r.Context(), id, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	out := make([]EventView, 0, len(events))
	for i := range events {
		out = append(out, eventView(&events[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// QuotePurchase handles GET /pools/{poolID}/quote?budget=N
func (s *Service) QuotePurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	budget, err := parseAmount("budget", r.URL.Query().Get("budget"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	q, err := s.engine.QuotePurchase(r.Context(), id, budget)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	resp := QuoteResponse{Base: q.Base.Dec(), Cost: q.Cost.Dec(), Refund: q.Refund.Dec()}
	if price, err := s.engine.SpotPrice(r.Context(), id); err == nil {
		resp.SpotPrice = price.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPosition handles GET /pools/{poolID}/positions/{address}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := poolAndAddress(w, r)
	if !ok {
		return
	}
	pos, err := s.engine.Position(r.Context(), id, addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(pos))
}

// GetBalance handles GET /balances/{asset}/{address}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	asset, ok := addressParam(w, r, "asset")
	if !ok {
		return
	}
	account, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	b, err := s.engine.Balance(r.Context(), asset, account)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Asset: asset, Account: account, Amount: b.Dec()})
}

// PendingReward handles GET /pools/{poolID}/positions/{address}/pending
func (s *Service) PendingReward(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := poolAndAddress(w, r)
	if !ok {
		return
	}
	pending, err := s.engine.PendingReward(r.Context(), id, addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PendingResponse{Pending: pending.Dec()})
}

// PreviewPenalty handles GET /pools/{poolID}/positions/{address}/penalty
func (s *Service) PreviewPenalty(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := poolAndAddress(w, r)
	if !ok {
		return
	}
	preview, err := s.engine.PreviewUnstakePenalty(r.Context(), id, addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, penaltyPreview(preview))
}

// --- Participant operations ---

// Purchase handles POST /pools/{poolID}/purchase
func (s *Service) Purchase(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	budget, err := parseAmount("budget", req.Budget)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	lock, err := parseLock(req.Lock)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.PurchaseAndStake(r.Context(), caller, staking.PurchaseRequest{
		PoolID: id, Budget: *budget, LockDuration: lock, Referrer: req.Referrer,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseResponse(&res))
}

// PurchaseExact handles POST /pools/{poolID}/purchase-exact
func (s *Service) PurchaseExact(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	var req ExactPurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	base, err := parseAmount("base", req.Base)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	maxQuote, err := parseAmount("max_quote", req.MaxQuote)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	lock, err := parseLock(req.Lock)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.PurchaseExactAndStake(r.Context(), caller, staking.ExactPurchaseRequest{
		PoolID: id, Base: *base, MaxQuote: *maxQuote, LockDuration: lock, Referrer: req.Referrer,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseResponse(&res))
}

func purchaseResponse(res *staking.PurchaseResult) PurchaseResponse {
	return PurchaseResponse{
		Base:       res.Base.Dec(),
		Cost:       res.Cost.Dec(),
		Refund:     res.Refund.Dec(),
		Commission: res.Commission.Dec(),
		Position:   positionView(&res.Position),
	}
}

// Stake handles POST /pools/{poolID}/stake
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	var req StakeRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	lock, err := parseLock(req.Lock)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.StakeExisting(r.Context(), caller, id, amount, lock)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(&res.Position))
}

// Claim handles POST /pools/{poolID}/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	res, err := s.engine.Claim(r.Context(), caller, id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{RewardPaid: res.RewardPaid.Dec(), VestingScheduleID: res.VestingScheduleID})
}

// Unstake handles POST /pools/{poolID}/unstake
func (s *Service) Unstake(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	res, err := s.engine.Unstake(r.Context(), caller, id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UnstakeResponse{
		PrincipalReturned: res.PrincipalReturned.Dec(),
		Penalty:           res.Penalty.Dec(),
		RewardPaid:        res.RewardPaid.Dec(),
		Matured:           res.Matured,
		VestingScheduleID: res.VestingScheduleID,
	})
}

// --- Administration ---

// Deposit handles POST /admin/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.engine.Deposit(r.Context(), caller, req.Asset, req.Account, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	b, err := s.engine.Balance(r.Context(), req.Asset, req.Account)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, BalanceResponse{Asset: req.Asset, Account: req.Account, Amount: b.Dec()})
}

// CreatePool handles POST /admin/pools
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req CreatePoolRequest
	if !decode(w, r, &req) {
		return
	}
	lot, err := parseAmount("lot_size", req.LotSize)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	minLot, err := parseOptionalAmount("min_lot", req.MinLot)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	policy, err := req.Policy.policy()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	p, err := s.engine.CreatePool(r.Context(), caller, staking.PoolParams{
		BaseAsset:     req.BaseAsset,
		QuoteAsset:    req.QuoteAsset,
		Pair:          req.Pair,
		Custody:       req.Custody,
		BaseDecimals:  req.BaseDecimals,
		QuoteDecimals: req.QuoteDecimals,
		LotSize:       *lot,
		MinLot:        *minLot,
		Policy:        policy,
		Active:        req.Active,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.log.InfoContext(r.Context(), "pool created", "pool", p.ID, "base", p.BaseAsset.Hex(), "quote", p.QuoteAsset.Hex())
	writeJSON(w, http.StatusCreated, poolView(p))
}

// Allocate handles POST /admin/pools/{poolID}/allocations
func (s *Service) Allocate(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	var req AllocationRequest
	if !decode(w, r, &req) {
		return
	}
	sale, err := parseOptionalAmount("sale", req.Sale)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	rewards, err := parseOptionalAmount("rewards", req.Rewards)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if sale.IsZero() && rewards.IsZero() {
		writeError(w, "sale or rewards amount is required", http.StatusBadRequest)
		return
	}
	if !sale.IsZero() {
		if err := s.engine.AllocateForSale(r.Context(), caller, id, sale); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}
	if !rewards.IsZero() {
		if err := s.engine.AllocateForRewards(r.Context(), caller, id, rewards); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}
	s.writePool(w, r, id)
}

// ConfigureStrategy handles PUT /admin/pools/{poolID}/strategy
func (s *Service) ConfigureStrategy(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	var req StrategyRequest
	if !decode(w, r, &req) {
		return
	}
	var err error
	switch {
	case req.Strategy == model.StrategyLinear:
		var rate *uint256.Int
		if rate, err = parseAmount("rate_per_second", req.RatePerSecond); err == nil {
			err = s.engine.ConfigureLinear(r.Context(), caller, id, rate)
		}
	case req.Strategy.Periodic():
		periods := make([]uint256.Int, len(req.Periods))
		for i, raw := range req.Periods {
			var v *uint256.Int
			if v, err = parseAmount(fmt.Sprintf("periods[%d]", i), raw); err != nil {
				break
			}
			periods[i] = *v
		}
		if err == nil {
			err = s.engine.ConfigurePeriods(r.Context(), caller, id, req.Strategy, periods, req.PeriodStart)
		}
	default:
		err = fmt.Errorf("%w: unknown strategy %q", errInvalidInput, req.Strategy)
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writePool(w, r, id)
}

// SetPolicy handles PUT /admin/pools/{poolID}/policy
func (s *Service) SetPolicy(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	var req PolicyRequest
	if !decode(w, r, &req) {
		return
	}
	policy, err := req.policy()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.engine.SetPolicy(r.Context(), caller, id, policy); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writePool(w, r, id)
}

// SetActive handles PUT /admin/pools/{poolID}/active
func (s *Service) SetActive(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	var req ActiveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.SetActive(r.Context(), caller, id, req.Active); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writePool(w, r, id)
}

// SetEarmark handles PUT /admin/pools/{poolID}/earmark
func (s *Service) SetEarmark(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	var req EarmarkRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.engine.SetLiquidityEarmark(r.Context(), caller, id, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writePool(w, r, id)
}

// AuthorizeCollaborator handles PUT /admin/pools/{poolID}/collaborators/{address}
func (s *Service) AuthorizeCollaborator(w http.ResponseWriter, r *http.Request) {
	id, collaborator, ok := poolAndAddress(w, r)
	if !ok {
		return
	}
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req CollaboratorRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.AuthorizeCollaborator(r.Context(), caller, id, collaborator, req.Allowed); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writePool(w, r, id)
}

// Reconcile handles GET /admin/reconcile
// Runs a reconciliation immediately and returns the report.
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, "reconciliation is not configured", http.StatusNotFound)
		return
	}
	report, err := s.reconciler.Run(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reportView(report))
}

// --- Liquidity collaborator callbacks ---

// LiquidityAdded handles POST /liquidity/pools/{poolID}/added
func (s *Service) LiquidityAdded(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	var req LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	base, err := parseOptionalAmount("base", req.Base)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	quote, err := parseOptionalAmount("quote", req.Quote)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.engine.RecordLiquidityAdded(r.Context(), caller, id, base, quote); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writePool(w, r, id)
}

// LiquidityRefund handles POST /liquidity/pools/{poolID}/refund
func (s *Service) LiquidityRefund(w http.ResponseWriter, r *http.Request) {
	id, caller, ok := s.begin(w, r)
	if !ok {
		return
	}
	var req LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	base, err := parseAmount("base", req.Base)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.engine.RefundLiquidity(r.Context(), caller, id, base); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writePool(w, r, id)
}

// --- Helpers ---

func (s *Service) writePool(w http.ResponseWriter, r *http.Request, id uint64) {
	p, err := s.engine.Pool(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, poolView(p))
}

// begin resolves the pool ID and the authenticated caller.
func (s *Service) begin(w http.ResponseWriter, r *http.Request) (uint64, common.Address, bool) {
	id, ok := poolID(w, r)
	if !ok {
		return 0, common.Address{}, false
	}
	caller, ok := callerOf(w, r)
	return id, caller, ok
}

func callerOf(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, "caller identity required", http.StatusUnauthorized)
		return common.Address{}, false
	}
	return id.Address, true
}

func poolID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "poolID"), 10, 64)
	if err != nil {
		writeError(w, "invalid pool id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func poolAndAddress(w http.ResponseWriter, r *http.Request) (uint64, common.Address, bool) {
	id, ok := poolID(w, r)
	if !ok {
		return 0, common.Address{}, false
	}
	addr, ok := addressParam(w, r, "address")
	return id, addr, ok
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusOf maps an error kind to its HTTP status.
func statusOf(err error) int {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	switch apperr.KindOf(err) {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Market:
		return http.StatusConflict
	case apperr.Authorization:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Busy:
		return http.StatusConflict
	case apperr.Unavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
