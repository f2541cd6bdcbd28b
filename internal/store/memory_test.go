package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/custody"
	"github.com/atmx/yield-engine/internal/model"
)

var owner = common.HexToAddress("0x000000000000000000000000000000000000a11c")

func seed(t *testing.T, s *MemoryStore) *model.Pool {
	t.Helper()
	ctx := context.Background()
	id, err := s.NextPoolID(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := &model.Pool{ID: id, Active: true}
	if err := s.Commit(ctx, Mutation{Pool: p, Create: true}); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return p
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	p := seed(t, s)

	got, err := s.GetPool(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != 1 || !got.Active {
		t.Errorf("unexpected pool: %+v", got)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	p := seed(t, s)
	ctx := context.Background()

	got, _ := s.GetPool(ctx, p.ID)
	got.TotalStaked = *uint256.NewInt(99)
	got.Policy.LockDurations = append(got.Policy.LockDurations, 1)

	again, _ := s.GetPool(ctx, p.ID)
	if !again.TotalStaked.IsZero() || len(again.Policy.LockDurations) != 0 {
		t.Error("mutating a returned pool must not change the stored pool")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.GetPool(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for pool, got %v", err)
	}
	if _, err := s.GetPosition(ctx, 1, owner); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for position, got %v", err)
	}
}

func TestMemoryStore_CreateTwice(t *testing.T) {
	s := NewMemoryStore()
	p := seed(t, s)
	err := s.Commit(context.Background(), Mutation{Pool: p, Create: true})
	if !errors.Is(err, ErrPoolExists) {
		t.Errorf("expected ErrPoolExists, got %v", err)
	}
}

func TestMemoryStore_CommitIsAllOrNothing(t *testing.T) {
	s := NewMemoryStore()
	p := seed(t, s)
	ctx := context.Background()

	next := p.Clone()
	next.TotalStaked = *uint256.NewInt(5)
	bad := &model.Position{PoolID: p.ID + 1, Owner: owner}
	if err := s.Commit(ctx, Mutation{Pool: next, Positions: []*model.Position{bad}}); err == nil {
		t.Fatal("expected error for position from another pool")
	}

	got, _ := s.GetPool(ctx, p.ID)
	if !got.TotalStaked.IsZero() {
		t.Error("rejected commit must not update the pool")
	}
}

func TestMemoryStore_PositionsAndEvents(t *testing.T) {
	s := NewMemoryStore()
	p := seed(t, s)
	ctx := context.Background()

	pos := &model.Position{PoolID: p.ID, Owner: owner, Staked: *uint256.NewInt(10)}
	events := []model.Event{
		{ID: "e1", PoolID: p.ID, Kind: model.EventStake, Timestamp: time.Unix(1, 0)},
		{ID: "e2", PoolID: p.ID, Kind: model.EventClaim, Timestamp: time.Unix(2, 0)},
		{ID: "e3", PoolID: p.ID, Kind: model.EventUnstake, Timestamp: time.Unix(3, 0)},
	}
	if err := s.Commit(ctx, Mutation{Pool: p, Positions: []*model.Position{pos}, Events: events}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetPosition(ctx, p.ID, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Staked.Uint64() != 10 {
		t.Errorf("expected staked 10, got %s", got.Staked.Dec())
	}

	all, _ := s.ListEvents(ctx, p.ID, 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	last, _ := s.ListEvents(ctx, p.ID, 2)
	if len(last) != 2 || last[0].ID != "e2" || last[1].ID != "e3" {
		t.Errorf("expected the two newest events in order, got %+v", last)
	}
	list, _ := s.ListPositions(ctx, p.ID)
	if len(list) != 1 {
		t.Errorf("expected 1 position, got %d", len(list))
	}
}

var (
	token = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	vault = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

func balanceOf(t *testing.T, s *MemoryStore, account common.Address) uint64 {
	t.Helper()
	b, err := s.BalanceOf(context.Background(), token, account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b.Uint64()
}

func TestMemoryStore_CommitMovesBalances(t *testing.T) {
	s := NewMemoryStore()
	p := seed(t, s)
	ctx := context.Background()
	if err := s.Deposit(ctx, token, owner, uint256.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	next := p.Clone()
	next.DirectDeposits = *uint256.NewInt(100)
	err := s.Commit(ctx, Mutation{Pool: next, Transfers: []custody.Transfer{
		{Asset: token, From: owner, To: vault, Amount: *uint256.NewInt(100), Reason: "stake"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := balanceOf(t, s, vault); got != 100 {
		t.Errorf("expected vault 100, got %d", got)
	}
	if got := balanceOf(t, s, owner); got != 0 {
		t.Errorf("expected owner 0, got %d", got)
	}
}

func TestMemoryStore_UncoveredTransferRejectsCommit(t *testing.T) {
	s := NewMemoryStore()
	p := seed(t, s)
	ctx := context.Background()

	next := p.Clone()
	next.TotalStaked = *uint256.NewInt(5)
	pos := &model.Position{PoolID: p.ID, Owner: owner, Staked: *uint256.NewInt(5)}
	err := s.Commit(ctx, Mutation{
		Pool:      next,
		Positions: []*model.Position{pos},
		Events:    []model.Event{{ID: "e1", PoolID: p.ID, Kind: model.EventStake}},
		Transfers: []custody.Transfer{{Asset: token, From: owner, To: vault, Amount: *uint256.NewInt(5)}},
	})
	if !errors.Is(err, custody.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	got, _ := s.GetPool(ctx, p.ID)
	if !got.TotalStaked.IsZero() {
		t.Error("rejected commit must not update the pool")
	}
	if _, err := s.GetPosition(ctx, p.ID, owner); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected commit must not write positions, got %v", err)
	}
	if events, _ := s.ListEvents(ctx, p.ID, 0); len(events) != 0 {
		t.Errorf("rejected commit must not append events, got %d", len(events))
	}
}

func TestMemoryStore_RollbackMutation(t *testing.T) {
	s := NewMemoryStore()
	p := seed(t, s)
	ctx := context.Background()
	if err := s.Deposit(ctx, token, vault, uint256.NewInt(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	pay := []custody.Transfer{{Asset: token, From: vault, To: owner, Amount: *uint256.NewInt(20), Reason: "pay"}}
	next := p.Clone()
	next.RewardsPaid = *uint256.NewInt(20)
	pos := &model.Position{PoolID: p.ID, Owner: owner, TotalClaimed: *uint256.NewInt(20)}
	err := s.Commit(ctx, Mutation{
		Pool:      next,
		Positions: []*model.Position{pos},
		Events:    []model.Event{{ID: "keep", PoolID: p.ID}, {ID: "drop", PoolID: p.ID}},
		Transfers: pay,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = s.Commit(ctx, Mutation{
		Pool:             p,
		RemovedPositions: []common.Address{owner},
		RetractedEvents:  []string{"drop"},
		Transfers:        custody.Reverse(pay),
	})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got, _ := s.GetPool(ctx, p.ID)
	if !got.RewardsPaid.IsZero() {
		t.Errorf("expected pool restored, got rewards paid %s", got.RewardsPaid.Dec())
	}
	if _, err := s.GetPosition(ctx, p.ID, owner); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected position removed, got %v", err)
	}
	events, _ := s.ListEvents(ctx, p.ID, 0)
	if len(events) != 1 || events[0].ID != "keep" {
		t.Errorf("expected only the kept event, got %+v", events)
	}
	if got := balanceOf(t, s, vault); got != 50 {
		t.Errorf("expected vault 50, got %d", got)
	}
}
