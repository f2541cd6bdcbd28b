// Package vesting is the boundary to the linear-vesting collaborator that
// receives claimed rewards when a pool vests by default.
package vesting

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/yield-engine/internal/apperr"
)

var (
	// ErrScheduleNotFound is returned for an unknown schedule ID.
	ErrScheduleNotFound = apperr.New(apperr.NotFound, "vesting: schedule not found")

	// ErrZeroAmount is returned when creating an empty schedule.
	ErrZeroAmount = apperr.New(apperr.Validation, "vesting: amount must be positive")
)

// Vesting creates release schedules for reward amounts already transferred
// into its custody account.
type Vesting interface {
	// Custody is the account the engine transfers rewards to before calling
	// CreateSchedule.
	Custody() common.Address
	CreateSchedule(ctx context.Context, beneficiary common.Address, amount *uint256.Int, start, duration uint64) (string, error)
}

// Schedule is one linear release schedule.
type Schedule struct {
	ID          string         `json:"id"`
	Beneficiary common.Address `json:"beneficiary"`
	Amount      uint256.Int    `json:"amount"`
	Start       uint64         `json:"start"`
	Duration    uint64         `json:"duration"`
	Released    uint256.Int    `json:"released"`
}

// Vested returns the amount vested at now.
func (s *Schedule) Vested(now uint64) *uint256.Int {
	switch {
	case now < s.Start:
		return new(uint256.Int)
	case s.Duration == 0 || now >= s.Start+s.Duration:
		return new(uint256.Int).Set(&s.Amount)
	}
	// amount*elapsed/duration < amount, so the quotient always fits.
	vested, _ := new(uint256.Int).MulDivOverflow(&s.Amount, uint256.NewInt(now-s.Start), uint256.NewInt(s.Duration))
	return vested
}

// MemoryVesting keeps schedules in memory.
type MemoryVesting struct {
	custody common.Address

	mu        sync.Mutex
	schedules map[string]*Schedule
}

// NewMemoryVesting creates a vesting collaborator holding funds in custody.
func NewMemoryVesting(custody common.Address) *MemoryVesting {
	return &MemoryVesting{custody: custody, schedules: make(map[string]*Schedule)}
}

func (v *MemoryVesting) Custody() common.Address { return v.custody }

// CreateSchedule records a new linear schedule and returns its ID.
func (v *MemoryVesting) CreateSchedule(_ context.Context, beneficiary common.Address, amount *uint256.Int, start, duration uint64) (string, error) {
	if amount.IsZero() {
		return "", ErrZeroAmount
	}
	s := &Schedule{
		ID:          uuid.New().String(),
		Beneficiary: beneficiary,
		Amount:      *amount,
		Start:       start,
		Duration:    duration,
	}

	v.mu.Lock()
	v.schedules[s.ID] = s
	v.mu.Unlock()
	return s.ID, nil
}

// Get returns a copy of a schedule.
func (v *MemoryVesting) Get(id string) (Schedule, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.schedules[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return *s, nil
}

// Releasable returns the vested amount not yet released.
func (v *MemoryVesting) Releasable(id string, now uint64) (*uint256.Int, error) {
	s, err := v.Get(id)
	if err != nil {
		return nil, err
	}
	vested := s.Vested(now)
	return vested.Sub(vested, &s.Released), nil
}

// Release marks the releasable amount as released and returns it.
func (v *MemoryVesting) Release(id string, now uint64) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	amount := s.Vested(now)
	amount.Sub(amount, &s.Released)
	s.Released.Add(&s.Released, amount)
	return amount, nil
}
