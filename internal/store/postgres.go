package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/yield-engine/internal/custody"
	"github.com/atmx/yield-engine/internal/model"
)

// Schema creates the tables used by PostgresStore. Pool and position state
// is stored as JSONB; the amounts operators query on are mirrored into
// NUMERIC columns for exact arithmetic in SQL.
const Schema = `
CREATE SEQUENCE IF NOT EXISTS pool_ids;

CREATE TABLE IF NOT EXISTS pools (
	id                   BIGINT PRIMARY KEY,
	active               BOOLEAN NOT NULL,
	custody              TEXT NOT NULL,
	base_asset           TEXT NOT NULL,
	total_staked         NUMERIC(78, 0) NOT NULL,
	acc_reward_per_share NUMERIC(78, 0) NOT NULL,
	rewards_accrued      NUMERIC(78, 0) NOT NULL,
	rewards_paid         NUMERIC(78, 0) NOT NULL,
	state                JSONB NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS positions (
	pool_id BIGINT NOT NULL REFERENCES pools (id),
	owner   TEXT NOT NULL,
	staked  NUMERIC(78, 0) NOT NULL,
	state   JSONB NOT NULL,
	PRIMARY KEY (pool_id, owner)
);

CREATE TABLE IF NOT EXISTS pool_events (
	id          UUID PRIMARY KEY,
	seq         BIGSERIAL,
	pool_id     BIGINT NOT NULL REFERENCES pools (id),
	kind        TEXT NOT NULL,
	participant TEXT NOT NULL,
	base        NUMERIC(78, 0) NOT NULL,
	quote       NUMERIC(78, 0) NOT NULL,
	reward      NUMERIC(78, 0) NOT NULL,
	penalty     NUMERIC(78, 0) NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS pool_events_pool_seq ON pool_events (pool_id, seq);

CREATE TABLE IF NOT EXISTS balances (
	asset   TEXT NOT NULL,
	account TEXT NOT NULL,
	amount  NUMERIC(78, 0) NOT NULL CHECK (amount >= 0),
	PRIMARY KEY (asset, account)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC(78,0), wide enough for any uint256.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates missing tables.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) NextPoolID(ctx context.Context) (uint64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('pool_ids')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("next pool id: %w", err)
	}
	return uint64(id), nil
}

func (s *PostgresStore) GetPool(ctx context.Context, id uint64) (*model.Pool, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM pools WHERE id = $1`, int64(id)).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %d: %w", id, err)
	}
	var p model.Pool
	if err := json.Unmarshal(state, &p); err != nil {
		return nil, fmt.Errorf("decode pool %d: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT state FROM pools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		var p model.Pool
		if err := json.Unmarshal(state, &p); err != nil {
			return nil, fmt.Errorf("decode pool: %w", err)
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, poolID uint64, owner common.Address) (*model.Position, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM positions WHERE pool_id = $1 AND owner = $2`,
		int64(poolID), owner.Hex()).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %d/%s: %w", poolID, owner.Hex(), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %d/%s: %w", poolID, owner.Hex(), err)
	}
	var p model.Position
	if err := json.Unmarshal(state, &p); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, poolID uint64) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state FROM positions WHERE pool_id = $1 ORDER BY owner`, int64(poolID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		var p model.Position
		if err := json.Unmarshal(state, &p); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListEvents(ctx context.Context, poolID uint64, limit int) ([]model.Event, error) {
	query := `SELECT id::TEXT, pool_id, kind, participant,
	                 base::TEXT, quote::TEXT, reward::TEXT, penalty::TEXT, timestamp
	          FROM (SELECT * FROM pool_events WHERE pool_id = $1 ORDER BY seq DESC LIMIT $2) recent
	          ORDER BY seq`
	// LIMIT NULL returns every row.
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, query, int64(poolID), limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Commit applies the whole mutation in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, m Mutation) error {
	if m.Pool == nil {
		return fmt.Errorf("commit: %w: no pool", ErrNotFound)
	}
	state, err := json.Marshal(m.Pool)
	if err != nil {
		return fmt.Errorf("encode pool: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	p := m.Pool
	if m.Create {
		_, err = tx.Exec(ctx,
			`INSERT INTO pools (id, active, custody, base_asset, total_staked, acc_reward_per_share,
			                    rewards_accrued, rewards_paid, state)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
			int64(p.ID), p.Active, p.Custody.Hex(), p.BaseAsset.Hex(),
			p.TotalStaked.Dec(), p.AccRewardPerShare.Dec(), p.RewardsAccrued.Dec(), p.RewardsPaid.Dec(),
			state)
		if err != nil {
			return fmt.Errorf("insert pool %d: %w", p.ID, err)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE pools
			 SET active = $2, total_staked = $3::NUMERIC, acc_reward_per_share = $4::NUMERIC,
			     rewards_accrued = $5::NUMERIC, rewards_paid = $6::NUMERIC, state = $7, updated_at = now()
			 WHERE id = $1`,
			int64(p.ID), p.Active,
			p.TotalStaked.Dec(), p.AccRewardPerShare.Dec(), p.RewardsAccrued.Dec(), p.RewardsPaid.Dec(),
			state)
		if err != nil {
			return fmt.Errorf("update pool %d: %w", p.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("pool %d: %w", p.ID, ErrNotFound)
		}
	}

	for _, pos := range m.Positions {
		posState, err := json.Marshal(pos)
		if err != nil {
			return fmt.Errorf("encode position: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (pool_id, owner, staked, state)
			 VALUES ($1, $2, $3::NUMERIC, $4)
			 ON CONFLICT (pool_id, owner) DO UPDATE SET staked = EXCLUDED.staked, state = EXCLUDED.state`,
			int64(pos.PoolID), pos.Owner.Hex(), pos.Staked.Dec(), posState)
		if err != nil {
			return fmt.Errorf("upsert position %d/%s: %w", pos.PoolID, pos.Owner.Hex(), err)
		}
	}

	for _, owner := range m.RemovedPositions {
		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE pool_id = $1 AND owner = $2`,
			int64(p.ID), owner.Hex()); err != nil {
			return fmt.Errorf("delete position %d/%s: %w", p.ID, owner.Hex(), err)
		}
	}
	if len(m.RetractedEvents) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM pool_events WHERE pool_id = $1 AND id = ANY($2::UUID[])`,
			int64(p.ID), m.RetractedEvents); err != nil {
			return fmt.Errorf("retract events: %w", err)
		}
	}

	for i := range m.Transfers {
		if err := applyTransfer(ctx, tx, &m.Transfers[i]); err != nil {
			return err
		}
	}

	for _, e := range m.Events {
		_, err = tx.Exec(ctx,
			`INSERT INTO pool_events (id, pool_id, kind, participant, base, quote, reward, penalty, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
			e.ID, int64(e.PoolID), string(e.Kind), e.Participant.Hex(),
			e.Base.Dec(), e.Quote.Dec(), e.Reward.Dec(), e.Penalty.Dec(), e.Timestamp)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// applyTransfer debits and credits inside tx. The debit only matches a row
// holding enough balance.
func applyTransfer(ctx context.Context, tx pgx.Tx, t *custody.Transfer) error {
	if err := t.Check(); err != nil {
		return err
	}
	if t.Amount.IsZero() {
		return nil
	}
	tag, err := tx.Exec(ctx,
		`UPDATE balances SET amount = amount - $3::NUMERIC
		 WHERE asset = $1 AND account = $2 AND amount >= $3::NUMERIC`,
		t.Asset.Hex(), t.From.Hex(), t.Amount.Dec())
	if err != nil {
		return fmt.Errorf("debit %s: %w", t.Reason, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s needs %s for %s", custody.ErrInsufficientBalance, t.From.Hex(), t.Amount.Dec(), t.Reason)
	}
	return credit(ctx, tx, t.Asset, t.To, &t.Amount)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func credit(ctx context.Context, db execer, asset, account common.Address, amount *uint256.Int) error {
	_, err := db.Exec(ctx,
		`INSERT INTO balances (asset, account, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (asset, account) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		asset.Hex(), account.Hex(), amount.Dec())
	if err != nil {
		return fmt.Errorf("credit %s: %w", account.Hex(), err)
	}
	return nil
}

// BalanceOf returns the booked balance; unknown accounts hold zero.
func (s *PostgresStore) BalanceOf(ctx context.Context, asset, account common.Address) (*uint256.Int, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM balances WHERE asset = $1 AND account = $2`,
		asset.Hex(), account.Hex()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return uint256.FromDecimal(amount)
}

// Deposit credits tokens that arrived from outside the ledger.
func (s *PostgresStore) Deposit(ctx context.Context, asset, account common.Address, amount *uint256.Int) error {
	if account == (common.Address{}) {
		return custody.ErrZeroAddress
	}
	if amount.IsZero() {
		return custody.ErrZeroAmount
	}
	return credit(ctx, s.pool, asset, account, amount)
}

// pgxRows is the subset of pgx.Rows read by scanEvents.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var id int64
		var kind, participant, base, quote, reward, penalty string

		if err := rows.Scan(&e.ID, &id, &kind, &participant,
			&base, &quote, &reward, &penalty, &e.Timestamp); err != nil {
			return nil, err
		}
		e.PoolID = uint64(id)
		e.Kind = model.EventKind(kind)
		e.Participant = common.HexToAddress(participant)
		for _, f := range []struct {
			dst *uint256.Int
			src string
		}{{&e.Base, base}, {&e.Quote, quote}, {&e.Reward, reward}, {&e.Penalty, penalty}} {
			if err := f.dst.SetFromDecimal(f.src); err != nil {
				return nil, fmt.Errorf("decode event %s amount %q: %w", e.ID, f.src, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
