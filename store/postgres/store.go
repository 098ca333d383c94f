// Package postgres persists transaction attempts in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/DERACHAIN/bundler/txm"
)

const uniqueViolation pq.ErrorCode = "23505"

var columns = []string{
	"transaction_id", "chain_id", "relayer_manager_name", "relayer_address", "to_address", "value", "data",
	"gas_limit", "nonce", "raw_transaction", "transaction_hash", "previous_transaction_hash", "status",
	"resubmitted", "retry_count", "gas_price", "gas_fee_cap", "gas_tip_cap", "gas_used", "effective_gas_price",
	"block_number", "block_hash", "receipt", "front_run_transaction_hash", "created_at", "updated_at",
}

var (
	selectColumns = "id, " + strings.Join(columns, ", ")

	insertQuery = fmt.Sprintf(`INSERT INTO transactions (%s) VALUES (:%s)`,
		strings.Join(columns, ", "), strings.Join(columns, ", :"))

	updateQuery = `UPDATE transactions SET status = :status, gas_used = :gas_used, effective_gas_price = :effective_gas_price,
		block_number = :block_number, block_hash = :block_hash, receipt = :receipt,
		front_run_transaction_hash = :front_run_transaction_hash, updated_at = :updated_at
		WHERE id = :id`

	selectLatestQuery = `SELECT ` + selectColumns + ` FROM transactions
		WHERE chain_id = $1 AND transaction_id = $2 ORDER BY id DESC LIMIT 1`

	selectByHashQuery = `SELECT ` + selectColumns + ` FROM transactions
		WHERE chain_id = $1 AND transaction_id = $2 AND transaction_hash = $3`

	selectAttemptsQuery = `SELECT ` + selectColumns + ` FROM transactions
		WHERE chain_id = $1 AND transaction_id = $2 ORDER BY id ASC`

	selectPendingQuery = `SELECT ` + selectColumns + ` FROM transactions
		WHERE chain_id = $1 AND status = 'PENDING' AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`

	countPendingQuery = `SELECT COUNT(*) FROM transactions
		WHERE chain_id = $1 AND relayer_address = $2 AND status = 'PENDING'`

	deletePendingQuery = `DELETE FROM transactions
		WHERE chain_id = $1 AND transaction_id = $2 AND transaction_hash = $3 AND status = 'PENDING'`

	restoreDroppedQuery = `UPDATE transactions SET status = 'PENDING', updated_at = $4
		WHERE chain_id = $1 AND transaction_id = $2 AND transaction_hash = $3 AND status = 'DROPPED'`
)

type row struct {
	ID                      int64          `db:"id"`
	TransactionID           string         `db:"transaction_id"`
	ChainID                 int64          `db:"chain_id"`
	RelayerManagerName      string         `db:"relayer_manager_name"`
	RelayerAddress          string         `db:"relayer_address"`
	ToAddress               string         `db:"to_address"`
	Value                   string         `db:"value"`
	Data                    []byte         `db:"data"`
	GasLimit                int64          `db:"gas_limit"`
	Nonce                   int64          `db:"nonce"`
	RawTransaction          []byte         `db:"raw_transaction"`
	TransactionHash         string         `db:"transaction_hash"`
	PreviousTransactionHash sql.NullString `db:"previous_transaction_hash"`
	Status                  string         `db:"status"`
	Resubmitted             bool           `db:"resubmitted"`
	RetryCount              int64          `db:"retry_count"`
	GasPrice                sql.NullString `db:"gas_price"`
	GasFeeCap               sql.NullString `db:"gas_fee_cap"`
	GasTipCap               sql.NullString `db:"gas_tip_cap"`
	GasUsed                 sql.NullInt64  `db:"gas_used"`
	EffectiveGasPrice       sql.NullString `db:"effective_gas_price"`
	BlockNumber             sql.NullInt64  `db:"block_number"`
	BlockHash               sql.NullString `db:"block_hash"`
	Receipt                 sql.NullString `db:"receipt"`
	FrontRunTransactionHash sql.NullString `db:"front_run_transaction_hash"`
	CreatedAt               time.Time      `db:"created_at"`
	UpdatedAt               time.Time      `db:"updated_at"`
}

func toRow(rec *txm.TxRecord) row {
	value := "0"
	if rec.Value != nil {
		value = rec.Value.String()
	}
	r := row{
		TransactionID:           rec.TransactionID,
		ChainID:                 int64(rec.ChainID),
		RelayerManagerName:      rec.RelayerManagerName,
		RelayerAddress:          rec.RelayerAddress.Hex(),
		ToAddress:               rec.To.Hex(),
		Value:                   value,
		Data:                    rec.Data,
		GasLimit:                int64(rec.GasLimit),
		Nonce:                   int64(rec.Nonce),
		RawTransaction:          rec.RawTransaction,
		TransactionHash:         rec.TransactionHash.Hex(),
		PreviousTransactionHash: nullHash(rec.PreviousTransactionHash),
		Status:                  rec.Status.String(),
		Resubmitted:             rec.Resubmitted,
		RetryCount:              int64(rec.RetryCount),
		GasPrice:                nullNumeric(rec.GasPrice),
		GasFeeCap:               nullNumeric(rec.GasFeeCap),
		GasTipCap:               nullNumeric(rec.GasTipCap),
		GasUsed:                 sql.NullInt64{Int64: int64(rec.GasUsed), Valid: rec.GasUsed > 0},
		EffectiveGasPrice:       nullNumeric(rec.EffectiveGasPrice),
		BlockNumber:             sql.NullInt64{Int64: int64(rec.BlockNumber), Valid: rec.BlockNumber > 0},
		BlockHash:               nullHash(rec.BlockHash),
		Receipt:                 sql.NullString{String: string(rec.Receipt), Valid: len(rec.Receipt) > 0},
		FrontRunTransactionHash: nullHash(rec.FrontRunTransactionHash),
		CreatedAt:               rec.CreatedAt,
		UpdatedAt:               rec.UpdatedAt,
	}
	return r
}

func (r row) record() (*txm.TxRecord, error) {
	status, err := txm.ParseTxStatus(r.Status)
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(r.Value, 10)
	if !ok {
		return nil, errors.Errorf("invalid value %q for transaction %s", r.Value, r.TransactionHash)
	}
	rec := &txm.TxRecord{
		TransactionID:           r.TransactionID,
		ChainID:                 uint64(r.ChainID),
		RelayerManagerName:      r.RelayerManagerName,
		RelayerAddress:          common.HexToAddress(r.RelayerAddress),
		To:                      common.HexToAddress(r.ToAddress),
		Value:                   value,
		Data:                    r.Data,
		GasLimit:                uint64(r.GasLimit),
		Nonce:                   uint64(r.Nonce),
		RawTransaction:          r.RawTransaction,
		TransactionHash:         common.HexToHash(r.TransactionHash),
		PreviousTransactionHash: parseHash(r.PreviousTransactionHash),
		Status:                  status,
		Resubmitted:             r.Resubmitted,
		RetryCount:              int(r.RetryCount),
		GasUsed:                 uint64(r.GasUsed.Int64),
		BlockNumber:             uint64(r.BlockNumber.Int64),
		BlockHash:               parseHash(r.BlockHash),
		FrontRunTransactionHash: parseHash(r.FrontRunTransactionHash),
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
	}
	if r.Receipt.Valid {
		rec.Receipt = []byte(r.Receipt.String)
	}
	for _, n := range []struct {
		dst **big.Int
		src sql.NullString
	}{
		{&rec.GasPrice, r.GasPrice},
		{&rec.GasFeeCap, r.GasFeeCap},
		{&rec.GasTipCap, r.GasTipCap},
		{&rec.EffectiveGasPrice, r.EffectiveGasPrice},
	} {
		if *n.dst, err = parseNumeric(n.src); err != nil {
			return nil, errors.Wrapf(err, "transaction %s", r.TransactionHash)
		}
	}
	return rec, nil
}

func nullNumeric(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func parseNumeric(s sql.NullString) (*big.Int, error) {
	if !s.Valid {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s.String, 10)
	if !ok {
		return nil, errors.Errorf("invalid numeric %q", s.String)
	}
	return v, nil
}

func nullHash(h *common.Hash) sql.NullString {
	if h == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: h.Hex(), Valid: true}
}

func parseHash(s sql.NullString) *common.Hash {
	if !s.Valid {
		return nil
	}
	h := common.HexToHash(s.String)
	return &h
}

var _ txm.TxStore = &Store{}

// Store is a txm.TxStore backed by the transactions table.
type Store struct {
	lggr logger.Logger
	db   *sqlx.DB
}

func New(lggr logger.Logger, db *sqlx.DB) *Store {
	return &Store{lggr: logger.Named(lggr, "PostgresTxStore"), db: db}
}

func (s *Store) transact(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				s.lggr.Warnw("failed to roll back transaction", "error", rerr)
			}
			return
		}
		err = errors.Wrap(tx.Commit(), "failed to commit transaction")
	}()
	return fn(tx)
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", txm.ErrRecordNotFound, what)
	}
	return errors.Wrapf(err, "failed to load transaction %s", what)
}

func insertErr(err error, rec *txm.TxRecord) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s/%s", txm.ErrDuplicateRecord, rec.TransactionID, rec.TransactionHash)
	}
	return errors.Wrapf(err, "failed to insert transaction %s", rec.TransactionHash)
}

func patchRow(ctx context.Context, tx *sqlx.Tx, r row, patch txm.TxPatch) error {
	rec, err := r.record()
	if err != nil {
		return err
	}
	if err := patch.Apply(rec); err != nil {
		return err
	}
	updated := toRow(rec)
	updated.ID = r.ID
	_, err = tx.NamedExecContext(ctx, updateQuery, updated)
	return errors.Wrapf(err, "failed to update transaction %s", rec.TransactionHash)
}

func (s *Store) Save(ctx context.Context, rec *txm.TxRecord) error {
	_, err := s.db.NamedExecContext(ctx, insertQuery, toRow(rec))
	return insertErr(err, rec)
}

func (s *Store) UpdateByTransactionID(ctx context.Context, chainID uint64, transactionID string, patch txm.TxPatch) error {
	return s.transact(ctx, func(tx *sqlx.Tx) error {
		var r row
		if err := tx.GetContext(ctx, &r, selectLatestQuery+" FOR UPDATE", int64(chainID), transactionID); err != nil {
			return notFound(err, transactionID)
		}
		return patchRow(ctx, tx, r, patch)
	})
}

func (s *Store) UpdateByTransactionIDAndHash(ctx context.Context, chainID uint64, transactionID string, hash common.Hash, patch txm.TxPatch) error {
	return s.transact(ctx, func(tx *sqlx.Tx) error {
		var r row
		if err := tx.GetContext(ctx, &r, selectByHashQuery+" FOR UPDATE", int64(chainID), transactionID, hash.Hex()); err != nil {
			return notFound(err, transactionID+"/"+hash.Hex())
		}
		return patchRow(ctx, tx, r, patch)
	})
}

func (s *Store) GetByTransactionID(ctx context.Context, chainID uint64, transactionID string) (*txm.TxRecord, error) {
	var r row
	if err := s.db.GetContext(ctx, &r, selectLatestQuery, int64(chainID), transactionID); err != nil {
		return nil, notFound(err, transactionID)
	}
	return r.record()
}

func (s *Store) ListByTransactionID(ctx context.Context, chainID uint64, transactionID string) ([]*txm.TxRecord, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, selectAttemptsQuery, int64(chainID), transactionID); err != nil {
		return nil, errors.Wrapf(err, "failed to list attempts of %s", transactionID)
	}
	return records(rows)
}

func (s *Store) ListPending(ctx context.Context, chainID uint64, olderThan time.Time, limit int) ([]*txm.TxRecord, error) {
	// LIMIT NULL is no limit
	lim := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, selectPendingQuery, int64(chainID), olderThan, lim); err != nil {
		return nil, errors.Wrap(err, "failed to list pending transactions")
	}
	return records(rows)
}

func (s *Store) CountPending(ctx context.Context, chainID uint64, relayer common.Address) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, countPendingQuery, int64(chainID), relayer.Hex()); err != nil {
		return 0, errors.Wrapf(err, "failed to count pending transactions of %s", relayer)
	}
	return n, nil
}

func (s *Store) Supersede(ctx context.Context, oldHash common.Hash, replacement *txm.TxRecord) error {
	return s.transact(ctx, func(tx *sqlx.Tx) error {
		var r row
		if err := tx.GetContext(ctx, &r, selectByHashQuery+" FOR UPDATE", int64(replacement.ChainID), replacement.TransactionID, oldHash.Hex()); err != nil {
			return notFound(err, replacement.TransactionID+"/"+oldHash.Hex())
		}
		if r.Status != txm.StatusPending.String() {
			return fmt.Errorf("%w: %s -> %s (tx: %s)", txm.ErrInvalidTransition, r.Status, txm.StatusDropped, oldHash)
		}
		dropped := txm.StatusDropped
		if err := patchRow(ctx, tx, r, txm.TxPatch{Status: &dropped}); err != nil {
			return err
		}
		_, err := tx.NamedExecContext(ctx, insertQuery, toRow(replacement))
		return insertErr(err, replacement)
	})
}

func (s *Store) RollbackSupersede(ctx context.Context, oldHash common.Hash, replacement *txm.TxRecord) error {
	return s.transact(ctx, func(tx *sqlx.Tx) error {
		chainID := int64(replacement.ChainID)
		res, err := tx.ExecContext(ctx, deletePendingQuery, chainID, replacement.TransactionID, replacement.TransactionHash.Hex())
		if err != nil {
			return errors.Wrapf(err, "failed to delete replacement %s", replacement.TransactionHash)
		}
		if n, err := res.RowsAffected(); err != nil {
			return errors.Wrap(err, "failed to read affected rows")
		} else if n == 0 {
			return fmt.Errorf("%w: pending replacement %s", txm.ErrRecordNotFound, replacement.TransactionHash)
		}
		_, err = tx.ExecContext(ctx, restoreDroppedQuery, chainID, replacement.TransactionID, oldHash.Hex(), time.Now())
		return errors.Wrapf(err, "failed to restore %s", oldHash)
	})
}

func records(rows []row) ([]*txm.TxRecord, error) {
	out := make([]*txm.TxRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
