package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Postgres handles PostgreSQL database operations
type Postgres struct {
	queries
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// creates a new Postgres instance
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Postgres{queries: queries{q: db}, db: db}, nil
}

// closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

var _ ledger.Store = (*Postgres)(nil)

// WithinTx runs fn inside a READ COMMITTED transaction. Isolation between
// concurrent operations comes from the row locks taken by LockAccount.
func (p *Postgres) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&pgTx{queries{q: sqlTx}}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// DrainOutbox claims a batch of unsent events with SKIP LOCKED so several
// relays can run side by side.
func (p *Postgres) DrainOutbox(ctx context.Context, limit int, publish ledger.PublishFunc) (sent int, err error) {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil && sent == 0 {
			_ = sqlTx.Rollback()
		}
	}()

	rows, err := sqlTx.QueryContext(ctx, `
		SELECT id, type, transaction_id, reference, payload, created_at
		FROM outbox_events
		WHERE sent_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending outbox events: %w", err)
	}

	var batch []models.Event
	for rows.Next() {
		var ev models.Event
		if err = rows.Scan(&ev.ID, &ev.Type, &ev.TransactionID, &ev.Reference, &ev.Payload, &ev.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		batch = append(batch, ev)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating outbox events: %w", err)
	}

	ids := make([]string, 0, len(batch))
	var publishErr error
	for _, ev := range batch {
		if publishErr = publish(ctx, ev); publishErr != nil {
			break
		}
		ids = append(ids, ev.ID)
	}

	if len(ids) > 0 {
		if _, err = sqlTx.ExecContext(ctx,
			"UPDATE outbox_events SET sent_at = $1 WHERE id = ANY($2)",
			time.Now(), pq.Array(ids)); err != nil {
			_ = sqlTx.Rollback()
			return 0, fmt.Errorf("failed to mark outbox events as sent: %w", err)
		}
	}
	if err = sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox batch: %w", err)
	}
	return len(ids), publishErr
}

type pgTx struct {
	queries
}

var _ ledger.Tx = (*pgTx)(nil)

// queries holds the statements shared by the pool and a transaction
type queries struct {
	q querier
}

const accountColumns = `id, account_number, account_type, balance, status, version, created_at, updated_at`

const transactionColumns = `id, reference, type, amount, description, status,
	from_account_id, to_account_id, balance_after, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.AccountNumber, &a.AccountType, &a.Balance, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	var (
		t            models.Transaction
		from, to     sql.NullString
		balanceAfter decimal.NullDecimal
	)
	err := row.Scan(&t.ID, &t.Reference, &t.Type, &t.Amount, &t.Description, &t.Status,
		&from, &to, &balanceAfter, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.FromAccountID = from.String
	t.ToAccountID = to.String
	if balanceAfter.Valid {
		t.BalanceAfter = balanceAfter.Decimal
	}
	return &t, nil
}

func (s queries) getAccount(ctx context.Context, query, key string) (*models.Account, error) {
	a, err := scanAccount(s.q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.NotFound("account", key)
		}
		return nil, fmt.Errorf("failed to get account: %w", mapError(err))
	}
	return a, nil
}

// retrieves an account by ID
func (s queries) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return s.getAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
}

func (s queries) GetAccountByNumber(ctx context.Context, number string) (*models.Account, error) {
	return s.getAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`, number)
}

func (s queries) getTransaction(ctx context.Context, query, key string) (*models.Transaction, error) {
	t, err := scanTransaction(s.q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.NotFound("transaction", key)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", mapError(err))
	}
	return t, nil
}

func (s queries) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return s.getTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

// retrieves a transaction by reference
func (s queries) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	return s.getTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference)
}

// retrieves transactions matching the filter, newest first
func (s queries) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.AccountID != "" {
		p := arg(filter.AccountID)
		where = append(where, fmt.Sprintf("(from_account_id = %s OR to_account_id = %s)", p, p))
	}
	if filter.Type != "" {
		where = append(where, "type = "+arg(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at < "+arg(filter.To))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, reference DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find transactions: %w", mapError(err))
	}
	defer rows.Close()

	transactions := make([]*models.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return transactions, nil
}

func (s queries) SumCompleted(ctx context.Context, accountID string, txType models.TransactionType, w ledger.Window) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE from_account_id = $1 AND type = $2 AND status = $3
		  AND created_at >= $4 AND created_at < $5`,
		accountID, txType, models.Completed, w.Start, w.End,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum transactions: %w", mapError(err))
	}
	return total, nil
}

func (s queries) exists(ctx context.Context, query, key string) (bool, error) {
	var found bool
	if err := s.q.QueryRowContext(ctx, query, key).Scan(&found); err != nil {
		return false, mapError(err)
	}
	return found, nil
}

func (s queries) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE reference = $1)`, reference)
}

func (s queries) AccountNumberExists(ctx context.Context, number string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE account_number = $1)`, number)
}

// gets the account with a row lock held until the transaction ends
func (t *pgTx) LockAccount(ctx context.Context, id string) (*models.Account, error) {
	return t.getAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
}

// creates a new account
func (t *pgTx) InsertAccount(ctx context.Context, a *models.Account) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.AccountNumber, a.AccountType, a.Balance, a.Status, a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", mapError(err))
	}
	return nil
}

// UpdateAccount writes balance and status, bumping the version
func (t *pgTx) UpdateAccount(ctx context.Context, a *models.Account) error {
	err := t.q.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = $1, status = $2, updated_at = $3, version = version + 1
		WHERE id = $4
		RETURNING version`,
		a.Balance, a.Status, a.UpdatedAt, a.ID,
	).Scan(&a.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.NotFound("account", a.ID)
		}
		return fmt.Errorf("failed to update account: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) DeleteAccount(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.NotFound("account", id)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *models.Transaction) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tr.ID, tr.Reference, tr.Type, tr.Amount, tr.Description, tr.Status,
		nullString(tr.FromAccountID), nullString(tr.ToAccountID), balanceAfter(tr),
		tr.CreatedAt, tr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", mapError(err))
	}
	return nil
}

// updates a transaction's status and balance snapshot
func (t *pgTx) UpdateTransaction(ctx context.Context, tr *models.Transaction) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, balance_after = $2, description = $3, updated_at = $4
		WHERE id = $5`,
		tr.Status, balanceAfter(tr), tr.Description, tr.UpdatedAt, tr.ID)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.NotFound("transaction", tr.ID)
	}
	return nil
}

func (t *pgTx) LockTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return t.getTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) AppendEvent(ctx context.Context, ev models.Event) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO outbox_events (id, type, transaction_id, reference, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.Type, ev.TransactionID, ev.Reference, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create outbox event: %w", mapError(err))
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// the snapshot exists only once the transaction completed
func balanceAfter(t *models.Transaction) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: t.BalanceAfter, Valid: t.Status == models.Completed}
}

// mapError turns serialization failures, deadlocks and unique violations
// into ledger.ErrConflict so the unit of work can be replayed.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", ledger.ErrConflict, pqErr.Message)
		}
	}
	return err
}
