package ledger

import (
	"context"

	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/shopspring/decimal"
)

// Reader is the read side of the account and transaction store.
// Missing rows are reported as KindNotFound errors.
type Reader interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByNumber(ctx context.Context, number string) (*models.Account, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error)

	// SumCompleted totals the amounts of COMPLETED transactions of txType
	// debited from accountID and created inside w.
	SumCompleted(ctx context.Context, accountID string, txType models.TransactionType, w Window) (decimal.Decimal, error)

	ReferenceExists(ctx context.Context, reference string) (bool, error)
	AccountNumberExists(ctx context.Context, number string) (bool, error)
}

// Tx is one atomic unit of work. Nothing written through a Tx is visible to
// other readers until the enclosing WithinTx returns nil.
type Tx interface {
	Reader

	// LockAccount loads the account and holds it exclusively until the
	// unit of work ends. Callers lock several accounts in ascending id order.
	LockAccount(ctx context.Context, id string) (*models.Account, error)

	InsertAccount(ctx context.Context, a *models.Account) error
	UpdateAccount(ctx context.Context, a *models.Account) error
	DeleteAccount(ctx context.Context, id string) error

	InsertTransaction(ctx context.Context, t *models.Transaction) error
	UpdateTransaction(ctx context.Context, t *models.Transaction) error
	LockTransaction(ctx context.Context, id string) (*models.Transaction, error)

	AppendEvent(ctx context.Context, ev models.Event) error
}

// PublishFunc delivers one outbox event
type PublishFunc func(ctx context.Context, ev models.Event) error

// Store persists accounts and transactions.
type Store interface {
	Reader

	// WithinTx runs fn in a single unit of work. It commits when fn returns
	// nil and rolls back every write otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// DrainOutbox hands up to limit unsent events, oldest first, to publish
	// and marks each one sent once publish succeeds. It stops at the first
	// publish failure and returns the number of events sent.
	DrainOutbox(ctx context.Context, limit int, publish PublishFunc) (int, error)
}
