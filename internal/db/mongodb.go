package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB keeps a read-only audit copy of every transaction, fed by the
// outbox relay. Postgres stays the system of record.
type MongoDB struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// auditDoc is the stored shape. Amounts are strings so no precision is lost
// to BSON doubles.
type auditDoc struct {
	ID            string    `bson:"_id"`
	Reference     string    `bson:"reference"`
	Type          string    `bson:"type"`
	Status        string    `bson:"status"`
	Amount        string    `bson:"amount"`
	Description   string    `bson:"description"`
	FromAccountID string    `bson:"from_account_id,omitempty"`
	ToAccountID   string    `bson:"to_account_id,omitempty"`
	AccountIDs    []string  `bson:"account_ids"`
	BalanceAfter  string    `bson:"balance_after,omitempty"`
	LastEvent     string    `bson:"last_event"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

// creates a new MongoDB instance
func NewMongoDB(uri, dbName string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Mongodb: %w", err)
	}

	// pinging the database
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping Mongodb: %w", err)
	}

	collection := client.Database(dbName).Collection("transaction_audit")

	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "account_ids", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "reference", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	if _, err = collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &MongoDB{
		client:     client,
		collection: collection,
	}, nil
}

// closes the mongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Upsert stores the latest known state of t. Replays of the same event
// leave the document unchanged, and an older state never overwrites a newer one.
func (m *MongoDB) Upsert(ctx context.Context, t *models.Transaction, event models.EventType) error {
	doc := toAuditDoc(t, event)

	filter := bson.M{"_id": doc.ID, "updated_at": bson.M{"$lte": doc.UpdatedAt}}
	_, err := m.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// a newer state is already stored
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to upsert transaction %s: %w", t.Reference, err)
	}
	return nil
}

// retrieves a transaction by reference
func (m *MongoDB) GetByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	var doc auditDoc
	err := m.collection.FindOne(ctx, bson.M{"reference": reference}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ledger.NotFound("transaction", reference)
		}
		return nil, fmt.Errorf("failed to get transaction by reference: %w", err)
	}
	return doc.transaction()
}

// retrieves transactions touching an account, newest first
func (m *MongoDB) FindByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.Transaction, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.collection.Find(ctx, bson.M{"account_ids": accountID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []auditDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}

	transactions := make([]*models.Transaction, 0, len(docs))
	for _, doc := range docs {
		t, err := doc.transaction()
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, nil
}

func toAuditDoc(t *models.Transaction, event models.EventType) auditDoc {
	doc := auditDoc{
		ID:            t.ID,
		Reference:     t.Reference,
		Type:          string(t.Type),
		Status:        string(t.Status),
		Amount:        t.Amount.StringFixed(2),
		Description:   t.Description,
		FromAccountID: t.FromAccountID,
		ToAccountID:   t.ToAccountID,
		LastEvent:     string(event),
		CreatedAt:     t.CreatedAt.UTC(),
		UpdatedAt:     t.UpdatedAt.UTC(),
	}
	for _, id := range []string{t.FromAccountID, t.ToAccountID} {
		if id != "" {
			doc.AccountIDs = append(doc.AccountIDs, id)
		}
	}
	if t.Status == models.Completed {
		doc.BalanceAfter = t.BalanceAfter.StringFixed(2)
	}
	return doc
}

func (d auditDoc) transaction() (*models.Transaction, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount on %s: %w", d.Reference, err)
	}
	t := &models.Transaction{
		ID:            d.ID,
		Reference:     d.Reference,
		Type:          models.TransactionType(d.Type),
		Amount:        amount,
		Description:   d.Description,
		Status:        models.TransactionStatus(d.Status),
		FromAccountID: d.FromAccountID,
		ToAccountID:   d.ToAccountID,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.BalanceAfter != "" {
		if t.BalanceAfter, err = decimal.NewFromString(d.BalanceAfter); err != nil {
			return nil, fmt.Errorf("bad balance_after on %s: %w", d.Reference, err)
		}
	}
	return t, nil
}
