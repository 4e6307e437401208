package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// EntityStore implements domain.ReadModelSink. Rows only move forward: an
// upsert carrying an older object version than the stored row is ignored.
type EntityStore struct {
	pool *pgxpool.Pool
}

// NewEntityStore creates a new EntityStore backed by the given connection pool.
func NewEntityStore(pool *pgxpool.Pool) *EntityStore {
	return &EntityStore{pool: pool}
}

const upsertListing = `
	INSERT INTO listings (
		id, seller, token_amount, remaining_amount, price,
		expiry, created_at, status, metadata, version, synced_at
	) VALUES (
		$1, $2, $3::numeric, $4::numeric, $5::numeric,
		$6, $7, $8, $9, $10, NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		remaining_amount = EXCLUDED.remaining_amount,
		status           = EXCLUDED.status,
		metadata         = EXCLUDED.metadata,
		version          = EXCLUDED.version,
		synced_at        = NOW()
	WHERE listings.version <= EXCLUDED.version`

// UpsertListings writes listings in a single batch.
func (s *EntityStore) UpsertListings(ctx context.Context, listings []domain.Listing) error {
	if len(listings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range listings {
		md, err := metadataJSON(l.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(upsertListing,
			l.ID, l.Seller, num(l.TokenAmount), num(l.RemainingAmount), num(l.Price),
			l.Expiry, l.CreatedAt, int16(l.StatusCode), md, int64(l.Meta.Version),
		)
	}
	return s.send(ctx, batch, "listing")
}

const upsertOrder = `
	INSERT INTO orders (
		id, listing_id, buyer, seller, token_amount, price, fee_amount,
		expiry, created_at, status, payment_made, payment_received,
		dispute_id, metadata, version, synced_at
	) VALUES (
		$1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric,
		$8, $9, $10, $11, $12,
		$13, $14, $15, NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		status           = EXCLUDED.status,
		payment_made     = EXCLUDED.payment_made,
		payment_received = EXCLUDED.payment_received,
		dispute_id       = EXCLUDED.dispute_id,
		metadata         = EXCLUDED.metadata,
		version          = EXCLUDED.version,
		synced_at        = NOW()
	WHERE orders.version <= EXCLUDED.version`

// UpsertOrders writes orders in a single batch.
func (s *EntityStore) UpsertOrders(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range orders {
		md, err := metadataJSON(o.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(upsertOrder,
			o.ID, o.ListingID, o.Buyer, o.Seller,
			num(o.TokenAmount), num(o.Price), num(o.FeeAmount),
			o.Expiry, o.CreatedAt, int16(o.StatusCode), o.PaymentMade, o.PaymentReceived,
			nullable(o.DisputeID), md, int64(o.Meta.Version),
		)
	}
	return s.send(ctx, batch, "order")
}

const upsertDispute = `
	INSERT INTO disputes (
		id, order_id, buyer, seller, token_amount, price,
		buyer_reason, seller_response, status, created_at, version, synced_at
	) VALUES (
		$1, $2, $3, $4, $5::numeric, $6::numeric,
		$7, $8, $9, $10, $11, NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		seller_response = EXCLUDED.seller_response,
		status          = EXCLUDED.status,
		version         = EXCLUDED.version,
		synced_at       = NOW()
	WHERE disputes.version <= EXCLUDED.version`

// UpsertDisputes writes disputes in a single batch.
func (s *EntityStore) UpsertDisputes(ctx context.Context, disputes []domain.Dispute) error {
	if len(disputes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range disputes {
		var response *string
		if d.HasResponse {
			response = &d.SellerResponse
		}
		batch.Queue(upsertDispute,
			d.ID, d.OrderID, d.Buyer, d.Seller, num(d.TokenAmount), num(d.Price),
			d.BuyerReason, response, int16(d.StatusCode), d.CreatedAt, int64(d.Meta.Version),
		)
	}
	return s.send(ctx, batch, "dispute")
}

func (s *EntityStore) send(ctx context.Context, batch *pgx.Batch, what string) error {
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range batch.Len() {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert %s batch item %d: %w", what, i, err)
		}
	}
	return nil
}

// num passes u64 amounts as decimal text; int8 cannot hold the full range.
func num(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type metadataRow struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func metadataJSON(md domain.Metadata) ([]byte, error) {
	rows := make([]metadataRow, len(md))
	for i, e := range md {
		rows[i] = metadataRow{Key: e.Key, Value: e.Value}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	return b, nil
}
