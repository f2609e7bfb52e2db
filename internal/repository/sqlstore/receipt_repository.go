package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/memorytx/internal/database"
	domainErrors "github.com/cassiomorais/memorytx/internal/domain/errors"
	"github.com/cassiomorais/memorytx/internal/domain/receipt"
)

// ReceiptRepository is the append-only ReceiptsStore. Updates and deletes
// are refused here and by triggers in the schema.
type ReceiptRepository struct {
	db *database.DB
}

func NewReceiptRepository(db *database.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

func (r *ReceiptRepository) q(ctx context.Context) database.Querier {
	return database.QuerierFrom(ctx, r.db)
}

// Append writes the receipt and its store entries. It joins the transaction
// in ctx when there is one and opens its own otherwise.
func (r *ReceiptRepository) Append(ctx context.Context, rc *receipt.WriteReceipt) error {
	if rc.ReceiptHash == "" {
		return fmt.Errorf("%w: receipt %s is not sealed", domainErrors.ErrIntegrity, rc.UOWID)
	}

	return database.WithTransaction(ctx, r.db, func(ctx context.Context) error {
		committed := 0
		if rc.Committed {
			committed = 1
		}
		var committedTS any
		if rc.CommittedTS != nil {
			committedTS = receipt.FormatTime(*rc.CommittedTS)
		}

		_, err := r.q(ctx).ExecContext(ctx,
			`INSERT INTO receipts (uow_id, envelope_id, committed, created_ts, committed_ts, error, receipt_hash, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rc.UOWID, database.NullString(rc.EnvelopeID), committed, receipt.FormatTime(rc.CreatedTS),
			committedTS, lastErrorArg(rc.Error), rc.ReceiptHash, database.ToEpoch(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}

		for i, s := range rc.Stores {
			_, err := r.q(ctx).ExecContext(ctx,
				`INSERT INTO receipt_stores (uow_id, seq, store_name, record_id, ts) VALUES (?, ?, ?, ?, ?)`,
				rc.UOWID, i, s.Name, s.RecordID, receipt.FormatTime(s.TS),
			)
			if err != nil {
				return fmt.Errorf("insert receipt store entry: %w", err)
			}
		}
		return nil
	})
}

func (r *ReceiptRepository) Get(ctx context.Context, uowID string) (*receipt.WriteReceipt, error) {
	row := r.q(ctx).QueryRowContext(ctx,
		`SELECT uow_id, envelope_id, committed, created_ts, committed_ts, error, receipt_hash
		 FROM receipts WHERE uow_id = ?`, uowID,
	)
	rc, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domainErrors.ErrReceiptNotFound, uowID)
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	if err := r.loadStores(ctx, rc); err != nil {
		return nil, err
	}
	return rc, nil
}

// ListByEnvelope returns every receipt for envelopeID, oldest first.
func (r *ReceiptRepository) ListByEnvelope(ctx context.Context, envelopeID string) ([]*receipt.WriteReceipt, error) {
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT uow_id, envelope_id, committed, created_ts, committed_ts, error, receipt_hash
		 FROM receipts WHERE envelope_id = ? ORDER BY recorded_at ASC, uow_id ASC`, envelopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}

	var receipts []*receipt.WriteReceipt
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, rc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, rc := range receipts {
		if err := r.loadStores(ctx, rc); err != nil {
			return nil, err
		}
	}
	return receipts, nil
}

// VerifyStored reloads the receipt and checks its hash.
func (r *ReceiptRepository) VerifyStored(ctx context.Context, uowID string) (*receipt.WriteReceipt, error) {
	rc, err := r.Get(ctx, uowID)
	if err != nil {
		return nil, err
	}
	if err := rc.Verify(); err != nil {
		return rc, err
	}
	return rc, nil
}

func (r *ReceiptRepository) Update(context.Context, *receipt.WriteReceipt) error {
	return fmt.Errorf("%w: receipts cannot be updated", domainErrors.ErrNotSupported)
}

func (r *ReceiptRepository) Delete(context.Context, string) error {
	return fmt.Errorf("%w: receipts cannot be deleted", domainErrors.ErrNotSupported)
}

func (r *ReceiptRepository) loadStores(ctx context.Context, rc *receipt.WriteReceipt) error {
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT store_name, record_id, ts FROM receipt_stores WHERE uow_id = ? ORDER BY seq ASC`, rc.UOWID,
	)
	if err != nil {
		return fmt.Errorf("load receipt stores: %w", err)
	}
	defer rows.Close()

	rc.Stores = []receipt.StoreWriteRecord{}
	for rows.Next() {
		var (
			s  receipt.StoreWriteRecord
			ts string
		)
		if err := rows.Scan(&s.Name, &s.RecordID, &ts); err != nil {
			return fmt.Errorf("scan receipt store: %w", err)
		}
		if s.TS, err = receipt.ParseTime(ts); err != nil {
			return err
		}
		rc.Stores = append(rc.Stores, s)
	}
	return rows.Err()
}

func scanReceipt(row rowScanner) (*receipt.WriteReceipt, error) {
	var (
		rc          receipt.WriteReceipt
		envelopeID  sql.NullString
		committed   int
		createdTS   string
		committedTS sql.NullString
		errMsg      sql.NullString
	)
	if err := row.Scan(&rc.UOWID, &envelopeID, &committed, &createdTS, &committedTS, &errMsg, &rc.ReceiptHash); err != nil {
		return nil, err
	}

	rc.EnvelopeID = envelopeID.String
	rc.Committed = committed != 0
	created, err := receipt.ParseTime(createdTS)
	if err != nil {
		return nil, err
	}
	rc.CreatedTS = created
	if committedTS.Valid {
		ts, err := receipt.ParseTime(committedTS.String)
		if err != nil {
			return nil, err
		}
		rc.CommittedTS = &ts
	}
	if errMsg.Valid {
		rc.Error = &errMsg.String
	}
	return &rc, nil
}
