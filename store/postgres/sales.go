package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/installment"
	"github.com/warp/settlement-engine/settlement"
)

const uniqueViolation = "23505"

// Insert persists a sale. A payload whose local id is already stored returns
// the existing remote id and creation time.
func (s *Store) Insert(ctx context.Context, r settlement.Record) (settlement.RemoteAck, error) {
	if ack, found, err := s.findByLocal(ctx, r.LocalID); err != nil {
		return settlement.RemoteAck{}, classify("insert", "", err)
	} else if found {
		return ack, nil
	}

	id := generic.RemoteID(uuid.NewString())
	now := s.now()
	r.RemoteID = id
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	installments, record, err := encodeSale(r)
	if err != nil {
		return settlement.RemoteAck{}, generic.Rejected("insert", "", err)
	}

	query := `
		INSERT INTO sales (
			remote_id, local_id, sale_id, client_name, sale_type, credit_value,
			overall_status, installments, record, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10, $11
		)
	`
	_, err = s.pool.Exec(ctx, query,
		string(id),
		string(r.LocalID),
		string(r.ID),
		r.ClientName,
		string(r.SaleType),
		r.CreditValue.String(),
		string(r.OverallStatus),
		installments,
		record,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if ack, found, ferr := s.findByLocal(ctx, r.LocalID); ferr == nil && found {
				return ack, nil
			}
		}
		return settlement.RemoteAck{}, classify("insert", "", err)
	}
	return settlement.RemoteAck{RemoteID: id, CreatedAt: r.CreatedAt}, nil
}

func (s *Store) findByLocal(ctx context.Context, local generic.LocalID) (settlement.RemoteAck, bool, error) {
	if local == "" {
		return settlement.RemoteAck{}, false, nil
	}
	var ack settlement.RemoteAck
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT remote_id, created_at FROM sales WHERE local_id = $1`, string(local),
	).Scan(&id, &ack.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.RemoteAck{}, false, nil
	}
	if err != nil {
		return settlement.RemoteAck{}, false, err
	}
	ack.RemoteID = generic.RemoteID(id)
	ack.CreatedAt = ack.CreatedAt.UTC()
	return ack, true, nil
}

// Update replaces a persisted sale.
func (s *Store) Update(ctx context.Context, id generic.RemoteID, r settlement.Record) error {
	r.RemoteID = id
	r.UpdatedAt = s.now()
	installments, record, err := encodeSale(r)
	if err != nil {
		return generic.Rejected("update", id, err)
	}

	query := `
		UPDATE sales
		SET client_name = $1, sale_type = $2, credit_value = $3::text::numeric,
		    overall_status = $4, installments = $5, record = $6, updated_at = $7
		WHERE remote_id = $8
	`
	tag, err := s.pool.Exec(ctx, query,
		r.ClientName,
		string(r.SaleType),
		r.CreditValue.String(),
		string(r.OverallStatus),
		installments,
		record,
		r.UpdatedAt,
		string(id),
	)
	if err != nil {
		return classify("update", id, err)
	}
	if tag.RowsAffected() == 0 {
		return generic.Rejected("update", id, generic.ErrSaleNotFound)
	}
	return nil
}

// Delete removes a persisted sale.
func (s *Store) Delete(ctx context.Context, id generic.RemoteID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sales WHERE remote_id = $1`, string(id))
	if err != nil {
		return classify("delete", id, err)
	}
	if tag.RowsAffected() == 0 {
		return generic.Rejected("delete", id, generic.ErrSaleNotFound)
	}
	return nil
}

// ListAll returns every persisted sale, oldest first, with installments
// normalized from their own column.
func (s *Store) ListAll(ctx context.Context) ([]settlement.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT remote_id, installments, record
		FROM sales
		ORDER BY created_at, remote_id
	`)
	if err != nil {
		return nil, classify("list", "", err)
	}
	defer rows.Close()

	var out []settlement.Record
	for rows.Next() {
		var id string
		var installments, record []byte
		if err := rows.Scan(&id, &installments, &record); err != nil {
			return nil, classify("list", "", err)
		}
		r, err := decodeSale(generic.RemoteID(id), installments, record)
		if err != nil {
			return nil, generic.Rejected("list", generic.RemoteID(id), err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", "", err)
	}
	return out, nil
}

// =============================================================================
// ENCODING
// =============================================================================

func encodeSale(r settlement.Record) (installments, record []byte, err error) {
	installments, err = json.Marshal(r.Installments)
	if err != nil {
		return nil, nil, fmt.Errorf("encode installments: %w", err)
	}
	r.SyncError = ""
	record, err = json.Marshal(r)
	if err != nil {
		return nil, nil, fmt.Errorf("encode sale: %w", err)
	}
	return installments, record, nil
}

func decodeSale(id generic.RemoteID, installments, record []byte) (settlement.Record, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(record, &doc); err != nil {
		return settlement.Record{}, fmt.Errorf("decode sale %s: %w", id, err)
	}
	delete(doc, "installments")
	stripped, _ := json.Marshal(doc)

	var r settlement.Record
	if err := json.Unmarshal(stripped, &r); err != nil {
		return settlement.Record{}, fmt.Errorf("decode sale %s: %w", id, err)
	}
	ledger, err := installment.NormalizeLedger(installments)
	if err != nil {
		return settlement.Record{}, fmt.Errorf("normalize installments of %s: %w", id, err)
	}
	r.Installments = ledger
	r.RemoteID = id
	r.OverallStatus = ledger.Overall()
	return r, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// classify wraps a driver error as Transient or Rejected.
func classify(op string, id generic.RemoteID, err error) error {
	if isPermanent(err) {
		return generic.Rejected(op, id, err)
	}
	return generic.Transient(op, id, err)
}

// isPermanent reports server errors a retry cannot fix: data exceptions,
// integrity violations, syntax and access errors.
func isPermanent(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, class := range []string{"22", "23", "42", "28"} {
		if strings.HasPrefix(pgErr.Code, class) {
			return true
		}
	}
	return false
}

var _ settlement.RemoteStore = (*Store)(nil)
