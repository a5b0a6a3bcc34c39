package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/installment"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SALES (settlement.RemoteStore interface)
// =============================================================================

// Insert persists a sale. A payload whose local id is already stored returns
// the existing remote id.
func (s *Store) Insert(ctx context.Context, r settlement.Record) (settlement.RemoteAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ack, found, err := s.findByLocal(ctx, r.LocalID); err != nil {
		return settlement.RemoteAck{}, remoteErr("insert", "", err)
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
		INSERT INTO sales
		(remote_id, local_id, sale_id, client_name, sale_type, credit_value, overall_status,
		 installments_json, record_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		string(id),
		string(r.LocalID),
		string(r.ID),
		r.ClientName,
		string(r.SaleType),
		r.CreditValue.String(),
		string(r.OverallStatus),
		installments,
		record,
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Lost a race on local_id: report the winner.
			if ack, found, ferr := s.findByLocal(ctx, r.LocalID); ferr == nil && found {
				return ack, nil
			}
		}
		return settlement.RemoteAck{}, remoteErr("insert", "", err)
	}

	return settlement.RemoteAck{RemoteID: id, CreatedAt: r.CreatedAt}, nil
}

func (s *Store) findByLocal(ctx context.Context, local generic.LocalID) (settlement.RemoteAck, bool, error) {
	if local == "" {
		return settlement.RemoteAck{}, false, nil
	}
	var id, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT remote_id, created_at FROM sales WHERE local_id = ?`, string(local),
	).Scan(&id, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.RemoteAck{}, false, nil
	}
	if err != nil {
		return settlement.RemoteAck{}, false, err
	}
	return settlement.RemoteAck{RemoteID: generic.RemoteID(id), CreatedAt: parseTime(created)}, true, nil
}

// Update replaces a persisted sale.
func (s *Store) Update(ctx context.Context, id generic.RemoteID, r settlement.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.RemoteID = id
	r.UpdatedAt = s.now()
	installments, record, err := encodeSale(r)
	if err != nil {
		return generic.Rejected("update", id, err)
	}

	query := `
		UPDATE sales
		SET client_name = ?, sale_type = ?, credit_value = ?, overall_status = ?,
		    installments_json = ?, record_json = ?, updated_at = ?
		WHERE remote_id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		r.ClientName,
		string(r.SaleType),
		r.CreditValue.String(),
		string(r.OverallStatus),
		installments,
		record,
		formatTime(r.UpdatedAt),
		string(id),
	)
	if err != nil {
		return remoteErr("update", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return generic.Rejected("update", id, generic.ErrSaleNotFound)
	}
	return nil
}

// Delete removes a persisted sale.
func (s *Store) Delete(ctx context.Context, id generic.RemoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM sales WHERE remote_id = ?`, string(id))
	if err != nil {
		return remoteErr("delete", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return generic.Rejected("delete", id, generic.ErrSaleNotFound)
	}
	return nil
}

// ListAll returns every persisted sale, oldest first. Installments are
// normalized from the dedicated column, so legacy rows load cleanly.
func (s *Store) ListAll(ctx context.Context) ([]settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT remote_id, installments_json, record_json
		FROM sales
		ORDER BY created_at, remote_id
	`)
	if err != nil {
		return nil, remoteErr("list", "", err)
	}
	defer rows.Close()

	var out []settlement.Record
	for rows.Next() {
		var id, installments, record string
		if err := rows.Scan(&id, &installments, &record); err != nil {
			return nil, remoteErr("list", "", err)
		}
		r, err := decodeSale(generic.RemoteID(id), installments, record)
		if err != nil {
			return nil, generic.Rejected("list", generic.RemoteID(id), err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, remoteErr("list", "", err)
	}
	return out, nil
}

// =============================================================================
// ENCODING
// =============================================================================

func encodeSale(r settlement.Record) (installments, record string, err error) {
	ij, err := json.Marshal(r.Installments)
	if err != nil {
		return "", "", fmt.Errorf("encode installments: %w", err)
	}
	r.SyncError = ""
	rj, err := json.Marshal(r)
	if err != nil {
		return "", "", fmt.Errorf("encode sale: %w", err)
	}
	return string(ij), string(rj), nil
}

func decodeSale(id generic.RemoteID, installments, record string) (settlement.Record, error) {
	var r settlement.Record
	// The record document may carry legacy installments too; the column wins.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(record), &doc); err != nil {
		return settlement.Record{}, fmt.Errorf("decode sale %s: %w", id, err)
	}
	delete(doc, "installments")
	stripped, _ := json.Marshal(doc)
	if err := json.Unmarshal(stripped, &r); err != nil {
		return settlement.Record{}, fmt.Errorf("decode sale %s: %w", id, err)
	}

	ledger, err := installment.NormalizeLedger([]byte(installments))
	if err != nil {
		return settlement.Record{}, fmt.Errorf("normalize installments of %s: %w", id, err)
	}
	r.Installments = ledger
	r.RemoteID = id
	r.OverallStatus = ledger.Overall()
	return r, nil
}

// remoteErr classifies a driver error for the pipeline.
func remoteErr(op string, id generic.RemoteID, err error) error {
	if isPermanent(err) {
		return generic.Rejected(op, id, err)
	}
	return generic.Transient(op, id, err)
}

var (
	_ settlement.RemoteStore = (*Store)(nil)
	_ settlement.Queue       = (*Store)(nil)

	_ settlement.RecoveryLocker = (*Store)(nil)
)
