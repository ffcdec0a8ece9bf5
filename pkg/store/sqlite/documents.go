package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// documents implements store.DocumentSession over a connection or a transaction.
type documents struct {
	q querier
}

func (d documents) LoadDocument(ctx context.Context, docType, tenantID, id string) ([]byte, error) {
	var data string
	err := d.q.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE doc_type = ? AND tenant_id = ? AND id = ?`,
		docType, tenantOrDefault(tenantID), id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", docType, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s %s: %w", docType, id, err)
	}
	return []byte(data), nil
}

func (d documents) QueryDocuments(ctx context.Context, query store.DocumentQuery) ([][]byte, error) {
	sqlText := `SELECT data FROM documents WHERE doc_type = ? AND tenant_id = ?`
	args := []any{query.Type, tenantOrDefault(query.TenantID)}

	if query.Field != "" {
		sqlText += ` AND json_extract(data, ?) = ?`
		args = append(args, jsonPath(query.Field), sqlValue(query.Value))
	}
	sqlText += ` ORDER BY id`

	rows, err := d.q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", query.Type, err)
	}
	defer rows.Close()

	var result [][]byte
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		result = append(result, []byte(data))
	}
	return result, rows.Err()
}

func (d documents) StoreDocument(ctx context.Context, docType, tenantID, id string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("storing %s %s: document is not valid JSON", docType, id)
	}
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO documents (doc_type, tenant_id, id, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_type, tenant_id, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, docType, tenantOrDefault(tenantID), id, string(data), domain.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("storing %s %s: %w", docType, id, err)
	}
	return nil
}

func (d documents) DeleteDocument(ctx context.Context, docType, tenantID, id string) error {
	_, err := d.q.ExecContext(ctx,
		`DELETE FROM documents WHERE doc_type = ? AND tenant_id = ? AND id = ?`,
		docType, tenantOrDefault(tenantID), id)
	if err != nil {
		return fmt.Errorf("deleting %s %s: %w", docType, id, err)
	}
	return nil
}

func (d documents) PatchDocument(ctx context.Context, docType, tenantID, id, path string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding patch value: %w", err)
	}

	res, err := d.q.ExecContext(ctx, `
		UPDATE documents SET data = json_set(data, ?, json(?)), updated_at = ?
		WHERE doc_type = ? AND tenant_id = ? AND id = ?
	`, jsonPath(path), string(encoded), domain.Now().UnixNano(), docType, tenantOrDefault(tenantID), id)
	if err != nil {
		return fmt.Errorf("patching %s %s: %w", docType, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("patching %s %s: %w", docType, id, store.ErrNotFound)
	}
	return nil
}

func (d documents) DeleteDocumentType(ctx context.Context, docType string) error {
	if _, err := d.q.ExecContext(ctx, `DELETE FROM documents WHERE doc_type = ?`, docType); err != nil {
		return fmt.Errorf("deleting all %s: %w", docType, err)
	}
	return nil
}

// LoadDocument implements store.DocumentReader.
func (s *EventStore) LoadDocument(ctx context.Context, docType, tenantID, id string) ([]byte, error) {
	return documents{q: s.db}.LoadDocument(ctx, docType, tenantID, id)
}

// QueryDocuments implements store.DocumentReader.
func (s *EventStore) QueryDocuments(ctx context.Context, query store.DocumentQuery) ([][]byte, error) {
	return documents{q: s.db}.QueryDocuments(ctx, query)
}

func jsonPath(field string) string {
	if strings.HasPrefix(field, "$") {
		return field
	}
	return "$." + field
}

// sqlValue converts a Go value to what json_extract yields for it.
func sqlValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case fmt.Stringer:
		return x.String()
	default:
		return v
	}
}
