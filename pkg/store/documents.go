package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// DocumentQuery matches documents of a type whose JSON Field equals Value.
// Field is a top-level property name or a JSON path ("$.group.name").
type DocumentQuery struct {
	Type     string
	TenantID string
	Field    string
	Value    any
}

// DocumentReader reads JSON documents.
type DocumentReader interface {
	// LoadDocument returns ErrNotFound when the document does not exist.
	LoadDocument(ctx context.Context, docType, tenantID, id string) ([]byte, error)

	QueryDocuments(ctx context.Context, query DocumentQuery) ([][]byte, error)
}

// DocumentWriter writes JSON documents.
type DocumentWriter interface {
	StoreDocument(ctx context.Context, docType, tenantID, id string, data []byte) error
	DeleteDocument(ctx context.Context, docType, tenantID, id string) error

	// PatchDocument sets the value at a JSON path ("$.balance") of an existing document.
	PatchDocument(ctx context.Context, docType, tenantID, id, path string, value any) error

	// DeleteDocumentType removes every document of a type across tenants.
	DeleteDocumentType(ctx context.Context, docType string) error
}

// DocumentSession reads and writes documents.
type DocumentSession interface {
	DocumentReader
	DocumentWriter
}

// Documented is implemented by document types that choose their stored type name.
type Documented interface {
	DocumentType() string
}

// DocumentType returns the stored type name of D: the value of DocumentType()
// when D implements Documented, otherwise the Go type name.
func DocumentType[D any]() string {
	var zero D
	if d, ok := any(&zero).(Documented); ok {
		return d.DocumentType()
	}
	return DocumentTypeOf(zero)
}

// DocumentTypeOf returns the stored type name of a document value.
func DocumentTypeOf(doc any) string {
	if d, ok := doc.(Documented); ok {
		return d.DocumentType()
	}
	t := reflect.TypeOf(doc)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Load loads and decodes a document. It returns nil and no error when the
// document does not exist.
func Load[D any](ctx context.Context, r DocumentReader, tenantID, id string) (*D, error) {
	data, err := r.LoadDocument(ctx, DocumentType[D](), tenantID, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	doc := new(D)
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", DocumentType[D](), id, err)
	}
	return doc, nil
}

// Query returns the documents of type D whose field equals value.
func Query[D any](ctx context.Context, r DocumentReader, tenantID, field string, value any) ([]*D, error) {
	rows, err := r.QueryDocuments(ctx, DocumentQuery{
		Type:     DocumentType[D](),
		TenantID: tenantID,
		Field:    field,
		Value:    value,
	})
	if err != nil {
		return nil, err
	}

	docs := make([]*D, 0, len(rows))
	for _, data := range rows {
		doc := new(D)
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", DocumentType[D](), err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Store encodes and stores a document.
func Store[D any](ctx context.Context, w DocumentWriter, tenantID, id string, doc *D) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", DocumentType[D](), id, err)
	}
	return w.StoreDocument(ctx, DocumentType[D](), tenantID, id, data)
}
