package projection

import (
	"context"
	"fmt"

	"github.com/plaenen/eventdaemon/pkg/store"
)

// VersionedDocumentType returns the stored type of docType as written by a
// projection version. Version 1 keeps docType; later versions append ":v<N>"
// so both versions can be projected and rebuilt side by side.
func VersionedDocumentType(docType string, version int) string {
	if version <= 1 {
		return docType
	}
	return fmt.Sprintf("%s:v%d", docType, version)
}

// documentTypes maps the document types a projection owns to the stored
// types of its version. It is nil for version 1.
type documentTypes map[string]string

func newDocumentTypes(version int, types ...string) documentTypes {
	if version <= 1 {
		return nil
	}
	t := make(documentTypes, len(types))
	for _, docType := range types {
		t[docType] = VersionedDocumentType(docType, version)
	}
	return t
}

func (t documentTypes) of(docType string) string {
	if stored, ok := t[docType]; ok {
		return stored
	}
	return docType
}

// reader makes handlers and groupers read the documents of their own
// version. Document types of other projections pass through.
func (t documentTypes) reader(r store.DocumentReader) store.DocumentReader {
	if len(t) == 0 {
		return r
	}
	return versionedReader{reader: r, types: t}
}

type versionedReader struct {
	reader store.DocumentReader
	types  documentTypes
}

func (r versionedReader) LoadDocument(ctx context.Context, docType, tenantID, id string) ([]byte, error) {
	return r.reader.LoadDocument(ctx, r.types.of(docType), tenantID, id)
}

func (r versionedReader) QueryDocuments(ctx context.Context, query store.DocumentQuery) ([][]byte, error) {
	query.Type = r.types.of(query.Type)
	return r.reader.QueryDocuments(ctx, query)
}
