// Package ingest defines the downstream document sink the sync engines
// hand extracted CV attachments to, and the production implementation
// that spools documents to disk and announces them on JetStream for the
// scoring workers.
package ingest

import (
	"context"
)

// Document is one extracted attachment ready for ingestion.
type Document struct {
	FileName string
	MimeType string
	Content  []byte

	// SourceID identifies the attachment at the provider, message id
	// plus attachment id. Distinct documents sharing a file name must
	// not share a SourceID; a reprocessed delta window reproduces it.
	SourceID string
}

// Meta is the routing metadata attached to every uploaded document.
type Meta struct {
	PositionID   string
	UserID       string
	RoundID      string
	UploadMethod string
}

// Sink accepts extracted documents. Implementations must be safe for
// sequential use from the single consumer goroutine.
type Sink interface {
	Upload(ctx context.Context, doc Document, meta Meta) error
}
