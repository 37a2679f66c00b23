package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hireloop/mailwatch/internal/natsjs"
)

// SpoolSink writes each document to the spool directory and publishes a
// document.received event on JetStream. The message id combines upload
// method, round and the attachment's provider identity, so a
// reprocessed delta window dedupes at the stream instead of producing a
// second event.
type SpoolSink struct {
	dir       string
	publisher *natsjs.Publisher
	log       zerolog.Logger
}

// NewSpoolSink creates the sink, ensuring the spool directory exists.
func NewSpoolSink(dir string, publisher *natsjs.Publisher, log zerolog.Logger) (*SpoolSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &SpoolSink{
		dir:       dir,
		publisher: publisher,
		log:       log.With().Str("component", "ingest").Logger(),
	}, nil
}

type documentReceivedEvent struct {
	EventID      string `json:"event_id"`
	TS           int64  `json:"ts"`
	Path         string `json:"path"`
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	Size         int    `json:"size"`
	PositionID   string `json:"position_id"`
	UserID       string `json:"user_id"`
	RoundID      string `json:"round_id"`
	UploadMethod string `json:"upload_method"`
}

// Upload spools the document and announces it.
func (s *SpoolSink) Upload(ctx context.Context, doc Document, meta Meta) error {
	eventID := uuid.NewString()
	path := filepath.Join(s.dir, eventID+"_"+filepath.Base(doc.FileName))

	if err := os.WriteFile(path, doc.Content, 0644); err != nil {
		return fmt.Errorf("failed to spool document: %w", err)
	}

	event := documentReceivedEvent{
		EventID:      eventID,
		TS:           time.Now().Unix(),
		Path:         path,
		FileName:     doc.FileName,
		MimeType:     doc.MimeType,
		Size:         len(doc.Content),
		PositionID:   meta.PositionID,
		UserID:       meta.UserID,
		RoundID:      meta.RoundID,
		UploadMethod: meta.UploadMethod,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode document event: %w", err)
	}
	subject := fmt.Sprintf("cv.%s.document.received", meta.UserID)

	if err := s.publisher.Publish(subject, payload, eventMessageID(doc, meta)); err != nil {
		return fmt.Errorf("failed to publish document event: %w", err)
	}

	s.log.Info().Str("file", doc.FileName).Str("round", meta.RoundID).
		Str("method", meta.UploadMethod).Msg("document ingested")
	return nil
}

// eventMessageID builds the JetStream dedup id. Keyed on the provider
// source identity so a reprocessed delta window dedupes at the stream
// while two distinct documents sharing a file name do not collapse.
func eventMessageID(doc Document, meta Meta) string {
	source := doc.SourceID
	if source == "" {
		source = doc.FileName
	}
	return fmt.Sprintf("document.received|%s|%s|%s", meta.UploadMethod, meta.RoundID, source)
}
