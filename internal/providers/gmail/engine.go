// Package gmail implements the Gmail side of the ingestion pipeline:
// the history-log delta sync engine and the account-level watch
// registrar.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/hireloop/mailwatch/internal/credential"
	"github.com/hireloop/mailwatch/internal/ingest"
	"github.com/hireloop/mailwatch/internal/queue"
	"github.com/hireloop/mailwatch/internal/subscription"
	syncpkg "github.com/hireloop/mailwatch/internal/sync"
)

// Engine performs delta-by-history-log sync for one subscription. Gmail
// push notifications carry no message ids; the relevant messages are
// discovered by listing history entries after the stored cursor.
type Engine struct {
	broker    *credential.Broker
	registry  *subscription.Store
	directory syncpkg.Directory
	sink      ingest.Sink
	log       zerolog.Logger

	// extra client options, used by tests to point the service at a
	// local endpoint
	opts []option.ClientOption
}

// NewEngine creates the Gmail sync engine.
func NewEngine(broker *credential.Broker, registry *subscription.Store, dir syncpkg.Directory, sink ingest.Sink, log zerolog.Logger, opts ...option.ClientOption) *Engine {
	return &Engine{
		broker:    broker,
		registry:  registry,
		directory: dir,
		sink:      sink,
		log:       log.With().Str("component", "gmail-engine").Logger(),
		opts:      opts,
	}
}

var _ syncpkg.Engine = (*Engine)(nil)

func (e *Engine) service(ctx context.Context, tok *credential.Token) (*gmailv1.Service, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	httpClient := (&oauth2.Config{}).Client(ctx, oauth2Token)

	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, e.opts...)
	svc, err := gmailv1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// SyncSubscription lists history after the stored cursor, ingests the
// PDF attachments of every relevant message, then commits the new
// cursor and processed count in a single registry update. A crash
// before the commit replays the whole window on the next notification.
func (e *Engine) SyncSubscription(ctx context.Context, sub *subscription.Subscription, job queue.Job) (int, error) {
	if sub.SyncCursor == "" {
		return 0, fmt.Errorf("subscription %s has no sync cursor", sub.ID)
	}
	startHistoryID, err := strconv.ParseUint(sub.SyncCursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid history id in cursor: %w", err)
	}

	tok, err := e.broker.Valid(ctx, sub.UserID, subscription.ProviderGmail)
	if err != nil {
		return 0, err
	}
	svc, err := e.service(ctx, tok)
	if err != nil {
		return 0, err
	}

	label := sub.ResourceID
	newCursor, messageIDs, err := e.collectHistory(ctx, svc, startHistoryID, label)
	if err != nil {
		return 0, fmt.Errorf("failed to list history: %w", err)
	}

	positionID, err := e.directory.PositionPublicID(ctx, sub.PositionID)
	if err != nil {
		return 0, err
	}
	roundID, err := e.directory.RoundPublicID(ctx, sub.RoundID)
	if err != nil {
		return 0, err
	}
	meta := ingest.Meta{
		PositionID:   positionID,
		UserID:       sub.UserID,
		RoundID:      roundID,
		UploadMethod: "Gmail",
	}

	uploaded := 0
	for _, msgID := range messageIDs {
		n, err := e.ingestMessage(ctx, svc, msgID, meta)
		uploaded += n
		if err != nil {
			// One bad message must not stall the batch; the cursor
			// still advances past the whole window below.
			e.log.Error().Err(err).Str("message", msgID).
				Str("subscription", sub.ID).Msg("message ingestion failed")
		}
	}

	if err := e.registry.AdvanceCursor(ctx, sub.ID, strconv.FormatUint(newCursor, 10), uploaded); err != nil {
		return uploaded, err
	}
	return uploaded, nil
}

// collectHistory returns the highest history id seen and the deduplicated
// set of relevant message ids. A message is relevant when it shows up in
// a messagesAdded event already carrying the watched label, or in a
// labelsAdded event whose added labels include it; the provider reports
// fresh label-tagged mail and retagged pre-existing mail through those
// two different shapes.
func (e *Engine) collectHistory(ctx context.Context, svc *gmailv1.Service, start uint64, label string) (uint64, []string, error) {
	latest := start
	seen := make(map[string]bool)
	var ordered []string

	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}

	call := svc.Users.History.List("me").StartHistoryId(start).LabelId(label).MaxResults(100)
	err := call.Pages(ctx, func(page *gmailv1.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, history := range page.History {
			if history.Id > latest {
				latest = history.Id
			}
			for _, record := range history.MessagesAdded {
				if record.Message != nil && hasLabel(record.Message.LabelIds, label) {
					add(record.Message.Id)
				}
			}
			for _, record := range history.LabelsAdded {
				if record.Message != nil && hasLabel(record.LabelIds, label) {
					add(record.Message.Id)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return latest, ordered, nil
}

// ingestMessage fetches one message, downloads its PDF attachments and
// forwards them to the sink. Returns the number of successful uploads;
// per-file failures are logged and the rest of the batch continues.
func (e *Engine) ingestMessage(ctx context.Context, svc *gmailv1.Service, msgID string, meta ingest.Meta) (int, error) {
	msg, err := svc.Users.Messages.Get("me", msgID).Format("full").Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("failed to get message %s: %w", msgID, err)
	}

	uploaded := 0
	for _, part := range pdfParts(msg.Payload) {
		body, err := svc.Users.Messages.Attachments.Get("me", msgID, part.Body.AttachmentId).Context(ctx).Do()
		if err != nil {
			e.log.Error().Err(err).Str("message", msgID).Str("file", part.Filename).
				Msg("attachment download failed")
			continue
		}
		content, err := decodeAttachment(body.Data)
		if err != nil {
			e.log.Error().Err(err).Str("message", msgID).Str("file", part.Filename).
				Msg("attachment decode failed")
			continue
		}

		doc := ingest.Document{
			FileName: attachmentName(part, msgID),
			MimeType: "application/pdf",
			Content:  content,
			SourceID: msgID + "/" + part.Body.AttachmentId,
		}
		if err := e.sink.Upload(ctx, doc, meta); err != nil {
			e.log.Error().Err(err).Str("message", msgID).Str("file", doc.FileName).
				Msg("document upload failed")
			continue
		}
		uploaded++
	}
	return uploaded, nil
}

// pdfParts walks the MIME tree collecting downloadable PDF attachments.
func pdfParts(payload *gmailv1.MessagePart) []*gmailv1.MessagePart {
	if payload == nil {
		return nil
	}
	var out []*gmailv1.MessagePart
	var walk func(part *gmailv1.MessagePart)
	walk = func(part *gmailv1.MessagePart) {
		if isPDFPart(part) && part.Body != nil && part.Body.AttachmentId != "" {
			out = append(out, part)
		}
		for _, child := range part.Parts {
			walk(child)
		}
	}
	walk(payload)
	return out
}

func isPDFPart(part *gmailv1.MessagePart) bool {
	if strings.HasSuffix(strings.ToLower(part.Filename), ".pdf") {
		return true
	}
	return part.MimeType == "application/pdf"
}

func attachmentName(part *gmailv1.MessagePart, msgID string) string {
	if part.Filename != "" {
		return part.Filename
	}
	return msgID + ".pdf"
}

// decodeAttachment decodes Gmail's base64url attachment payload by
// translating the url alphabet back to the standard one first.
func decodeAttachment(data string) ([]byte, error) {
	std := strings.ReplaceAll(strings.ReplaceAll(data, "-", "+"), "_", "/")
	if pad := len(std) % 4; pad != 0 {
		std += strings.Repeat("=", 4-pad)
	}
	return base64.StdEncoding.DecodeString(std)
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
