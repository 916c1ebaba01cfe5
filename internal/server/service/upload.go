package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"pagedrop/internal/server/config"
	"pagedrop/internal/server/database"
	"pagedrop/internal/server/metrics"
	"pagedrop/internal/server/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pagedrop/service")

// UploadState is a step of the ingestion state machine.
type UploadState string

const (
	StateReceived   UploadState = "RECEIVED"
	StateAuthorized UploadState = "AUTHORIZED"
	StateStaged     UploadState = "STAGED"
	StateCommitted  UploadState = "COMMITTED"
	StateRejected   UploadState = "REJECTED"
	StateFailed     UploadState = "FAILED"
)

// UploadRequest is one site upload. Size may be -1 when unknown; Data is
// buffered in that case. Readers that implement io.ReaderAt with a known
// size are used in place.
type UploadRequest struct {
	Username string
	SiteName string
	Filename string
	Data     io.Reader
	Size     int64
}

// UploadResult is returned after a successful upload.
type UploadResult struct {
	URL   string      `json:"url"`
	Quota int64       `json:"quota"`
	Site  string      `json:"site"`
	Entry string      `json:"entry"`
	Files []string    `json:"files"`
	State UploadState `json:"state"`
}

// IngestService turns uploads into published sites and charges quota.
type IngestService struct {
	ledger database.Ledger
	store  *storage.ArtifactStore
	cfg    *config.Config
}

// NewIngestService creates a new ingestion service.
func NewIngestService(ledger database.Ledger, store *storage.ArtifactStore, cfg *config.Config) *IngestService {
	return &IngestService{
		ledger: ledger,
		store:  store,
		cfg:    cfg,
	}
}

// ProcessUpload runs an upload through RECEIVED → AUTHORIZED → STAGED →
// COMMITTED. The account row is locked from the quota check until the debit
// commits; the new tree is swapped in inside that window and swapped back
// out if the transaction does not commit.
func (s *IngestService) ProcessUpload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.process_upload",
		trace.WithAttributes(
			attribute.String("username", req.Username),
			attribute.String("site", req.SiteName),
			attribute.Int64("size_bytes", req.Size),
		),
	)
	defer span.End()

	filename := sanitizeFilename(req.Filename)
	log := slog.With("username", req.Username, "site", req.SiteName, "filename", filename)
	state := StateReceived
	log.Debug("upload received", "state", state, "size", req.Size)

	fail := func(next UploadState, err error) (*UploadResult, error) {
		span.RecordError(err)
		span.SetAttributes(attribute.String("state", string(next)))
		metrics.UploadsTotal.WithLabelValues(strings.ToLower(string(next))).Inc()
		log.Info("upload not published", "from", state, "state", next, "error", err)
		return nil, err
	}

	// 1. Cheap request checks
	if !storage.ValidName(req.Username) {
		return fail(StateRejected, fmt.Errorf("%w: invalid username", ErrInvalidArgument))
	}
	if !storage.ValidName(req.SiteName) {
		return fail(StateRejected, fmt.Errorf("%w: site name must be 1-64 letters, digits, '.', '_' or '-'", ErrInvalidArgument))
	}
	if req.Size > s.cfg.MaxFileSize {
		return fail(StateRejected, ErrFileTooLarge)
	}

	// 2. Random-access view of the payload
	data, size, err := s.readerAt(req.Data, req.Size)
	if err != nil {
		return fail(StateRejected, err)
	}
	kind, err := s.detectKind(data, size, filename)
	if err != nil {
		return fail(StateRejected, err)
	}
	content := storage.Content{Kind: kind, Data: data, Size: size}

	var (
		staged  *storage.Staged
		account *database.Account
	)
	err = s.ledger.InTx(ctx, func(tx database.Tx) error {
		// 3. Authorize against the locked account row
		var err error
		account, err = tx.LockAccount(ctx, req.Username)
		if err != nil {
			return err
		}
		if !account.IsAdmin && account.QuotaRemaining <= 0 {
			return ErrQuotaExhausted
		}
		state = StateAuthorized

		// 4. Build the new tree and swap it in
		staged, err = s.store.Stage(ctx, req.Username, req.SiteName, content)
		if err != nil {
			return storeError(err)
		}
		if err := staged.Swap(ctx); err != nil {
			return storeError(err)
		}
		state = StateStaged

		// 5. Debit and record
		if !account.IsAdmin {
			account, err = tx.AdjustQuota(ctx, req.Username, -1)
			if err != nil {
				return err
			}
		}
		artifact := staged.Artifact()
		now := time.Now().UTC()
		return tx.UpsertSite(ctx, &database.Site{
			Owner:     req.Username,
			Name:      req.SiteName,
			Entry:     artifact.Entry,
			FileCount: artifact.FileCount,
			SizeBytes: artifact.SizeBytes,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		if staged != nil {
			if rbErr := staged.Rollback(); rbErr != nil {
				log.Error("failed to roll back site swap", "error", rbErr)
			}
		}
		next := StateFailed
		if state == StateReceived {
			next = StateRejected
		}
		return fail(next, ledgerError(err, "publish site"))
	}
	staged.Commit()
	state = StateCommitted

	artifact := staged.Artifact()
	if !account.IsAdmin {
		metrics.QuotaDebitedTotal.Inc()
	}
	metrics.UploadsTotal.WithLabelValues(strings.ToLower(string(state))).Inc()
	metrics.UploadBytes.Observe(float64(size))
	span.SetAttributes(
		attribute.String("state", string(state)),
		attribute.Int("file_count", artifact.FileCount),
	)
	log.Info("upload committed",
		"state", state,
		"kind", kind,
		"files", artifact.FileCount,
		"bytes", artifact.SizeBytes,
		"quota", account.QuotaRemaining,
	)

	files := artifact.Files
	if files == nil {
		files = []string{}
	}
	return &UploadResult{
		URL:   siteURL(s.cfg.BaseURL, req.Username, req.SiteName, artifact.Entry),
		Quota: account.QuotaRemaining,
		Site:  req.SiteName,
		Entry: artifact.Entry,
		Files: files,
		State: state,
	}, nil
}

// readerAt returns a random-access view of r, buffering it when needed.
func (s *IngestService) readerAt(r io.Reader, size int64) (io.ReaderAt, int64, error) {
	if ra, ok := r.(io.ReaderAt); ok && size >= 0 {
		return ra, size, nil
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, s.cfg.MaxFileSize+1))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read upload data: %w", err)
	}
	if n > s.cfg.MaxFileSize {
		return nil, 0, ErrFileTooLarge
	}
	return bytes.NewReader(buf.Bytes()), n, nil
}

// detectKind sniffs the payload: zip magic bytes win, otherwise the file
// extension must name an HTML document.
func (s *IngestService) detectKind(data io.ReaderAt, size int64, filename string) (storage.ContentKind, error) {
	if size == 0 {
		return "", fmt.Errorf("%w: empty upload", ErrInvalidArgument)
	}

	head := make([]byte, 4)
	n, _ := data.ReadAt(head, 0)

	var kind storage.ContentKind
	ext := strings.ToLower(path.Ext(filename))
	switch {
	case isZip(head[:n]):
		kind = storage.KindZip
	case ext == ".zip":
		return "", fmt.Errorf("%w: not a valid zip archive", ErrBadArchive)
	case ext == ".html" || ext == ".htm":
		kind = storage.KindHTML
	default:
		return "", fmt.Errorf("%w: expected a .zip archive or .html document", ErrInvalidArgument)
	}

	if !s.cfg.AllowsKind(string(kind)) {
		return "", fmt.Errorf("%w: %s uploads are disabled", ErrInvalidArgument, kind)
	}
	return kind, nil
}

// siteURL is the public address of a site's entry document.
func siteURL(baseURL, owner, site, entry string) string {
	return fmt.Sprintf("%s/sites/%s/%s/%s",
		strings.TrimRight(baseURL, "/"), owner, site, (&url.URL{Path: entry}).EscapedPath())
}
