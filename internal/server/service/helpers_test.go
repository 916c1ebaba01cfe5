package service

import (
	"bytes"
	"context"
	"testing"

	"pagedrop/internal/server/config"
	"pagedrop/internal/server/database/dbtest"
	"pagedrop/internal/server/storage"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	cfg        *config.Config
	ledger     *dbtest.Ledger
	store      *storage.ArtifactStore
	accounts   *AccountService
	codes      *CodeLedger
	redemption *RedemptionService
	ingest     *IngestService
	sites      *SiteService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		MaxFileSize:       1 << 20,
		MaxExtractedSize:  4 << 20,
		MaxArchiveEntries: 100,
		DefaultQuota:      5,
		BcryptCost:        bcrypt.MinCost,
		BaseURL:           "http://pages.test",
		UploadKinds:       []string{config.KindZip, config.KindHTML},
	}
	ledger := dbtest.New()
	store := storage.NewArtifactStore(t.TempDir(), storage.Limits{
		MaxExtractedSize: cfg.MaxExtractedSize,
		MaxEntries:       cfg.MaxArchiveEntries,
	})
	require.NoError(t, store.EnsureDir())

	accounts := NewAccountService(ledger, cfg)
	codes := NewCodeLedger(ledger)

	return &testEnv{
		cfg:        cfg,
		ledger:     ledger,
		store:      store,
		accounts:   accounts,
		codes:      codes,
		redemption: NewRedemptionService(ledger, codes),
		ingest:     NewIngestService(ledger, store, cfg),
		sites:      NewSiteService(ledger, store, cfg),
	}
}

func (e *testEnv) register(t *testing.T, username string) {
	t.Helper()
	_, err := e.accounts.Create(context.Background(), username, "pw-"+username)
	require.NoError(t, err)
}

func (e *testEnv) admin(t *testing.T, username string) {
	t.Helper()
	require.NoError(t, e.accounts.EnsureAdmin(context.Background(), username, "pw-"+username))
}

func (e *testEnv) upload(username, site string, data []byte) (*UploadResult, error) {
	return e.ingest.ProcessUpload(context.Background(), UploadRequest{
		Username: username,
		SiteName: site,
		Filename: site + ".zip",
		Data:     bytes.NewReader(data),
		Size:     int64(len(data)),
	})
}

// createTestZip builds an archive with entries in the given order.
func createTestZip(t *testing.T, nameContent ...string) []byte {
	t.Helper()
	require.Zero(t, len(nameContent)%2, "createTestZip takes name/content pairs")

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for i := 0; i < len(nameContent); i += 2 {
		f, err := w.Create(nameContent[i])
		require.NoError(t, err)
		_, err = f.Write([]byte(nameContent[i+1]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}
