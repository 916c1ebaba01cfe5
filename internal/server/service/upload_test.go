package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"pagedrop/internal/server/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readSiteFile(t *testing.T, env *testEnv, owner, site, rel string) string {
	t.Helper()
	f, _, err := env.sites.Open(owner, site, rel)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestIngestService_ProcessUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes zip and debits one slot", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")

		res, err := env.upload("bob", "blog", createTestZip(t,
			"index.html", "<h1>blog</h1>",
			"about.html", "about",
			"css/main.css", "body{}",
		))
		require.NoError(t, err)

		assert.Equal(t, "http://pages.test/sites/bob/blog/index.html", res.URL)
		assert.Equal(t, int64(4), res.Quota)
		assert.Equal(t, "blog", res.Site)
		assert.Equal(t, "index.html", res.Entry)
		assert.Equal(t, []string{"about.html", "index.html"}, res.Files)
		assert.Equal(t, StateCommitted, res.State)

		assert.Equal(t, "<h1>blog</h1>", readSiteFile(t, env, "bob", "blog", "index.html"))
		assert.Equal(t, int64(4), env.ledger.Account("bob").QuotaRemaining)
	})

	t.Run("entry falls back to first html document", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")

		res, err := env.upload("bob", "docs", createTestZip(t,
			"wrapper/zeta.html", "z",
			"wrapper/alpha.htm", "a",
		))
		require.NoError(t, err)
		assert.Equal(t, "alpha.htm", res.Entry)
		assert.Equal(t, "http://pages.test/sites/bob/docs/alpha.htm", res.URL)
	})

	t.Run("single html document", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")

		doc := "<!doctype html><title>one</title>"
		res, err := env.ingest.ProcessUpload(ctx, UploadRequest{
			Username: "bob",
			SiteName: "one",
			Filename: "page.html",
			Data:     strings.NewReader(doc),
			Size:     int64(len(doc)),
		})
		require.NoError(t, err)
		assert.Equal(t, "index.html", res.Entry)
		assert.Equal(t, doc, readSiteFile(t, env, "bob", "one", ""))
	})

	t.Run("buffers readers without random access", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")

		data := createTestZip(t, "index.html", "streamed")
		res, err := env.ingest.ProcessUpload(ctx, UploadRequest{
			Username: "bob",
			SiteName: "stream",
			Filename: "site.zip",
			Data:     io.MultiReader(bytes.NewReader(data)),
			Size:     -1,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(4), res.Quota)
	})

	t.Run("admin uploads are not debited", func(t *testing.T) {
		env := newTestEnv(t)
		env.admin(t, "root")

		res, err := env.upload("root", "status", createTestZip(t, "index.html", "ok"))
		require.NoError(t, err)
		assert.Equal(t, int64(5), res.Quota)
	})

	t.Run("quota exhausted", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")
		_, err := env.accounts.AdjustQuota(ctx, "bob", -5)
		require.NoError(t, err)

		_, err = env.upload("bob", "blog", createTestZip(t, "index.html", "x"))
		assert.ErrorIs(t, err, ErrQuotaExhausted)
		assert.False(t, env.store.Exists("bob", "blog"))
	})

	t.Run("unknown account", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.upload("ghost", "blog", createTestZip(t, "index.html", "x"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejected requests cost nothing", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")

		_, err := env.upload("bob", "../etc", createTestZip(t, "index.html", "x"))
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = env.ingest.ProcessUpload(ctx, UploadRequest{
			Username: "bob", SiteName: "big", Filename: "big.zip",
			Data: strings.NewReader(""), Size: env.cfg.MaxFileSize + 1,
		})
		assert.ErrorIs(t, err, ErrFileTooLarge)

		_, err = env.ingest.ProcessUpload(ctx, UploadRequest{
			Username: "bob", SiteName: "big", Filename: "big.zip",
			Data: io.MultiReader(strings.NewReader(strings.Repeat("x", int(env.cfg.MaxFileSize)+10))), Size: -1,
		})
		assert.ErrorIs(t, err, ErrFileTooLarge)

		_, err = env.ingest.ProcessUpload(ctx, UploadRequest{
			Username: "bob", SiteName: "notes", Filename: "notes.txt",
			Data: strings.NewReader("plain text"), Size: 10,
		})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = env.ingest.ProcessUpload(ctx, UploadRequest{
			Username: "bob", SiteName: "fake", Filename: "fake.zip",
			Data: strings.NewReader("not a zip"), Size: 9,
		})
		assert.ErrorIs(t, err, ErrBadArchive)

		assert.Equal(t, int64(5), env.ledger.Account("bob").QuotaRemaining)
	})

	t.Run("disabled upload kind", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.UploadKinds = []string{config.KindZip}
		env.register(t, "bob")

		_, err := env.ingest.ProcessUpload(ctx, UploadRequest{
			Username: "bob", SiteName: "one", Filename: "index.html",
			Data: strings.NewReader("<p>hi</p>"), Size: 9,
		})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("bad archive is not debited", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")

		_, err := env.upload("bob", "evil", createTestZip(t, "../../escape.html", "x"))
		assert.ErrorIs(t, err, ErrBadArchive)
		assert.Equal(t, int64(5), env.ledger.Account("bob").QuotaRemaining)
		assert.False(t, env.store.Exists("bob", "evil"))
	})

	t.Run("corrupt re-upload keeps previous site", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")

		_, err := env.upload("bob", "blog", createTestZip(t, "index.html", "v1"))
		require.NoError(t, err)

		corrupt := createTestZip(t, "index.html", "v2")
		corrupt = corrupt[:len(corrupt)/2]
		_, err = env.upload("bob", "blog", corrupt)
		assert.ErrorIs(t, err, ErrBadArchive)

		assert.Equal(t, "v1", readSiteFile(t, env, "bob", "blog", "index.html"))
		assert.Equal(t, int64(4), env.ledger.Account("bob").QuotaRemaining)
	})

	t.Run("failed commit swaps the old site back", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")

		_, err := env.upload("bob", "blog", createTestZip(t, "index.html", "v1"))
		require.NoError(t, err)

		boom := errors.New("commit lost")
		env.ledger.FailNextCommit(boom)
		_, err = env.upload("bob", "blog", createTestZip(t, "index.html", "v2"))
		assert.ErrorIs(t, err, boom)

		assert.Equal(t, "v1", readSiteFile(t, env, "bob", "blog", "index.html"))
		assert.Equal(t, int64(4), env.ledger.Account("bob").QuotaRemaining)
	})

	t.Run("failed commit removes a first upload", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")

		env.ledger.FailNextCommit(errors.New("commit lost"))
		_, err := env.upload("bob", "blog", createTestZip(t, "index.html", "v1"))
		require.Error(t, err)

		assert.False(t, env.store.Exists("bob", "blog"))
		assert.Equal(t, int64(5), env.ledger.Account("bob").QuotaRemaining)
	})

	t.Run("cancelled request publishes nothing", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		data := createTestZip(t, "index.html", "x")
		_, err := env.ingest.ProcessUpload(cctx, UploadRequest{
			Username: "bob", SiteName: "blog", Filename: "blog.zip",
			Data: bytes.NewReader(data), Size: int64(len(data)),
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, env.store.Exists("bob", "blog"))
		assert.Equal(t, int64(5), env.ledger.Account("bob").QuotaRemaining)
	})

	t.Run("concurrent uploads with one slot left", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "bob")
		_, err := env.accounts.AdjustQuota(ctx, "bob", -4)
		require.NoError(t, err)

		const n = 8
		data := createTestZip(t, "index.html", "x")
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = env.upload("bob", fmt.Sprintf("site%d", i), data)
			}(i)
		}
		wg.Wait()

		successes := 0
		for _, err := range errs {
			if err == nil {
				successes++
			} else {
				assert.ErrorIs(t, err, ErrQuotaExhausted)
			}
		}
		assert.Equal(t, 1, successes)
		assert.Equal(t, int64(0), env.ledger.Account("bob").QuotaRemaining)

		sites, err := env.store.List("bob")
		require.NoError(t, err)
		assert.Len(t, sites, 1)
	})
}

func TestQuotaAccounting(t *testing.T) {
	ctx := context.Background()

	t.Run("bob scenario", func(t *testing.T) {
		env := newTestEnv(t)
		env.admin(t, "root")

		info, err := env.accounts.Create(ctx, "bob", "hunter2")
		require.NoError(t, err)
		assert.Equal(t, int64(5), info.Quota)

		res, err := env.upload("bob", "blog", createTestZip(t, "index.html", "hi"))
		require.NoError(t, err)
		assert.Equal(t, int64(4), res.Quota)

		code, err := env.codes.Issue(ctx, "root", IssueRequest{Slots: 3, MaxRedemptions: 1})
		require.NoError(t, err)

		redeemed, err := env.redemption.Apply(ctx, "bob", code.Code)
		require.NoError(t, err)
		assert.Equal(t, int64(7), redeemed.Quota)

		_, err = env.redemption.Apply(ctx, "bob", code.Code)
		assert.Error(t, err)
		assert.Equal(t, int64(7), env.ledger.Account("bob").QuotaRemaining)
	})

	t.Run("initial minus uploads plus slots", func(t *testing.T) {
		env := newTestEnv(t)
		env.admin(t, "root")
		env.register(t, "carol")

		var slots int64
		for i, s := range []int{2, 1, 4} {
			code, err := env.codes.Issue(ctx, "root", IssueRequest{Slots: s, MaxRedemptions: 1})
			require.NoError(t, err)
			_, err = env.redemption.Apply(ctx, "carol", code.Code)
			require.NoError(t, err, "redemption %d", i)
			slots += int64(s)
		}

		uploads := 0
		for i := 0; i < 20; i++ {
			if _, err := env.upload("carol", fmt.Sprintf("s%d", i), createTestZip(t, "index.html", "x")); err != nil {
				assert.ErrorIs(t, err, ErrQuotaExhausted)
				continue
			}
			uploads++
		}

		assert.Equal(t, 5+int(slots), uploads)
		assert.Equal(t, int64(5)-int64(uploads)+slots, env.ledger.Account("carol").QuotaRemaining)
		assert.Equal(t, int64(0), env.ledger.Account("carol").QuotaRemaining)
	})
}
