package qk_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotekeeper/internal/provider"
	"quotekeeper/internal/qk"
	"quotekeeper/internal/testutil"
)

var errUnreachable = errors.New("cloud unreachable")

type routerFixture struct {
	primary   *testutil.FlakyProvider
	secondary *testutil.FlakyProvider
	emergency *testutil.FlakyProvider
	router    *qk.StorageRouter
}

func newRouterFixture() *routerFixture {
	f := &routerFixture{
		primary:   testutil.NewFlakyProvider("primary"),
		secondary: testutil.NewFlakyProvider("secondary"),
		emergency: testutil.NewFlakyProvider("usb"),
	}
	f.router = qk.NewStorageRouter(
		[]qk.Provider{f.primary, f.secondary}, f.emergency,
		testTimeout, qk.NewNopLogger(), testutil.FixedClock())
	return f
}

func TestStorageRouter_Store(t *testing.T) {
	ctx := context.Background()
	pdf := testutil.PDF("ACME-JS-0001-R1")

	t.Run("first cloud plus emergency copy", func(t *testing.T) {
		f := newRouterFixture()

		att, err := f.router.Store(ctx, "ACME-JS-0001-R1", pdf, nil)
		require.NoError(t, err)

		assert.True(t, att.Verified)
		assert.Equal(t, testutil.SHA256Hex(pdf), att.ContentHash)
		assert.Equal(t, int64(len(pdf)), att.SizeBytes)
		assert.Equal(t, "application/pdf", att.MimeType)
		assert.Equal(t, map[string]string{
			"primary": "memory://primary/ACME-JS-0001-R1.pdf",
			"usb":     "memory://usb/ACME-JS-0001-R1.pdf",
		}, att.Locations)
		assert.Equal(t, 0, f.secondary.Puts(), "no fan-out past the first successful cloud")
	})

	t.Run("falls through to secondary", func(t *testing.T) {
		f := newRouterFixture()
		f.primary.Fail(errUnreachable)

		att, err := f.router.Store(ctx, "ACME-JS-0001-R1", pdf, nil)
		require.NoError(t, err)
		assert.Contains(t, att.Locations, "secondary")
		assert.Contains(t, att.Locations, "usb")
		assert.NotContains(t, att.Locations, "primary")
	})

	t.Run("emergency alone is enough", func(t *testing.T) {
		f := newRouterFixture()
		f.primary.Fail(errUnreachable)
		f.secondary.Fail(errUnreachable)

		att, err := f.router.Store(ctx, "ACME-JS-0001-R1", pdf, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"usb"}, keys(att.Locations))
	})

	t.Run("every provider down", func(t *testing.T) {
		f := newRouterFixture()
		f.primary.Fail(errUnreachable)
		f.secondary.Fail(errUnreachable)
		f.emergency.Fail(errUnreachable)

		_, err := f.router.Store(ctx, "ACME-JS-0001-R1", pdf, nil)
		assert.Error(t, err)
	})

	t.Run("rejects non-PDF content", func(t *testing.T) {
		f := newRouterFixture()
		_, err := f.router.Store(ctx, "ACME-JS-0001-R1", []byte("<html>quote</html>"), nil)
		assert.Error(t, err)
		assert.Equal(t, 0, f.primary.Puts())
	})

	t.Run("unchanged content is not re-uploaded", func(t *testing.T) {
		f := newRouterFixture()
		prev, err := f.router.Store(ctx, "ACME-JS-0001-R1", pdf, nil)
		require.NoError(t, err)

		again, err := f.router.Store(ctx, "ACME-JS-0001-R1", pdf, prev)
		require.NoError(t, err)
		assert.Equal(t, prev.Locations, again.Locations)
		assert.Equal(t, 1, f.primary.Puts())
		assert.Equal(t, 1, f.emergency.Puts())

		changed, err := f.router.Store(ctx, "ACME-JS-0001-R1", testutil.PDF("v2"), prev)
		require.NoError(t, err)
		assert.NotEqual(t, prev.ContentHash, changed.ContentHash)
		assert.Equal(t, 2, f.primary.Puts())
	})
}

func TestStorageRouter_StoreLockedSealedPrimary(t *testing.T) {
	ctx := context.Background()
	inner := testutil.NewFlakyProvider("primary")
	sealed := provider.NewSealedProvider(inner, testutil.NewTestSealer(), nil)
	secondary := testutil.NewFlakyProvider("secondary")
	router := qk.NewStorageRouter([]qk.Provider{sealed, secondary}, nil,
		testTimeout, qk.NewNopLogger(), testutil.FixedClock())

	pdf := testutil.PDF("ACME-JS-0001-R1")
	att, err := router.Store(ctx, "ACME-JS-0001-R1", pdf, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"primary": "memory://primary/ACME-JS-0001-R1.pdf",
	}, att.Locations)
	assert.Equal(t, 1, inner.Puts())
	assert.Equal(t, 0, secondary.Puts(), "sealed primary accepted the upload")
}

func TestStorageRouter_FindNameVariant(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()

	// A legacy exporter stored the file in lower case with underscores.
	pdf := testutil.PDF("legacy")
	_, err := f.secondary.MemoryProvider.Put(ctx, "acme_js_0042_r1.PDF", bytes.NewReader(pdf), int64(len(pdf)), "application/pdf")
	require.NoError(t, err)

	found, err := f.router.Find(ctx, "ACME-JS-0042-R1")
	require.NoError(t, err)
	assert.Equal(t, "secondary", found.Provider)
	assert.Equal(t, "acme_js_0042_r1.PDF", found.ObjectName)
	assert.Equal(t, int64(len(pdf)), found.Size)

	var buf bytes.Buffer
	_, err = f.router.Fetch(ctx, "ACME-JS-0042-R1", &buf)
	require.NoError(t, err)
	assert.Equal(t, pdf, buf.Bytes())
}

func TestStorageRouter_FindCapitalizedLegacyPrefix(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()

	pdf := testutil.PDF("legacy")
	_, err := f.primary.MemoryProvider.Put(ctx, "Cotizacion_ACME-JS-0042-R1.pdf", bytes.NewReader(pdf), int64(len(pdf)), "application/pdf")
	require.NoError(t, err)

	found, err := f.router.Find(ctx, "ACME-JS-0042-R1")
	require.NoError(t, err)
	assert.Equal(t, "primary", found.Provider)
	assert.Equal(t, "Cotizacion_ACME-JS-0042-R1.pdf", found.ObjectName)
}

func TestStorageRouter_FindSkipsFailingProvider(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()

	pdf := testutil.PDF("x")
	_, err := f.router.Store(ctx, "ACME-JS-0001-R1", pdf, nil)
	require.NoError(t, err)

	f.primary.Fail(errUnreachable)
	found, err := f.router.Find(ctx, "ACME-JS-0001-R1")
	require.NoError(t, err)
	assert.Equal(t, "usb", found.Provider)
}

func TestStorageRouter_FindIgnoresNonPDF(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()

	junk := "not a pdf at all"
	_, err := f.primary.MemoryProvider.Put(ctx, "ACME-JS-0001-R1.pdf", strings.NewReader(junk), int64(len(junk)), "text/plain")
	require.NoError(t, err)

	_, err = f.router.Find(ctx, "ACME-JS-0001-R1")
	assert.ErrorIs(t, err, qk.ErrAttachmentNotFound)
}

func TestStorageRouter_NotFound(t *testing.T) {
	f := newRouterFixture()
	_, err := f.router.Find(context.Background(), "ACME-JS-0404-R1")
	assert.ErrorIs(t, err, qk.ErrAttachmentNotFound)

	_, err = f.router.Fetch(context.Background(), "ACME-JS-0404-R1", &bytes.Buffer{})
	assert.ErrorIs(t, err, qk.ErrAttachmentNotFound)
}

func TestStorageRouter_SealedProvider(t *testing.T) {
	ctx := context.Background()
	sealer := testutil.NewTestSealer()
	opener, err := sealer.Unlock("")
	require.NoError(t, err)

	inner := provider.NewMemoryProvider("vault")
	router := qk.NewStorageRouter([]qk.Provider{provider.NewSealedProvider(inner, sealer, opener)}, nil,
		testTimeout, qk.NewNopLogger(), testutil.FixedClock())

	pdf := testutil.PDF("sealed")
	att, err := router.Store(ctx, "ACME-JS-0001-R1", pdf, nil)
	require.NoError(t, err)
	assert.Contains(t, att.Locations, "vault")

	var raw bytes.Buffer
	require.NoError(t, inner.Get(ctx, "ACME-JS-0001-R1.pdf", &raw))
	assert.NotEqual(t, pdf, raw.Bytes())

	var buf bytes.Buffer
	found, err := router.Fetch(ctx, "ACME-JS-0001-R1", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(pdf)), found.Size)
	assert.Equal(t, pdf, buf.Bytes())
}

func TestStorageRouter_Status(t *testing.T) {
	f := newRouterFixture()
	f.secondary.Fail(errUnreachable)

	st := f.router.Status(context.Background())
	require.Len(t, st, 3)
	assert.Equal(t, qk.ProviderStatus{Name: "primary", Role: qk.RoleCloud}, st[0])
	assert.Equal(t, "secondary", st[1].Name)
	assert.Contains(t, st[1].Error, "cloud unreachable")
	assert.Equal(t, qk.RoleEmergency, st[2].Role)
	assert.Empty(t, st[2].Error)
}

func keys(m map[string]string) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
