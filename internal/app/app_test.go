package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"quotekeeper/internal/config"
	"quotekeeper/internal/encryption"
	"quotekeeper/internal/qk"
	"quotekeeper/internal/testutil"
)

func newTestConfig(t *testing.T, sealed bool) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig("host-1", base)
	cfg.Local = config.LocalConfig{Type: "memory"}
	cfg.Encryption.Type = "test"
	cfg.Providers = []config.ProviderConfig{
		{Type: "memory", Name: "cloud-a", Role: "cloud", Sealed: sealed},
		{Type: "filesystem", Name: "usb", Role: "emergency", FSRoot: t.TempDir()},
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opener qk.Opener) *QKApp {
	t.Helper()
	a, err := NewQKApp(context.Background(), cfg, Options{
		Command: "Test",
		Opener:  opener,
		Logger:  qk.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("NewQKApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func saveQuote(t *testing.T, a *QKApp) string {
	t.Helper()
	res, err := a.SaveQuote(context.Background(), qk.SaveRequest{
		Client:      "Acme",
		Salesperson: "js",
		Payload:     json.RawMessage(`{"total":100}`),
	})
	if err != nil {
		t.Fatalf("SaveQuote() error = %v", err)
	}
	return res.BusinessKey
}

func TestNewQKApp(t *testing.T) {
	t.Run("starts offline without remote", func(t *testing.T) {
		a := newTestApp(t, newTestConfig(t, false), nil)

		st, err := a.Status(context.Background(), true)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if st.Manager.Mode != qk.ModeOffline {
			t.Errorf("Mode = %q, want offline", st.Manager.Mode)
		}
		if st.Manager.RemoteConfigured {
			t.Error("RemoteConfigured = true, want false")
		}
		if len(st.Providers) != 2 {
			t.Fatalf("Providers = %d, want 2", len(st.Providers))
		}
		for _, p := range st.Providers {
			if p.Error != "" {
				t.Errorf("provider %s error = %s", p.Name, p.Error)
			}
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		cfg := newTestConfig(t, false)
		cfg.Local.Type = "redis"
		if _, err := NewQKApp(context.Background(), cfg, Options{Logger: qk.NewNopLogger()}); err == nil {
			t.Error("NewQKApp() expected error")
		}
	})

	t.Run("rejects unknown encryption type", func(t *testing.T) {
		cfg := newTestConfig(t, true)
		cfg.Encryption.Type = "rot13"
		if _, err := NewQKApp(context.Background(), cfg, Options{Logger: qk.NewNopLogger()}); err == nil {
			t.Error("NewQKApp() expected error")
		}
	})
}

func TestQKApp_Quotes(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, newTestConfig(t, false), nil)

	key := saveQuote(t, a)
	if key != "ACME-JS-0001-R1" {
		t.Fatalf("BusinessKey = %q, want ACME-JS-0001-R1", key)
	}

	rev, err := a.ReviseQuote(ctx, key, json.RawMessage(`{"total":90}`))
	if err != nil {
		t.Fatalf("ReviseQuote() error = %v", err)
	}
	if rev.BusinessKey != "ACME-JS-0001-R2" {
		t.Errorf("revision key = %q, want ACME-JS-0001-R2", rev.BusinessKey)
	}

	latest, err := a.GetQuote(ctx, key, true)
	if err != nil {
		t.Fatalf("GetQuote() error = %v", err)
	}
	if latest.BusinessKey != "ACME-JS-0001-R2" {
		t.Errorf("latest = %q, want ACME-JS-0001-R2", latest.BusinessKey)
	}

	res, err := a.SearchQuotes(ctx, "acme", 1, 10)
	if err != nil {
		t.Fatalf("SearchQuotes() error = %v", err)
	}
	if res.Total != 1 || len(res.Items) != 1 || res.Items[0].Revision != 2 {
		t.Errorf("SearchQuotes() = %+v, want only revision 2", res)
	}

	st, err := a.Status(ctx, false)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Pending != 2 {
		t.Errorf("Pending = %d, want 2", st.Pending)
	}

	if _, err := a.SyncNow(ctx); !errors.Is(err, qk.ErrRemoteUnavailable) {
		t.Errorf("SyncNow() error = %v, want ErrRemoteUnavailable", err)
	}
}

func TestQKApp_Attachments(t *testing.T) {
	ctx := context.Background()

	t.Run("stores and records locations", func(t *testing.T) {
		a := newTestApp(t, newTestConfig(t, false), nil)
		key := saveQuote(t, a)
		pdf := testutil.PDF("quote")

		att, err := a.PutAttachment(ctx, key, bytes.NewReader(pdf))
		if err != nil {
			t.Fatalf("PutAttachment() error = %v", err)
		}
		if att.ContentHash != testutil.SHA256Hex(pdf) {
			t.Errorf("ContentHash = %s", att.ContentHash)
		}
		if _, ok := att.Locations["cloud-a"]; !ok {
			t.Errorf("Locations = %v, missing cloud-a", att.Locations)
		}
		if _, ok := att.Locations["usb"]; !ok {
			t.Errorf("Locations = %v, missing usb", att.Locations)
		}

		rec, err := a.GetQuote(ctx, key, false)
		if err != nil {
			t.Fatalf("GetQuote() error = %v", err)
		}
		if rec.Attachment == nil || rec.Attachment.ContentHash != att.ContentHash {
			t.Fatalf("record attachment = %+v", rec.Attachment)
		}

		found, err := a.FindAttachment(ctx, key)
		if err != nil {
			t.Fatalf("FindAttachment() error = %v", err)
		}
		if found.Provider != "cloud-a" {
			t.Errorf("Provider = %q, want cloud-a", found.Provider)
		}

		var buf bytes.Buffer
		if _, err := a.GetAttachment(ctx, key, &buf); err != nil {
			t.Fatalf("GetAttachment() error = %v", err)
		}
		if !bytes.Equal(buf.Bytes(), pdf) {
			t.Error("GetAttachment() content differs from upload")
		}

		// Same content again leaves the record untouched.
		if _, err := a.PutAttachment(ctx, key, bytes.NewReader(pdf)); err != nil {
			t.Fatalf("PutAttachment() again error = %v", err)
		}
		again, _ := a.GetQuote(ctx, key, false)
		if !again.ModifiedAt.Equal(rec.ModifiedAt) {
			t.Errorf("ModifiedAt changed from %v to %v", rec.ModifiedAt, again.ModifiedAt)
		}
	})

	t.Run("sealed cloud copy reads back", func(t *testing.T) {
		a := newTestApp(t, newTestConfig(t, true), encryption.TestOpener{})
		key := saveQuote(t, a)
		pdf := testutil.PDF("sealed")

		if _, err := a.PutAttachment(ctx, key, bytes.NewReader(pdf)); err != nil {
			t.Fatalf("PutAttachment() error = %v", err)
		}
		var buf bytes.Buffer
		found, err := a.GetAttachment(ctx, key, &buf)
		if err != nil {
			t.Fatalf("GetAttachment() error = %v", err)
		}
		if found.Provider != "cloud-a" || !bytes.Equal(buf.Bytes(), pdf) {
			t.Errorf("GetAttachment() from %s returned %d bytes", found.Provider, buf.Len())
		}
	})

	t.Run("unknown quotation", func(t *testing.T) {
		a := newTestApp(t, newTestConfig(t, false), nil)
		_, err := a.PutAttachment(ctx, "ACME-JS-0404-R1", bytes.NewReader(testutil.PDF("x")))
		if !errors.Is(err, qk.ErrNotFound) {
			t.Errorf("PutAttachment() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("rejects non-PDF", func(t *testing.T) {
		a := newTestApp(t, newTestConfig(t, false), nil)
		key := saveQuote(t, a)
		if _, err := a.PutAttachment(ctx, key, bytes.NewReader([]byte("plain text"))); err == nil {
			t.Error("PutAttachment() expected error")
		}
	})

	t.Run("missing attachment", func(t *testing.T) {
		a := newTestApp(t, newTestConfig(t, false), nil)
		if _, err := a.FindAttachment(ctx, "ACME-JS-0001-R1"); !errors.Is(err, qk.ErrAttachmentNotFound) {
			t.Errorf("FindAttachment() error = %v, want ErrAttachmentNotFound", err)
		}
	})
}
