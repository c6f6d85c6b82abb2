package credentials

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"chatrelay/internal/crypto"
	"chatrelay/internal/storage"
)

var dbSeq int

func testDeps(t *testing.T) (*Store, *storage.Store) {
	t.Helper()
	dbSeq++
	dsn := fmt.Sprintf("file:credtest%d?mode=memory&cache=shared", dbSeq)
	db, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	keyring, err := crypto.NewKeyring("k1", map[string][]byte{"k1": bytes.Repeat([]byte{0x42}, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return New(db, keyring), db
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	creds, db := testDeps(t)
	ctx := context.Background()

	err := creds.Save(ctx, Provider{
		Name:    "groq",
		Kind:    "openai_compat",
		BaseURL: "https://api.groq.com/openai/v1",
		APIKey:  "gsk-secret",
		Models:  []string{"llama3-70b"},
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	// Key is sealed at rest.
	row, err := db.GetProviderConfigByName(ctx, "groq")
	if err != nil {
		t.Fatalf("raw lookup: %v", err)
	}
	if row.EncAPIKey == nil {
		t.Fatal("no sealed key stored")
	}
	if bytes.Contains([]byte(*row.EncAPIKey), []byte("gsk-secret")) {
		t.Fatal("api key stored in the clear")
	}

	got, err := creds.Get(ctx, "groq")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.APIKey != "gsk-secret" {
		t.Errorf("api key = %q", got.APIKey)
	}
	if len(got.Models) != 1 || got.Models[0] != "llama3-70b" {
		t.Errorf("models = %v", got.Models)
	}

	key, err := creds.Key(ctx, "groq")
	if err != nil || key != "gsk-secret" {
		t.Errorf("Key() = %q, %v", key, err)
	}
	base, err := creds.BaseURL(ctx, "groq")
	if err != nil || base != "https://api.groq.com/openai/v1" {
		t.Errorf("BaseURL() = %q, %v", base, err)
	}
}

func TestSaveEmptyKeyClearsCredential(t *testing.T) {
	creds, _ := testDeps(t)
	ctx := context.Background()

	p := Provider{Name: "groq", Kind: "openai_compat", APIKey: "gsk-secret", Enabled: true}
	if err := creds.Save(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	p.APIKey = ""
	if err := creds.Save(ctx, p); err != nil {
		t.Fatalf("second save: %v", err)
	}

	key, err := creds.Key(ctx, "groq")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if key != "" {
		t.Errorf("key = %q, want cleared", key)
	}
}

func TestUnknownProviderHasNoKey(t *testing.T) {
	creds, _ := testDeps(t)

	key, err := creds.Key(context.Background(), "nope")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if key != "" {
		t.Errorf("key = %q, want empty", key)
	}
}

func TestListDecodesAll(t *testing.T) {
	creds, _ := testDeps(t)
	ctx := context.Background()

	for _, name := range []string{"groq", "anthropic"} {
		if err := creds.Save(ctx, Provider{Name: name, Kind: name, APIKey: "key-" + name, Enabled: true}); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	all, err := creds.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d providers, want 2", len(all))
	}
	for _, p := range all {
		if p.APIKey != "key-"+p.Name {
			t.Errorf("provider %q key = %q", p.Name, p.APIKey)
		}
	}
}
