package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/folcright/zonelcpilot/internal/ai"
	"github.com/folcright/zonelcpilot/internal/chunker"
	"github.com/folcright/zonelcpilot/internal/engine"
	"github.com/folcright/zonelcpilot/internal/loader"
	"github.com/folcright/zonelcpilot/internal/store"
	"github.com/folcright/zonelcpilot/internal/usage"
)

const ordinanceText = `Section 5-100 Setback Requirements
The minimum setback from any property line is twenty five feet.
Section 9-300 Poultry
Keeping of poultry is permitted on parcels exceeding two acres.`

// countingClient wraps the stub and counts embedding calls so tests can
// verify that unchanged content is not re-embedded.
type countingClient struct {
	*ai.StubClient
	embedBatchCalls atomic.Int64
	embedFailures   atomic.Int64
	failAll         bool
}

func newCountingClient() *countingClient {
	return &countingClient{StubClient: ai.NewStubClient(32)}
}

func (c *countingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.embedBatchCalls.Add(1)
	if c.failAll {
		c.embedFailures.Add(1)
		return nil, ai.ErrUnavailable
	}
	return c.StubClient.EmbedBatch(ctx, texts)
}

func newTestIngester(t *testing.T, client ai.Client, text string) (*Ingester, store.ChunkStore) {
	t.Helper()

	st, err := store.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.Migrate(context.Background(), client.Dim()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	ix := New(st, client, chunker.New(chunker.Options{MaxTokens: 800, OverlapTokens: 80}))
	ix.Extract = func(path string) ([]loader.Page, error) {
		return []loader.Page{{Number: 1, Text: text}}, nil
	}
	return ix, st
}

func TestIngestFile(t *testing.T) {
	client := newCountingClient()
	ix, st := newTestIngester(t, client, ordinanceText)
	ctx := context.Background()

	if err := ix.IngestFile(ctx, "ordinance.pdf"); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	count, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("stored chunks = %d, want 2", count)
	}

	sections, err := st.Sections(ctx)
	if err != nil {
		t.Fatalf("Sections: %v", err)
	}
	want := map[string]bool{"Section 5-100": true, "Section 9-300": true}
	for _, s := range sections {
		if !want[s] {
			t.Errorf("unexpected section %q", s)
		}
		delete(want, s)
	}
	for s := range want {
		t.Errorf("missing section %q", s)
	}
}

func TestIngestFile_ReingestSkipsUnchanged(t *testing.T) {
	client := newCountingClient()
	ix, st := newTestIngester(t, client, ordinanceText)
	ctx := context.Background()

	if err := ix.IngestFile(ctx, "ordinance.pdf"); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	callsAfterFirst := client.embedBatchCalls.Load()
	countAfterFirst, _ := st.Count(ctx)

	if err := ix.IngestFile(ctx, "ordinance.pdf"); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	if calls := client.embedBatchCalls.Load(); calls != callsAfterFirst {
		t.Errorf("re-ingest embedded again: %d calls, want %d", calls, callsAfterFirst)
	}
	if count, _ := st.Count(ctx); count != countAfterFirst {
		t.Errorf("re-ingest changed count: %d, want %d", count, countAfterFirst)
	}
}

func TestIngestFile_ChangedContentReembedded(t *testing.T) {
	client := newCountingClient()
	ix, _ := newTestIngester(t, client, ordinanceText)
	ctx := context.Background()

	if err := ix.IngestFile(ctx, "ordinance.pdf"); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	before := client.embedBatchCalls.Load()

	ix.Extract = func(path string) ([]loader.Page, error) {
		return []loader.Page{{Number: 1, Text: `Section 5-100 Setback Requirements
The minimum setback from any property line is thirty feet.`}}, nil
	}
	if err := ix.IngestFile(ctx, "ordinance.pdf"); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	if calls := client.embedBatchCalls.Load(); calls == before {
		t.Error("changed content was not re-embedded")
	}
}

func TestIngestFile_ExtractError(t *testing.T) {
	client := newCountingClient()
	ix, _ := newTestIngester(t, client, "")
	ix.Extract = func(path string) ([]loader.Page, error) {
		return nil, loader.ErrNoText
	}

	err := ix.IngestFile(context.Background(), "scanned.pdf")
	if !errors.Is(err, loader.ErrNoText) {
		t.Errorf("expected ErrNoText, got %v", err)
	}
}

func TestIngestFile_AllEmbedsFail(t *testing.T) {
	client := newCountingClient()
	client.failAll = true
	ix, st := newTestIngester(t, client, ordinanceText)
	ctx := context.Background()

	if err := ix.IngestFile(ctx, "ordinance.pdf"); err == nil {
		t.Fatal("expected error when every chunk fails to ingest")
	}
	if count, _ := st.Count(ctx); count != 0 {
		t.Errorf("failed ingest stored %d chunks", count)
	}
}

func TestIngestFile_EmptyDocument(t *testing.T) {
	client := newCountingClient()
	ix, _ := newTestIngester(t, client, "   ")

	// No chunks is not an error; the loader already rejects truly empty PDFs.
	if err := ix.IngestFile(context.Background(), "blank.pdf"); err != nil {
		t.Errorf("IngestFile: %v", err)
	}
	if client.embedBatchCalls.Load() != 0 {
		t.Error("embedding called for an empty document")
	}
}

func TestIngestDir(t *testing.T) {
	client := newCountingClient()
	ix, st := newTestIngester(t, client, ordinanceText)
	ctx := context.Background()

	root := t.TempDir()
	sub := filepath.Join(root, "county")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		filepath.Join(root, "zoning.pdf"),
		filepath.Join(sub, "amendments.PDF"),
		filepath.Join(root, "README.md"),
	} {
		if err := os.WriteFile(name, []byte("placeholder"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var extracted []string
	ix.Extract = func(path string) ([]loader.Page, error) {
		extracted = append(extracted, filepath.Base(path))
		return []loader.Page{{Number: 1, Text: ordinanceText}}, nil
	}

	if err := ix.IngestDir(ctx, root); err != nil {
		t.Fatalf("IngestDir: %v", err)
	}

	if len(extracted) != 2 {
		t.Errorf("extracted %v, want the 2 PDFs only", extracted)
	}
	if count, _ := st.Count(ctx); count == 0 {
		t.Error("nothing stored")
	}
}

func TestIngestDir_ContinuesPastFailingDocument(t *testing.T) {
	client := newCountingClient()
	ix, st := newTestIngester(t, client, ordinanceText)
	ctx := context.Background()

	root := t.TempDir()
	for _, name := range []string{"a-bad.pdf", "b-good.pdf"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("placeholder"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	ix.Extract = func(path string) ([]loader.Page, error) {
		if filepath.Base(path) == "a-bad.pdf" {
			return nil, errors.New("corrupt xref table")
		}
		return []loader.Page{{Number: 1, Text: ordinanceText}}, nil
	}

	if err := ix.IngestDir(ctx, root); err != nil {
		t.Fatalf("IngestDir should survive one bad document: %v", err)
	}
	if count, _ := st.Count(ctx); count == 0 {
		t.Error("good document was not ingested")
	}
}

// Full pipeline: ingest a one-section document, then answer a question
// against it.
func TestIngestThenAnswer(t *testing.T) {
	client := newCountingClient()
	ix, st := newTestIngester(t, client,
		"§ 5-100 Setback Requirements\nMinimum setback is 25 feet from any property line.")
	ctx := context.Background()

	if err := ix.IngestFile(ctx, "ordinance.pdf"); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	eng := engine.New(client, st, usage.NewTracker(), engine.Options{})
	answer, err := eng.Answer(ctx, "what is the minimum setback")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	found := false
	for _, c := range answer.Citations {
		if c == "§ 5-100" {
			found = true
		}
	}
	if !found {
		t.Errorf("citations = %v, want to include %q", answer.Citations, "§ 5-100")
	}
}

func TestIngestDir_NothingIngested(t *testing.T) {
	client := newCountingClient()
	ix, _ := newTestIngester(t, client, ordinanceText)

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ix.IngestDir(context.Background(), root); err == nil {
		t.Error("expected error when no PDFs were ingested")
	}
}
