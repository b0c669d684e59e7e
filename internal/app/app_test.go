package app

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"assessline/internal/ai"
	"assessline/internal/catalog"
	"assessline/internal/config"
	"assessline/internal/domain"
)

type metProvider struct{}

func (metProvider) Generate(ctx context.Context, req ai.GenerateRequest) (ai.GenerateResponse, error) {
	return ai.GenerateResponse{Text: `{"status":"met","reasoning":"covered","smart_questions":[{"question":"q","benchmark_answer":"a"}]}`}, nil
}

const testConfig = `ai:
  provider: none
indexer:
  base_url: ""
outbox:
  interval: 20ms
`

func TestReadySessionRunsThroughOutbox(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt, err := Open(ctx, Options{Workspace: dir, Provider: metProvider{}, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if _, err := os.Stat(filepath.Join(dir, ".assessline", "assessline.db")); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if _, err := catalog.Import(ctx, rt.DB, []byte("unit_code: U1\nrequirements:\n  - {category: ke, number: '1', text: a}\n  - {category: ke, number: '2', text: b}\n")); err != nil {
		t.Fatal(err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		rt.Wait()
	}()

	s, err := rt.Engine.StartSession(ctx, "RTO-1", "U1")
	if err != nil {
		t.Fatal(err)
	}
	doc, err := rt.Engine.RegisterDocument(ctx, s.ID, "evidence.pdf", "https://files.example.com/evidence.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Engine.OnIndexingStatusChanged(ctx, doc.ID, domain.IndexingCompleted, nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := rt.Engine.GetSessionStatus(ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if st.Status == domain.SessionCompleted {
			if st.Completed != 2 || st.Progress != 1 {
				t.Fatalf("unexpected rollup %+v", st)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session did not complete, status %s", st.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNewProvider(t *testing.T) {
	cfg := config.Default()
	cfg.AI.Provider = "none"
	p, err := NewProvider(context.Background(), cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(ai.Disabled); !ok {
		t.Fatalf("expected disabled provider, got %T", p)
	}
	cfg.AI.Provider = "anthropic"
	if _, err := NewProvider(context.Background(), cfg, "sk-test"); err != nil {
		t.Fatalf("anthropic provider with explicit key: %v", err)
	}
}
