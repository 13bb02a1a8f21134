package usage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cortexhub/cortex/internal/metrics"
	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/models"
)

func record(reqID, model string, total int64, at time.Time) models.UsageRecord {
	return models.UsageRecord{
		RequestID:   reqID,
		Model:       model,
		Task:        models.TaskGenerate,
		Endpoint:    "/v1/chat/completions",
		TotalTokens: total,
		StatusCode:  200,
		Timestamp:   at,
	}
}

func TestRecordFlushesOnCancel(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewMeter(s, metrics.New(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		m.Record(record("r", "m", int64(i), base.Add(time.Duration(i)*time.Second)))
	}
	cancel()
	m.Wait()

	n, err := s.CountUsage(context.Background(), store.UsageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("persisted %d records, want 10", n)
	}
}

func TestQueryPagination(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewMeter(s, metrics.New(prometheus.NewRegistry()))

	base := time.Now().UTC()
	var batch []models.UsageRecord
	for i := 0; i < 7; i++ {
		batch = append(batch, record("r", "m", int64(i), base.Add(time.Duration(i)*time.Second)))
	}
	if err := s.InsertUsage(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	page, err := m.Query(context.Background(), store.UsageFilter{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 7 || len(page.Records) != 3 {
		t.Fatalf("total=%d len=%d", page.Total, len(page.Records))
	}
	// Newest first.
	if page.Records[0].TotalTokens != 6 {
		t.Fatalf("first record tokens = %d, want 6", page.Records[0].TotalTokens)
	}

	page2, err := m.Query(context.Background(), store.UsageFilter{Limit: 3, Offset: 6})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Records) != 1 || page2.Records[0].TotalTokens != 0 {
		t.Fatalf("last page: %+v", page2.Records)
	}
}

func TestExportCSV(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewMeter(s, metrics.New(prometheus.NewRegistry()))

	base := time.Now().UTC()
	ttft := int64(120)
	recs := []models.UsageRecord{
		record("req-1", "chat-7b", 8, base),
		record("req-2", "chat-7b", 5, base.Add(time.Second)),
	}
	recs[1].TTFTMs = &ttft
	if err := s.InsertUsage(context.Background(), recs); err != nil {
		t.Fatal(err)
	}

	var sb strings.Builder
	n, err := m.ExportCSV(context.Background(), &sb, store.UsageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("exported %d rows, want 2", n)
	}
	out := sb.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("csv has %d lines, want header + 2", len(lines))
	}
	if !strings.HasPrefix(lines[0], "timestamp,request_id") {
		t.Fatalf("header = %s", lines[0])
	}
	if !strings.Contains(out, "req-2") || !strings.Contains(out, "120") {
		t.Fatalf("csv missing rows: %s", out)
	}
}
