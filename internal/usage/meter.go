// Package usage meters inference requests. Writes are asynchronous and
// batched so metering never sits on the response path.
package usage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/internal/metrics"
	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/models"
)

const (
	queueSize     = 4096
	batchSize     = 128
	flushInterval = 2 * time.Second

	// ExportLimit bounds CSV exports.
	ExportLimit = 50000

	defaultPageSize = 50
	maxPageSize     = 500
)

// Meter buffers usage records and flushes them in batches.
type Meter struct {
	store store.Store
	met   *metrics.Metrics
	ch    chan models.UsageRecord
	done  chan struct{}
}

func NewMeter(s store.Store, met *metrics.Metrics) *Meter {
	return &Meter{
		store: s,
		met:   met,
		ch:    make(chan models.UsageRecord, queueSize),
		done:  make(chan struct{}),
	}
}

// Record enqueues a usage record. It never blocks: when the queue is
// full the record is dropped and counted.
func (m *Meter) Record(rec models.UsageRecord) {
	select {
	case m.ch <- rec:
	default:
		m.met.UsageDropped.Inc()
	}
}

// Run drains the queue until the context is cancelled, then performs a
// final flush.
func (m *Meter) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	defer close(m.done)

	batch := make([]models.UsageRecord, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := m.store.InsertUsage(context.WithoutCancel(ctx), batch); err != nil {
			m.met.UsageDropped.Add(float64(len(batch)))
			log.Error().Err(err).Int("records", len(batch)).Msg("usage flush failed, records dropped")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued.
			for {
				select {
				case rec := <-m.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case rec := <-m.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Wait blocks until Run has flushed and returned.
func (m *Meter) Wait() { <-m.done }

// Page is one page of usage query results.
type Page struct {
	Records []models.UsageRecord `json:"records"`
	Total   int64                `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// Query returns a page of records newest-first.
func (m *Meter) Query(ctx context.Context, f store.UsageFilter) (Page, error) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	records, err := m.store.QueryUsage(ctx, f)
	if err != nil {
		return Page{}, err
	}
	total, err := m.store.CountUsage(ctx, f)
	if err != nil {
		return Page{}, err
	}
	if records == nil {
		records = []models.UsageRecord{}
	}
	return Page{Records: records, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// ExportCSV streams matching records as CSV, bounded to ExportLimit rows.
func (m *Meter) ExportCSV(ctx context.Context, w io.Writer, f store.UsageFilter) (int, error) {
	cw := csv.NewWriter(w)
	header := []string{
		"timestamp", "request_id", "api_key_id", "model", "task", "endpoint",
		"status_code", "prompt_tokens", "completion_tokens", "total_tokens",
		"latency_ms", "ttft_ms",
	}
	if err := cw.Write(header); err != nil {
		return 0, err
	}

	written := 0
	const chunk = 1000
	f.Offset = 0
	for written < ExportLimit {
		f.Limit = chunk
		if remaining := ExportLimit - written; remaining < chunk {
			f.Limit = remaining
		}
		records, err := m.store.QueryUsage(ctx, f)
		if err != nil {
			return written, err
		}
		for _, r := range records {
			ttft := ""
			if r.TTFTMs != nil {
				ttft = strconv.FormatInt(*r.TTFTMs, 10)
			}
			row := []string{
				r.Timestamp.UTC().Format(time.RFC3339Nano),
				r.RequestID,
				r.APIKeyID,
				r.Model,
				string(r.Task),
				r.Endpoint,
				strconv.Itoa(r.StatusCode),
				strconv.FormatInt(r.PromptTokens, 10),
				strconv.FormatInt(r.CompletionTokens, 10),
				strconv.FormatInt(r.TotalTokens, 10),
				strconv.FormatInt(r.LatencyMs, 10),
				ttft,
			}
			if err := cw.Write(row); err != nil {
				return written, err
			}
			written++
		}
		if len(records) < f.Limit {
			break
		}
		f.Offset += len(records)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return written, fmt.Errorf("csv export: %w", err)
	}
	return written, nil
}
