// Package recon reconciles executed liquidity reservations against the
// runtime's signed receipt export.
package recon

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"swapmesh/export"
	"swapmesh/services/liquidityd/models"
	"swapmesh/services/liquidityd/store"
)

// Config wires a reconciler.
type Config struct {
	Store          *store.Store
	RuntimeBaseURL string
	ActorID        string
	AuthScopes     string
	OutputDir      string
	HTTPClient     *http.Client
}

// Reconciler compares executed reservations against settled receipts and
// writes a CSV discrepancy report per pass.
type Reconciler struct {
	store      *store.Store
	baseURL    string
	actorID    string
	authScopes string
	outputDir  string
	client     *http.Client
	nowFn      func() time.Time
}

// NewReconciler validates the config and builds a reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("recon: store is required")
	}
	if cfg.RuntimeBaseURL == "" {
		return nil, fmt.Errorf("recon: runtime base url is required")
	}
	if _, err := url.Parse(cfg.RuntimeBaseURL); err != nil {
		return nil, fmt.Errorf("recon: invalid runtime base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "./recon-out"
	}
	return &Reconciler{
		store:      cfg.Store,
		baseURL:    cfg.RuntimeBaseURL,
		actorID:    cfg.ActorID,
		authScopes: cfg.AuthScopes,
		outputDir:  outputDir,
		client:     client,
		nowFn:      time.Now,
	}, nil
}

// SetNowFunc overrides the time source, primarily used in tests.
func (r *Reconciler) SetNowFunc(now func() time.Time) {
	if now != nil {
		r.nowFn = now
	}
}

type receiptEntry struct {
	CycleID  string   `json:"cycle_id"`
	AssetIDs []string `json:"asset_ids"`
}

// Run performs one reconciliation pass over the window ending now.
func (r *Reconciler) Run(ctx context.Context, window time.Duration) (*models.ReconReport, error) {
	now := r.nowFn().UTC()
	since := time.Time{}
	if window > 0 {
		since = now.Add(-window)
	}

	page, err := r.fetchReceipts(ctx)
	if err != nil {
		return nil, err
	}
	settled := map[string]string{}
	for _, raw := range page.Entries {
		data, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var entry receiptEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		for _, assetID := range entry.AssetIDs {
			settled[assetID] = entry.CycleID
		}
	}

	executed, err := r.store.ExecutedReservations(since)
	if err != nil {
		return nil, err
	}

	report := models.ReconReport{
		RuntimeURL: r.baseURL,
		ChainHash:  page.ChainHash,
	}
	type row struct {
		AssetKey      string
		ReservationID string
		ContextID     string
		CycleID       string
		Status        string
	}
	var rows []row
	seen := map[string]bool{}
	for _, res := range executed {
		seen[res.AssetKey] = true
		if cycleID, ok := settled[res.AssetKey]; ok {
			report.Matched++
			rows = append(rows, row{res.AssetKey, res.ReservationID, res.ContextID, cycleID, "matched"})
		} else {
			report.Missing++
			rows = append(rows, row{res.AssetKey, res.ReservationID, res.ContextID, "", "missing_receipt"})
		}
	}
	for assetKey, cycleID := range settled {
		if !seen[assetKey] {
			report.Unexpected++
			rows = append(rows, row{assetKey, "", "", cycleID, "unexpected_receipt"})
		}
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].AssetKey < rows[b].AssetKey })

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	outputPath := filepath.Join(r.outputDir, fmt.Sprintf("recon-%s.csv", now.Format("20060102T150405Z")))
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()
	writer := csv.NewWriter(f)
	if err := writer.Write([]string{"asset_key", "reservation_id", "context_id", "cycle_id", "status"}); err != nil {
		return nil, err
	}
	for _, rw := range rows {
		if err := writer.Write([]string{rw.AssetKey, rw.ReservationID, rw.ContextID, rw.CycleID, rw.Status}); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	report.OutputPath = outputPath

	if err := r.store.SaveReconReport(report); err != nil {
		return nil, fmt.Errorf("save recon report: %w", err)
	}
	return &report, nil
}

// fetchReceipts pulls every page of the runtime's receipt export, following
// checkpoint cursors and verifying the chain does not break mid-pull.
func (r *Reconciler) fetchReceipts(ctx context.Context) (*export.Export, error) {
	merged := &export.Export{Stream: export.StreamReceipts}
	cursor := ""
	attestationAfter := ""
	for {
		page, err := r.fetchPage(ctx, cursor, attestationAfter)
		if err != nil {
			return nil, err
		}
		merged.Entries = append(merged.Entries, page.Entries...)
		merged.ChainHash = page.ChainHash
		merged.TotalFiltered = page.TotalFiltered
		if page.NextCursor == "" {
			return merged, nil
		}
		cursor = page.NextCursor
		attestationAfter = page.ChainHash
	}
}

func (r *Reconciler) fetchPage(ctx context.Context, cursor, attestationAfter string) (*export.Export, error) {
	endpoint, err := url.Parse(r.baseURL + "/v1/exports/receipts")
	if err != nil {
		return nil, err
	}
	q := endpoint.Query()
	q.Set("final_state", "settled")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if attestationAfter != "" {
		q.Set("attestation_after", attestationAfter)
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Actor-Type", "service")
	req.Header.Set("X-Actor-Id", r.actorID)
	if r.authScopes != "" {
		req.Header.Set("X-Auth-Scopes", r.authScopes)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch receipts export: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("receipts export returned %d: %s", resp.StatusCode, body)
	}
	var page export.Export
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode receipts export: %w", err)
	}
	if err := export.Verify(&page, nil); err != nil {
		return nil, fmt.Errorf("receipts export failed verification: %w", err)
	}
	return &page, nil
}
