package strength

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Markmu/sector-strength-sub001/internal/task"
)

// Datasets tracked in the sync status table.
const (
	DatasetDailyPrices    = "daily_prices"
	DatasetMovingAverages = "moving_averages"
)

// Sync outcomes.
const (
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// Cache key prefixes of the derived views that go stale when source data or
// classifications change.
const (
	CachePrefixSectorStrength = "sector_strength:"
	CachePrefixStockStrength  = "stock_strength:"
	CachePrefixClassification = "classification:"
	CachePrefixMovingAverages = "moving_average:"
)

// SyncRecord is the last sync of one upstream dataset.
type SyncRecord struct {
	Dataset   string    `json:"dataset"`
	TradeDate time.Time `json:"trade_date"`
	Rows      int       `json:"rows"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	SyncedAt  time.Time `json:"synced_at"`
}

// SyncStatus persists SyncRecords.
type SyncStatus interface {
	LatestSync(ctx context.Context, dataset string) (*SyncRecord, error)
	RecordSync(ctx context.Context, rec SyncRecord) error
}

// MarketData acquires raw daily bars.
type MarketData interface {
	ListSymbols(ctx context.Context) ([]string, error)
	SyncDailyBars(ctx context.Context, symbol string, start, end time.Time) (int, error)
}

// ClassificationResult summarises one classification run.
type ClassificationResult struct {
	TradeDate time.Time `json:"trade_date"`
	Sectors   int       `json:"sectors"`
	Stocks    int       `json:"stocks"`
}

// Calculator runs the moving average and classification algorithms.
type Calculator interface {
	RecomputeMovingAverages(ctx context.Context, symbols []string, periods []int) (int, error)
	ClassifySectors(ctx context.Context, tradeDate time.Time) (ClassificationResult, error)
}

// QualityIssue is one finding of a data quality scan.
type QualityIssue struct {
	Dataset string `json:"dataset"`
	Symbol  string `json:"symbol,omitempty"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

// QualityReport is the result of a data quality scan.
type QualityReport struct {
	Checked int            `json:"checked"`
	Issues  []QualityIssue `json:"issues"`
}

// QualityChecker scans stored data for gaps and anomalies.
type QualityChecker interface {
	Scan(ctx context.Context) (QualityReport, error)
}

// CacheSweeper drops expired cache entries.
type CacheSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// CacheInvalidator drops every cache entry under a key prefix.
type CacheInvalidator interface {
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
}

// TaskCreator enqueues background tasks. *task.Manager satisfies it.
type TaskCreator interface {
	CreateTask(ctx context.Context, in task.CreateTaskInput) (*task.Task, error)
}

// Progress is what handlers report through. *task.Manager satisfies it.
type Progress interface {
	UpdateProgress(ctx context.Context, id uuid.UUID, current int, total *int) (bool, error)
	AppendLog(ctx context.Context, id uuid.UUID, level task.LogLevel, message string) error
	IsCancelled(ctx context.Context, id uuid.UUID) (bool, error)
}

var (
	_ TaskCreator = (*task.Manager)(nil)
	_ Progress    = (*task.Manager)(nil)
)
