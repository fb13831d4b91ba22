package data_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/marketreplay/internal/data"
	"github.com/atlas-desktop/marketreplay/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func bar(ts time.Time, o, h, l, c, v int64) *types.OHLCV {
	return &types.OHLCV{
		Timestamp: ts,
		Open:      decimal.NewFromInt(o),
		High:      decimal.NewFromInt(h),
		Low:       decimal.NewFromInt(l),
		Close:     decimal.NewFromInt(c),
		Volume:    decimal.NewFromInt(v),
	}
}

func TestValidateFlagsOHLCInconsistency(t *testing.T) {
	v := data.NewDataQualityValidator(zap.NewNop())
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	bars := []*types.OHLCV{
		bar(base, 100, 99, 95, 98, 1000), // High below Open: inconsistent
	}

	report := v.Validate(bars, "RELIANCE")
	if report.OHLCErrorCount == 0 {
		t.Fatal("expected an OHLC inconsistency to be flagged")
	}
	if report.IsUsable {
		t.Error("expected a critical OHLC inconsistency to mark the report unusable")
	}
}

func TestValidateFlagsZeroAndNegativePrices(t *testing.T) {
	v := data.NewDataQualityValidator(zap.NewNop())
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	bars := []*types.OHLCV{
		bar(base, 0, 0, 0, 0, 1000),
	}

	report := v.Validate(bars, "RELIANCE")
	if report.PriceAnomalyCount == 0 {
		t.Fatal("expected a zero-price anomaly to be flagged")
	}
}

func TestValidateFlagsDuplicateTimestamps(t *testing.T) {
	v := data.NewDataQualityValidator(zap.NewNop())
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	bars := []*types.OHLCV{
		bar(base, 100, 101, 99, 100, 1000),
		bar(base, 100, 101, 99, 100, 1000),
	}

	report := v.Validate(bars, "RELIANCE")
	found := false
	for _, issue := range report.Issues {
		if issue.Type == "DUPLICATE_TIMESTAMP" {
			found = true
		}
	}
	if !found {
		t.Error("expected a duplicate timestamp issue")
	}
}

func TestValidateFlagsOutOfOrderBars(t *testing.T) {
	v := data.NewDataQualityValidator(zap.NewNop())
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	bars := []*types.OHLCV{
		bar(base.Add(time.Minute), 100, 101, 99, 100, 1000),
		bar(base, 100, 101, 99, 100, 1000),
	}

	report := v.Validate(bars, "RELIANCE")
	found := false
	for _, issue := range report.Issues {
		if issue.Type == "OUT_OF_ORDER" {
			found = true
		}
	}
	if !found {
		t.Error("expected an out-of-order issue for the second bar")
	}
}

func TestValidateCleanDataIsUsableAndHighScoring(t *testing.T) {
	v := data.NewDataQualityValidator(zap.NewNop())
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	var bars []*types.OHLCV
	for i := 0; i < 20; i++ {
		bars = append(bars, bar(base.Add(time.Duration(i)*time.Hour), 100, 102, 99, 101, 5000))
	}

	report := v.Validate(bars, "RELIANCE")
	if !report.IsUsable {
		t.Errorf("expected clean, regularly spaced bars to be usable, got report %+v", report)
	}
	if report.QualityScore < 70 {
		t.Errorf("expected a high quality score for clean data, got %d", report.QualityScore)
	}
}

func TestCleanDataRemovesDuplicatesAndFixesOHLC(t *testing.T) {
	v := data.NewDataQualityValidator(zap.NewNop())
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	bars := []*types.OHLCV{
		bar(base, 100, 101, 99, 105, 1000), // Close above High, gets repaired not dropped
		bar(base.Add(time.Minute), 100, 101, 99, 100, 1000),
		bar(base.Add(time.Minute), 100, 101, 99, 100, 1000), // exact duplicate, dropped
	}

	cleaned := v.CleanData(bars)
	if len(cleaned) != 2 {
		t.Fatalf("expected the duplicate bar to be removed, got %d bars", len(cleaned))
	}
	first := cleaned[0]
	if first.High.LessThan(first.Open) || first.High.LessThan(first.Close) {
		t.Errorf("expected High repaired to encompass Open/Close, got %+v", first)
	}
	if first.Low.GreaterThan(first.Open) || first.Low.GreaterThan(first.Close) {
		t.Errorf("expected Low repaired to encompass Open/Close, got %+v", first)
	}
}

func TestCleanDataDropsNegativeAndZeroPriceBars(t *testing.T) {
	v := data.NewDataQualityValidator(zap.NewNop())
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	bars := []*types.OHLCV{
		bar(base, 0, 0, 0, 0, 1000),
		bar(base.Add(time.Minute), 100, 101, 99, 100, 1000),
	}

	cleaned := v.CleanData(bars)
	if len(cleaned) != 1 {
		t.Fatalf("expected the zero-price bar dropped, got %d bars", len(cleaned))
	}
}

func TestNewContinuousMarketQualityValidatorIsMoreTolerant(t *testing.T) {
	equities := data.NewDataQualityValidator(zap.NewNop())
	continuous := data.NewContinuousMarketQualityValidator(zap.NewNop())

	if continuous.MaxIntradayMove <= equities.MaxIntradayMove {
		t.Error("expected the continuous-market validator to tolerate larger intraday moves")
	}
	if continuous.MinVolume >= equities.MinVolume {
		t.Error("expected the continuous-market validator to require less minimum volume")
	}
}
