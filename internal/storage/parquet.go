package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/merge"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/parquet-go/parquet-go"
)

// candleRecord is the Parquet schema of a series file. Prices are kept as
// decimal text.
type candleRecord struct {
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      string `parquet:"open"`
	High      string `parquet:"high"`
	Low       string `parquet:"low"`
	Close     string `parquet:"close"`
	Volume    string `parquet:"volume"`
}

// ParquetStorage implements CandleStore with one Parquet file per series:
//
//	<DataDir>/<table>.parquet
//
// Every insert rewrites the file through a temp file and rename, then re-reads
// it to verify the row count.
type ParquetStorage struct {
	DataDir string

	logger *slog.Logger
	mu     sync.Mutex
}

// NewParquetStorage creates a store rooted at dataDir.
func NewParquetStorage(dataDir string, logger *slog.Logger) *ParquetStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParquetStorage{DataDir: dataDir, logger: logger}
}

// Path returns the file holding series.
func (p *ParquetStorage) Path(series models.SeriesID) string {
	return filepath.Join(p.DataDir, series.TableName()+".parquet")
}

// Initialize implements CandleStore. The file itself is created by the first
// insert; an existing file must carry the candle columns.
func (p *ParquetStorage) Initialize(ctx context.Context, series models.SeriesID) error {
	if err := os.MkdirAll(p.DataDir, 0o755); err != nil {
		return NewStorageError("initialize", series.TableName(), "", err)
	}

	if _, err := os.Stat(p.Path(series)); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return p.CheckSchema(ctx, series)
}

// CheckSchema implements SchemaChecker. A missing file passes.
func (p *ParquetStorage) CheckSchema(_ context.Context, series models.SeriesID) error {
	table := series.TableName()

	f, err := os.Open(p.Path(series))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return NewSchemaError(table, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return NewSchemaError(table, err)
	}

	file, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return NewSchemaError(table, fmt.Errorf("unreadable parquet file: %w", err))
	}

	var columns []string
	for _, field := range file.Schema().Fields() {
		columns = append(columns, field.Name())
	}
	if err := checkColumns(columns); err != nil {
		return NewSchemaError(table, err)
	}
	return nil
}

// Insert implements CandleStore.
func (p *ParquetStorage) Insert(_ context.Context, series models.SeriesID, candles []models.Candle) (int, error) {
	table := series.TableName()
	batch, err := prepareBatch(series, candles)
	if err != nil {
		return 0, NewInsertError(table, err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.Path(series)
	existing, err := readCandleRecords(path)
	if err != nil {
		return 0, NewInsertError(table, fmt.Errorf("reading existing file: %w", err))
	}

	stored, err := toCandles(existing)
	if err != nil {
		return 0, NewInsertError(table, err)
	}

	merged, fresh, _ := merge.Union(stored, batch)
	inserted := len(fresh)
	if inserted == 0 {
		return 0, nil
	}

	if err := writeCandleRecords(path, toRecords(merged)); err != nil {
		return 0, NewInsertError(table, err)
	}

	reloaded, err := readCandleRecords(path)
	if err != nil {
		return 0, NewInsertError(table, fmt.Errorf("re-reading written file: %w", err))
	}
	if err := merge.Verify(merged, len(reloaded)); err != nil {
		return 0, NewInsertError(table, err)
	}

	p.logger.Debug("stored candles batch",
		"file", path,
		"offered", len(batch),
		"inserted", inserted,
		"total", len(merged))

	return inserted, nil
}

// Range implements CandleStore.
func (p *ParquetStorage) Range(_ context.Context, series models.SeriesID, start, end time.Time) ([]models.Candle, error) {
	p.mu.Lock()
	records, err := readCandleRecords(p.Path(series))
	p.mu.Unlock()
	if err != nil {
		return nil, NewQueryError(series.TableName(), "range", err)
	}

	from, to := start.UnixMilli(), end.UnixMilli()
	var candles []models.Candle
	for _, r := range records {
		if r.Timestamp < from || r.Timestamp >= to {
			continue
		}
		c, err := r.candle()
		if err != nil {
			return nil, NewQueryError(series.TableName(), "range", err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// Latest implements CandleStore.
func (p *ParquetStorage) Latest(_ context.Context, series models.SeriesID) (*models.Candle, error) {
	p.mu.Lock()
	records, err := readCandleRecords(p.Path(series))
	p.mu.Unlock()
	if err != nil {
		return nil, NewQueryError(series.TableName(), "latest", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	// files are written sorted
	c, err := records[len(records)-1].candle()
	if err != nil {
		return nil, NewQueryError(series.TableName(), "latest", err)
	}
	return &c, nil
}

// Count implements CandleStore. It reads the row count from file metadata.
func (p *ParquetStorage) Count(_ context.Context, series models.SeriesID) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.Open(p.Path(series))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, NewQueryError(series.TableName(), "count", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, NewQueryError(series.TableName(), "count", err)
	}

	file, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return 0, NewQueryError(series.TableName(), "count", err)
	}
	return file.NumRows(), nil
}

// Close implements CandleStore.
func (p *ParquetStorage) Close() error {
	return nil
}

func (r candleRecord) candle() (models.Candle, error) {
	values, err := parseDecimals(r.Open, r.High, r.Low, r.Close, r.Volume)
	if err != nil {
		return models.Candle{}, err
	}
	return models.Candle{
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

func toCandles(records []candleRecord) ([]models.Candle, error) {
	candles := make([]models.Candle, 0, len(records))
	for _, r := range records {
		c, err := r.candle()
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func toRecords(candles []models.Candle) []candleRecord {
	records := make([]candleRecord, len(candles))
	for i, c := range candles {
		records[i] = candleRecord{
			Timestamp: c.Timestamp.UnixMilli(),
			Open:      c.Open.String(),
			High:      c.High.String(),
			Low:       c.Low.String(),
			Close:     c.Close.String(),
			Volume:    c.Volume.String(),
		}
	}
	return records
}

// readCandleRecords returns no records for a missing file.
func readCandleRecords(path string) ([]candleRecord, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return parquet.ReadFile[candleRecord](path)
}

// writeCandleRecords writes to a temp file in the same directory and renames
// it over path.
func writeCandleRecords(path string, records []candleRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

var (
	_ CandleStore   = (*ParquetStorage)(nil)
	_ SchemaChecker = (*ParquetStorage)(nil)
)
