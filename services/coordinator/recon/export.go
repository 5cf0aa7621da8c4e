// Package recon implements the supplemented vote-export feature: a daily
// scheduled dump of every poll's votes to Parquet, plus an on-demand CSV
// export for the server's /polls/{id}/export route. Grounded on
// otc-gateway/recon/scheduler.go's timer loop and the xitongsys/parquet-go
// writer idiom the teacher pack uses for durable row export.
package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"votara/services/coordinator/apperr"
	"votara/services/coordinator/store"
)

// voteRow is the flat record both the CSV and Parquet exporters emit.
type voteRow struct {
	PollID        string `parquet:"name=poll_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	NullifierHash string `parquet:"name=nullifier_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	OptionIndex   int32  `parquet:"name=option_index, type=INT32"`
	BlockNumber   int64  `parquet:"name=block_number, type=INT64"`
	TxHash        string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt     string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Exporter reads votes back out of the metadata store for reconciliation.
type Exporter struct {
	Store *store.Store
}

// WriteCSV streams every vote for a poll to w in a stable column order, used
// by the server's on-demand export endpoint.
func (e *Exporter) WriteCSV(ctx context.Context, pollID string, w io.Writer) error {
	rows, err := e.Store.VotesForExport(ctx, pollID)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"poll_id", "nullifier_hash", "option_index", "block_number", "tx_hash", "created_at"}); err != nil {
		return apperr.Wrap(apperr.Internal, "write csv header", err)
	}
	for _, r := range rows {
		record := []string{
			r.PollID,
			r.NullifierHash,
			strconv.Itoa(int(r.OptionIndex)),
			strconv.FormatUint(r.BlockNumber, 10),
			r.TxHash,
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return apperr.Wrap(apperr.Internal, "write csv row", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteParquet dumps every vote across every poll active in [start, end) to
// a single Parquet file under dir, one file per scheduler run.
func (e *Exporter) WriteParquet(ctx context.Context, dir string, start, end time.Time) (string, int, error) {
	rows, err := e.Store.VotesInWindow(ctx, start, end)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, apperr.Wrap(apperr.Internal, "create export directory", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("votes-%s.parquet", end.UTC().Format("20060102-150405")))
	file, err := os.Create(path)
	if err != nil {
		return "", 0, apperr.Wrap(apperr.Internal, "create parquet file", err)
	}
	fw := writerfile.NewWriterFile(file)

	pw, err := writer.NewParquetWriter(fw, new(voteRow), 4)
	if err != nil {
		file.Close()
		return "", 0, apperr.Wrap(apperr.Internal, "create parquet writer", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		row := voteRow{
			PollID:        r.PollID,
			NullifierHash: r.NullifierHash,
			OptionIndex:   int32(r.OptionIndex),
			BlockNumber:   int64(r.BlockNumber),
			TxHash:        r.TxHash,
			CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			return "", 0, apperr.Wrap(apperr.Internal, "write parquet row", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return "", 0, apperr.Wrap(apperr.Internal, "finalize parquet file", err)
	}
	if err := file.Close(); err != nil {
		return "", 0, apperr.Wrap(apperr.Internal, "close parquet file", err)
	}
	return path, len(rows), nil
}

// Scheduler runs WriteParquet on a fixed daily cadence, the same
// nextRun/time.Timer structure as the teacher's reconciliation scheduler.
type Scheduler struct {
	Exporter  *Exporter
	OutputDir string
	Window    time.Duration
	RunHour   int
	RunMinute int
	Logger    *slog.Logger
}

func (s *Scheduler) Start(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		start := next.Add(-s.Window)
		path, n, err := s.Exporter.WriteParquet(ctx, s.OutputDir, start, next)
		if err != nil {
			if s.Logger != nil {
				s.Logger.Error("recon export failed", "error", err)
			}
			continue
		}
		if s.Logger != nil {
			s.Logger.Info("recon export complete", "path", path, "rows", n)
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.RunHour, s.RunMinute, 0, 0, time.UTC)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}
