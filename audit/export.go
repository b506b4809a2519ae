package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ExportCSV writes the full transaction log to path, oldest attempt
// first, and reports the number of rows written.
func (s *Store) ExportCSV(ctx context.Context, path string) (int, error) {
	rows, err := s.exportRows(ctx)
	if err != nil {
		return 0, err
	}
	if err := writeCSV(path, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ExportParquet writes the full transaction log to path as
// SNAPPY-compressed Parquet and reports the number of rows written.
func (s *Store) ExportParquet(ctx context.Context, path string) (int, error) {
	rows, err := s.exportRows(ctx)
	if err != nil {
		return 0, err
	}
	if err := writeParquet(path, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *Store) exportRows(ctx context.Context) ([]Transaction, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit: store not configured")
	}
	var rows []Transaction
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: load transactions: %w", err)
	}
	return rows, nil
}

func writeCSV(path string, rows []Transaction) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"id", "op_id", "tx_hash", "amount", "timestamp", "sender_address", "receiver_address",
		"contract_address", "contract_owner", "contract_version", "last_op_time", "status",
		"description", "user_id", "created_at", "updated_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ID.String(),
			row.OpID,
			nullableString(row.TxHash),
			fmt.Sprintf("%d", row.Amount),
			row.Timestamp.Format(time.RFC3339),
			row.SenderAddress,
			row.ReceiverAddress,
			row.ContractAddress,
			row.ContractOwner,
			fmt.Sprintf("%d", row.ContractVersion),
			fmt.Sprintf("%d", row.LastOpTime),
			string(row.Status),
			row.Description,
			row.UserID.String(),
			row.CreatedAt.Format(time.RFC3339),
			row.UpdatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	ID              string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpID            string `parquet:"name=op_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash          string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount          int64  `parquet:"name=amount, type=INT64"`
	Timestamp       string `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	SenderAddress   string `parquet:"name=sender_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceiverAddress string `parquet:"name=receiver_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	ContractAddress string `parquet:"name=contract_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	ContractOwner   string `parquet:"name=contract_owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	ContractVersion int32  `parquet:"name=contract_version, type=INT32"`
	LastOpTime      int64  `parquet:"name=last_op_time, type=INT64"`
	Status          string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Description     string `parquet:"name=description, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserID          string `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt       string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []Transaction) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			ID:              row.ID.String(),
			OpID:            row.OpID,
			TxHash:          nullableString(row.TxHash),
			Amount:          int64(row.Amount),
			Timestamp:       row.Timestamp.Format(time.RFC3339),
			SenderAddress:   row.SenderAddress,
			ReceiverAddress: row.ReceiverAddress,
			ContractAddress: row.ContractAddress,
			ContractOwner:   row.ContractOwner,
			ContractVersion: int32(row.ContractVersion),
			LastOpTime:      int64(row.LastOpTime),
			Status:          string(row.Status),
			Description:     row.Description,
			UserID:          row.UserID.String(),
			CreatedAt:       row.CreatedAt.Format(time.RFC3339),
			UpdatedAt:       row.UpdatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func nullableString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
