package materialize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/veridata-io/veridata/internal/rules"
)

// ParquetWriter converts validated rows to Parquet format.
type ParquetWriter struct {
	// CompressionCodec is the compression codec to use.
	CompressionCodec parquet.CompressionCodec
}

// NewParquetWriter creates a new Parquet writer.
func NewParquetWriter() *ParquetWriter {
	return &ParquetWriter{
		CompressionCodec: parquet.CompressionCodec_SNAPPY,
	}
}

// ParquetResult contains the result of writing rows to Parquet.
type ParquetResult struct {
	// Data is the Parquet file data.
	Data []byte

	// FileName is the generated file name.
	FileName string

	// RecordCount is the number of records written.
	RecordCount int64

	// FileSizeInBytes is the size of the Parquet data.
	FileSizeInBytes int64
}

// rowRecord is one validated row for Parquet serialization. The struct
// tags define the Parquet schema. Row data is carried as JSON so one
// file schema serves every catalog.
type rowRecord struct {
	// Data holds the typed row values as a JSON object.
	Data string `parquet:"name=data, type=BYTE_ARRAY, convertedtype=UTF8"`

	// Catalog is the originating catalog id.
	Catalog string `parquet:"name=_catalog, type=BYTE_ARRAY, convertedtype=UTF8"`

	// BatchID tags the batch the row belongs to.
	BatchID string `parquet:"name=_batch_id, type=BYTE_ARRAY, convertedtype=UTF8"`

	// IngestedAt is the write timestamp.
	IngestedAt int64 `parquet:"name=_ingested_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// WriteRows converts a batch of validated rows to Parquet format.
func (p *ParquetWriter) WriteRows(batch Batch) (*ParquetResult, error) {
	if len(batch.Rows) == 0 {
		return nil, fmt.Errorf("no rows to write")
	}

	buf := new(bytes.Buffer)
	fw := buffer.NewBufferFileFromBytes(buf.Bytes())

	pw, err := writer.NewParquetWriter(fw, new(rowRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	pw.CompressionType = p.CompressionCodec
	pw.RowGroupSize = 128 * 1024 * 1024 // 128MB row groups

	now := time.Now().UnixMilli()
	for _, row := range batch.Rows {
		record, err := rowToRecord(row, batch, now)
		if err != nil {
			return nil, fmt.Errorf("convert row to record: %w", err)
		}

		if err := pw.Write(record); err != nil {
			return nil, fmt.Errorf("write record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}

	data := fw.Bytes()

	return &ParquetResult{
		Data:            data,
		FileName:        generateFileName(),
		RecordCount:     int64(len(batch.Rows)),
		FileSizeInBytes: int64(len(data)),
	}, nil
}

// rowToRecord converts a validated row to a rowRecord.
func rowToRecord(row rules.Row, batch Batch, now int64) (*rowRecord, error) {
	dataJSON, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("marshal row: %w", err)
	}

	return &rowRecord{
		Data:       string(dataJSON),
		Catalog:    batch.CatalogID,
		BatchID:    batch.ID,
		IngestedAt: now,
	}, nil
}

// generateFileName generates a unique Parquet file name.
func generateFileName() string {
	id := uuid.New().String()
	timestamp := time.Now().UnixMilli()
	return fmt.Sprintf("%s-%d.parquet", id, timestamp)
}
