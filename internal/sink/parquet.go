package sink

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	pqfile "github.com/apache/arrow-go/v18/parquet/file"
	pqschema "github.com/apache/arrow-go/v18/parquet/schema"

	"orderflow-pipeline/pkg/types"
)

// ParquetWriter mirrors CanonicalRow rows into a columnar RAW/PREVIEW file,
// used for offline analytics over a completed run. Unlike the JSONL/SQLite
// sinks it is not part of the live parity check: rows accumulate in a
// single buffered row group that is written out when the writer is closed.
type ParquetWriter struct {
	path string
	pw   *pqfile.Writer
	rgw  pqfile.BufferedRowGroupWriter
	rows int
}

// canonicalRowGroupNode returns the Parquet schema for CanonicalRow,
// flattening its optional sub-shapes (depth/trade/feature) into one wide
// row. WriteRow writes every column as present, so fields that don't
// apply to a given Kind hold zero values rather than nulls.
func canonicalRowGroupNode() *pqschema.GroupNode {
	return pqschema.MustGroup(pqschema.NewGroupNode("schema", parquet.Repetitions.Required, pqschema.FieldList{
		pqschema.NewInt64Node("ts_ms", parquet.Repetitions.Optional, -1),
		pqschema.NewInt64Node("recv_ts_ms", parquet.Repetitions.Optional, -1),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("symbol", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("kind", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
		pqschema.NewInt64Node("row_id", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("price", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("qty", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("mid", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("spread_bps", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("z_ofi", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("z_cvd", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("fusion_score", parquet.Repetitions.Optional, -1),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("scenario_2x2", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
	}, -1))
}

// NewParquetWriter opens a new parquet file at path with a buffered row
// group ready to accept CanonicalRow writes.
func NewParquetWriter(path string) (*ParquetWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create parquet file: %w", err)
	}
	props := parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(compress.Codecs.Snappy),
	)
	pw := pqfile.NewParquetWriter(f, canonicalRowGroupNode(), pqfile.WithWriterProps(props))
	rgw := pw.AppendBufferedRowGroup()
	return &ParquetWriter{path: path, pw: pw, rgw: rgw}, nil
}

// WriteRow appends one CanonicalRow to the active row group.
func (w *ParquetWriter) WriteRow(row types.CanonicalRow) error {
	write := func(i int, fn func()) { fn() }

	write(0, func() {
		cw, _ := w.rgw.Column(0)
		cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch([]int64{row.TsMs}, []int16{1}, nil)
	})
	write(1, func() {
		cw, _ := w.rgw.Column(1)
		cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch([]int64{row.RecvTsMs}, []int16{1}, nil)
	})
	write(2, func() {
		cw, _ := w.rgw.Column(2)
		cw.(*pqfile.ByteArrayColumnChunkWriter).WriteBatch([]parquet.ByteArray{parquet.ByteArray(row.Symbol)}, []int16{1}, nil)
	})
	write(3, func() {
		cw, _ := w.rgw.Column(3)
		cw.(*pqfile.ByteArrayColumnChunkWriter).WriteBatch([]parquet.ByteArray{parquet.ByteArray(row.Kind)}, []int16{1}, nil)
	})
	write(4, func() {
		cw, _ := w.rgw.Column(4)
		cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch([]int64{row.RowID}, []int16{1}, nil)
	})
	write(5, func() {
		cw, _ := w.rgw.Column(5)
		cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{row.Price}, []int16{1}, nil)
	})
	write(6, func() {
		cw, _ := w.rgw.Column(6)
		cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{row.Qty}, []int16{1}, nil)
	})
	write(7, func() {
		cw, _ := w.rgw.Column(7)
		cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{row.Mid}, []int16{1}, nil)
	})
	write(8, func() {
		cw, _ := w.rgw.Column(8)
		cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{row.SpreadBps}, []int16{1}, nil)
	})
	write(9, func() {
		cw, _ := w.rgw.Column(9)
		cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{row.ZOFI}, []int16{1}, nil)
	})
	write(10, func() {
		cw, _ := w.rgw.Column(10)
		cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{row.ZCVD}, []int16{1}, nil)
	})
	write(11, func() {
		cw, _ := w.rgw.Column(11)
		cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{row.FusionScore}, []int16{1}, nil)
	})
	write(12, func() {
		cw, _ := w.rgw.Column(12)
		cw.(*pqfile.ByteArrayColumnChunkWriter).WriteBatch([]parquet.ByteArray{parquet.ByteArray(row.Scenario2x2)}, []int16{1}, nil)
	})

	w.rows++
	return nil
}

// Close flushes the active row group and writes the file footer.
func (w *ParquetWriter) Close() error {
	if err := w.rgw.Close(); err != nil {
		return fmt.Errorf("close row group: %w", err)
	}
	if err := w.pw.FlushWithFooter(); err != nil {
		return fmt.Errorf("flush parquet footer: %w", err)
	}
	return w.pw.Close()
}

// Rows reports how many rows have been written to the active row group.
func (w *ParquetWriter) Rows() int { return w.rows }
