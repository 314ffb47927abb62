package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ExportFormat represents the export format for audit records
type ExportFormat string

const (
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)

// ParseExportFormat validates a requested export format.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(s)) {
	case ExportFormatNDJSON, "":
		return ExportFormatNDJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// ContentType is the MIME type of the format.
func (f ExportFormat) ContentType() string {
	if f == ExportFormatCSV {
		return "text/csv"
	}
	return "application/x-ndjson"
}

// Write encodes records in the format.
func (f ExportFormat) Write(w io.Writer, records []StoredRecord) error {
	switch f {
	case ExportFormatCSV:
		return WriteCSV(w, records)
	default:
		return WriteNDJSON(w, records)
	}
}

// WriteNDJSON writes one record per line
func WriteNDJSON(w io.Writer, records []StoredRecord) error {
	encoder := json.NewEncoder(w)
	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode record %d: %w", rec.Seq, err)
		}
	}
	return nil
}

// WriteCSV writes records with the payload as a JSON column
func WriteCSV(w io.Writer, records []StoredRecord) error {
	writer := csv.NewWriter(w)

	header := []string{"RecordID", "Log", "Seq", "WrittenAt", "PrevHash", "Hash", "Payload"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			rec.RecordID,
			string(rec.Log),
			strconv.FormatInt(rec.Seq, 10),
			rec.WrittenAt.UTC().Format(time.RFC3339Nano),
			rec.PrevHash,
			rec.Hash,
			string(rec.Payload),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
