package history

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{
	"ID", "Event ID", "Event Type", "Operation Type", "Source Service",
	"Target Services", "Entity Type", "Entity ID", "Status", "Duration",
	"Error Message", "Retry Count", "Timestamp",
}

// ExportCSV streams the filtered history as CSV rows.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, f Filter) error {
	logs, err := s.Query(ctx, f)
	if err != nil {
		return err
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, log := range logs {
		row := []string{
			log.ID,
			log.EventID,
			log.EventType,
			string(log.Operation),
			log.SourceService,
			strings.Join(log.TargetServices, ";"),
			log.EntityType,
			log.EntityID,
			string(log.Status),
			strconv.FormatInt(log.DurationMillis, 10),
			log.ErrorMessage,
			strconv.Itoa(log.RetryCount),
			log.Timestamp.Format(time.RFC3339Nano),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
