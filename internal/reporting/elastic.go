// internal/reporting/elastic.go
package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"booking-notifier/internal/common/database"
	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/models"
)

// Archiver indexes finished run reports into Elasticsearch, one document per
// run keyed by run ID. The index is the audit trail operators query when a
// tenant asks why a reminder did or did not go out.
type Archiver struct {
	es     *database.ElasticsearchClient
	index  string
	logger logger.Logger
}

func NewArchiver(es *database.ElasticsearchClient, index string, log logger.Logger) *Archiver {
	if index == "" {
		index = "notifier-run-reports"
	}
	return &Archiver{
		es:     es,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "reporting"}),
	}
}

// Store indexes one run report. Indexing the same run twice overwrites the
// document, so retried stores are harmless.
func (a *Archiver) Store(ctx context.Context, report *models.RunReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}

	res, err := a.es.Client.Index(
		a.index,
		bytes.NewReader(body),
		a.es.Client.Index.WithContext(ctx),
		a.es.Client.Index.WithDocumentID(report.RunID),
	)
	if err != nil {
		return fmt.Errorf("index run report: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index run report: %s", res.Status())
	}

	a.logger.Debug("run report archived", map[string]interface{}{
		"runId": report.RunID,
		"index": a.index,
	})
	return nil
}
