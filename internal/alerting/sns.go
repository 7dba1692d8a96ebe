// internal/alerting/sns.go
package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"booking-notifier/internal/common/config"
	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/models"
)

// Publisher is the SNS surface the notifier needs, kept small for tests.
type Publisher interface {
	Publish(ctx context.Context, input *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Notifier publishes an alert when a run ends with permanent failures or
// configuration errors. It implements the coordinator's report sink; a run
// with nothing to alert on is a no-op.
type Notifier struct {
	publisher Publisher
	topicARN  string
	logger    logger.Logger
}

func New(ctx context.Context, cfg config.AlertingConfig, log logger.Logger) (*Notifier, error) {
	awsConfig, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.SNS.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Notifier{
		publisher: sns.NewFromConfig(awsConfig),
		topicARN:  cfg.SNS.TopicARN,
		logger:    log.WithFields(map[string]interface{}{"component": "alerting"}),
	}, nil
}

// NewWithPublisher wires a pre-built publisher, used by tests.
func NewWithPublisher(publisher Publisher, topicARN string, log logger.Logger) *Notifier {
	return &Notifier{
		publisher: publisher,
		topicARN:  topicARN,
		logger:    log.WithFields(map[string]interface{}{"component": "alerting"}),
	}
}

type alertPayload struct {
	RunID           string               `json:"runId"`
	FailedPermanent int                  `json:"failedPermanent"`
	FailedTransient int                  `json:"failedTransient"`
	ConfigErrors    []models.ConfigError `json:"configErrors,omitempty"`
}

// Store publishes one alert message summarizing the degraded run.
func (n *Notifier) Store(ctx context.Context, report *models.RunReport) error {
	if report.FailedPermanent == 0 && len(report.ConfigErrors) == 0 {
		return nil
	}

	body, err := json.Marshal(alertPayload{
		RunID:           report.RunID,
		FailedPermanent: report.FailedPermanent,
		FailedTransient: report.FailedTransient,
		ConfigErrors:    report.ConfigErrors,
	})
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	subject := fmt.Sprintf("notifier run %s: %d permanent failures, %d config errors",
		report.RunID, report.FailedPermanent, len(report.ConfigErrors))

	_, err = n.publisher.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	n.logger.Info("alert published", map[string]interface{}{
		"runId":   report.RunID,
		"subject": subject,
	})
	return nil
}
