// Package messaging publishes job failure events to observability channels.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"blueprint-backend/internal/config"
	apperrors "blueprint-backend/internal/errors"
	"blueprint-backend/internal/infrastructure/queue"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// DetailTypeJobFailed is the EventBridge detail-type of failure events.
const DetailTypeJobFailed = "JobFailed"

// PutEventsAPI is the part of the EventBridge client the notifier uses.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeNotifier sends failure events to an EventBridge bus.
type EventBridgeNotifier struct {
	client   PutEventsAPI
	eventBus string
	source   string
	logger   *zap.Logger
}

// NewEventBridgeNotifier creates a notifier on client.
func NewEventBridgeNotifier(client PutEventsAPI, eventBus, source string, logger *zap.Logger) *EventBridgeNotifier {
	if eventBus == "" {
		eventBus = "default"
	}
	if source == "" {
		source = "blueprint"
	}
	return &EventBridgeNotifier{
		client:   client,
		eventBus: eventBus,
		source:   source,
		logger:   logger.Named("eventbridge"),
	}
}

// NewEventBridgeNotifierFromConfig loads AWS credentials from the default
// chain and creates the notifier.
func NewEventBridgeNotifierFromConfig(ctx context.Context, cfg config.EventBridge, logger *zap.Logger) (*EventBridgeNotifier, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewEventBridgeNotifier(eventbridge.NewFromConfig(awsCfg), cfg.BusName, cfg.Source, logger), nil
}

// NotifyFailure implements queue.FailureNotifier.
func (n *EventBridgeNotifier) NotifyFailure(ctx context.Context, event queue.FailureEvent) error {
	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal failure event: %w", err)
	}

	output, err := n.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			EventBusName: aws.String(n.eventBus),
			Source:       aws.String(n.source),
			DetailType:   aws.String(DetailTypeJobFailed),
			Detail:       aws.String(string(detail)),
			Resources:    []string{event.Queue},
			Time:         aws.Time(event.At),
		}},
	})
	if err != nil {
		return classifyAWSError(err)
	}

	if output.FailedEntryCount > 0 {
		for _, entry := range output.Entries {
			if entry.ErrorCode != nil {
				n.logger.Warn("event rejected",
					zap.String("job_id", event.JobID),
					zap.String("code", aws.ToString(entry.ErrorCode)),
					zap.String("message", aws.ToString(entry.ErrorMessage)),
				)
			}
		}
		return fmt.Errorf("%d events failed to publish", output.FailedEntryCount)
	}
	return nil
}

// classifyAWSError marks throttling and server faults as transient.
func classifyAWSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode() == "ThrottlingException", apiErr.ErrorFault() == smithy.FaultServer:
			return apperrors.TransientInfra(apperrors.CodeBrokerUnavailable, "eventbridge "+apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("put events: %w", err)
}
