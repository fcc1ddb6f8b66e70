// Package notify delivers best-effort download notifications.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// DownloadNotice describes one completed download request.
type DownloadNotice struct {
	EventID string    `json:"eventId"`
	Slug    string    `json:"slug"`
	Title   string    `json:"title,omitempty"`
	Type    string    `json:"type"`
	Files   int       `json:"files"`
	Bytes   int64     `json:"bytes"`
	IP      string    `json:"ip,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier is told about downloads. Failures never affect the download.
type Notifier interface {
	NotifyDownload(ctx context.Context, n DownloadNotice) error
}

// LogNotifier writes notices to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) NotifyDownload(ctx context.Context, n DownloadNotice) error {
	l.logger.InfoContext(ctx, "download notification",
		"event_id", n.EventID,
		"slug", n.Slug,
		"type", n.Type,
		"files", n.Files,
		"bytes", n.Bytes,
	)
	return nil
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier publishes notices as JSON messages to a queue, where a
// separate consumer turns them into emails.
type SQSNotifier struct {
	client   sqsAPI
	queueURL string
}

func NewSQSNotifier(client *sqs.Client, queueURL string) *SQSNotifier {
	return &SQSNotifier{client: client, queueURL: queueURL}
}

func (s *SQSNotifier) NotifyDownload(ctx context.Context, n DownloadNotice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {DataType: aws.String("String"), StringValue: aws.String("download")},
			"slug":  {DataType: aws.String("String"), StringValue: aws.String(n.Slug)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish download notice for %s: %w", n.Slug, err)
	}
	return nil
}
