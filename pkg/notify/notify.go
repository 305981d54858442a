// Package notify posts terminal job failures to an ops Slack channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends ops notifications to Slack.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Slack Notifier. If botToken is empty, the notifier
// will be a noop (logging only).
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// IsEnabled returns true if the notifier has a valid Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostJobFailure announces a terminally failed report job to the
// configured channel. Best-effort: errors are returned for logging only.
func (n *Notifier) PostJobFailure(ctx context.Context, jobID, useCase, recipient, reason string) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping failure post",
			"job_id", jobID,
			"use_case", useCase,
		)
		return nil
	}

	blocks := []goslack.Block{
		goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType,
			":rotating_light: Report job failed", false, false)),
		goslack.NewSectionBlock(nil, []*goslack.TextBlockObject{
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Job:*\n%s", jobID), false, false),
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Use case:*\n%s", useCase), false, false),
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Recipient:*\n%s", recipient), false, false),
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Reason:*\n%s", reason), false, false),
		}, nil),
	}

	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("Report job %s (%s) failed: %s", jobID, useCase, reason), false),
	}

	channelID, ts, err := n.client.PostMessageContext(ctx, n.channel, opts...)
	if err != nil {
		return fmt.Errorf("posting job failure to slack: %w", err)
	}

	n.logger.Info("posted job failure to slack",
		"job_id", jobID,
		"channel", channelID,
		"ts", ts,
	)
	return nil
}
