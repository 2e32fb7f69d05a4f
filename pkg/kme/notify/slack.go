/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package notify delivers pool alerts to operators. Alert evaluation
// lives in the pool package; this package only ships the values out.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	"github.com/jordigilh/kme/pkg/kme/pool"
)

// AlertSource yields the currently active alerts.
type AlertSource interface {
	CheckAlertConditions(ctx context.Context) ([]pool.Alert, error)
}

// SlackNotifier posts alerts to a Slack incoming webhook. Repeated
// deliveries of the same alert are suppressed for the cooldown window.
type SlackNotifier struct {
	webhookURL string
	channel    string
	logger     logr.Logger

	cooldown time.Duration
	lastSent map[string]time.Time
}

// NewSlackNotifier builds a notifier. A one hour cooldown applies per
// alert name.
func NewSlackNotifier(webhookURL, channel string, logger logr.Logger) (*SlackNotifier, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		logger:     logger.WithName("slack-notifier"),
		cooldown:   time.Hour,
		lastSent:   make(map[string]time.Time),
	}, nil
}

// Notify delivers one alert, subject to the cooldown.
func (n *SlackNotifier) Notify(ctx context.Context, a pool.Alert) error {
	if last, ok := n.lastSent[a.Name]; ok && time.Since(last) < n.cooldown {
		return nil
	}

	msg := &slack.WebhookMessage{
		Channel: n.channel,
		Attachments: []slack.Attachment{{
			Color: colorFor(a.Severity),
			Title: fmt.Sprintf("KME alert: %s", a.Name),
			Text:  a.Message,
			Fields: []slack.AttachmentField{
				{Title: "Severity", Value: a.Severity, Short: true},
				{Title: "Value", Value: fmt.Sprintf("%.0f", a.Value), Short: true},
				{Title: "Threshold", Value: fmt.Sprintf("%.0f", a.Threshold), Short: true},
			},
			Ts: json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
		}},
	}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post alert to Slack: %w", err)
	}
	n.lastSent[a.Name] = time.Now()
	return nil
}

// Run polls the alert source and delivers anything active. One long-lived
// task owned by main's task group; alerts delivery failures are logged
// and retried next period.
func (n *SlackNotifier) Run(ctx context.Context, src AlertSource, period time.Duration) error {
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			alerts, err := src.CheckAlertConditions(ctx)
			if err != nil {
				n.logger.Error(err, "failed to evaluate alert conditions")
				continue
			}
			for _, a := range alerts {
				if err := n.Notify(ctx, a); err != nil {
					n.logger.Error(err, "failed to deliver alert", "alert", a.Name)
				}
			}
		}
	}
}

func colorFor(severity string) string {
	switch severity {
	case "critical":
		return "danger"
	case "warning":
		return "warning"
	default:
		return "good"
	}
}
