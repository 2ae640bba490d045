package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"wahub/internal/providers/evolution"
)

// notify posts an event to the instance's webhook in the background, if one is enabled
// and subscribed to the event. Payloads use the provider's dotted lower-case event names.
func (s *server) notify(hook webhookSettings, instance, token, event string, data map[string]any) {
	if !hook.Enabled || hook.URL == "" || (len(hook.Events) > 0 && !slices.Contains(hook.Events, event)) {
		return
	}
	body, err := json.Marshal(map[string]any{
		"event":     strings.ToLower(strings.ReplaceAll(event, "_", ".")),
		"instance":  instance,
		"data":      data,
		"date_time": time.Now().UTC().Format(time.RFC3339),
		"apikey":    token,
	})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.deliver(ctx, hook.URL, body); err != nil {
			slog.Error("mock webhook delivery failed", "instance", instance, "event", event, "err", err)
		}
	}()
}

// deliver retries with the same transient-failure rules the real client applies to GETs.
func (s *server) deliver(ctx context.Context, callbackURL string, body []byte) error {
	for attempt := 0; ; attempt++ {
		status, err := s.post(ctx, callbackURL, body)
		if err == nil && status < 300 {
			return nil
		}
		if attempt >= s.cfg.WebhookMaxRetries || !evolution.ShouldRetry(err, status) {
			if err != nil {
				return err
			}
			return fmt.Errorf("callback answered %d", status)
		}
		wait := evolution.Backoff(attempt)
		slog.Warn("mock webhook delivery retrying", "attempt", attempt+1, "status", status, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *server) post(ctx context.Context, callbackURL string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}
