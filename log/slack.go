package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// SlackHandler posts records at or above its minimum level to a Slack
// incoming webhook. Posting happens on a background goroutine and errors are
// discarded: operator notification must never abort relay processing.
type SlackHandler struct {
	webhookURL string
	minLevel   slog.Level
	client     *http.Client
	attrs      []slog.Attr
	hostname   string
}

func NewSlackHandler(webhookURL string, minLevel slog.Level) *SlackHandler {
	hostname, _ := os.Hostname()
	return &SlackHandler{
		webhookURL: webhookURL,
		minLevel:   minLevel,
		client:     &http.Client{Timeout: 10 * time.Second},
		hostname:   hostname,
	}
}

func (h *SlackHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *SlackHandler) Handle(_ context.Context, record slog.Record) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] *%s* %s", h.hostname, record.Level, record.Message)
	appendAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&sb, "\n• %s: `%v`", a.Key, a.Value)
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	record.Attrs(appendAttr)

	payload, err := json.Marshal(map[string]string{"text": sb.String()})
	if err != nil {
		return nil
	}
	go h.post(payload)
	return nil
}

func (h *SlackHandler) post(payload []byte) {
	resp, err := h.client.Post(h.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return
	}
	resp.Body.Close()
}

func (h *SlackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *SlackHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), slog.String("group", name))
	return &nh
}
