// Package email is the client for the notification gateway that delivers
// report emails on the service's behalf.
package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/wisbric/reportowl/internal/telemetry"
)

// Config carries the gateway endpoint and the sender identity stamped on
// every message.
type Config struct {
	BaseURL    string
	Token      string
	From       string
	TeamTag    string
	ProductTag string
}

// Client calls the notification gateway's send API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an email Client with a 30-second timeout.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// SendAttachment sends an HTML email with a single binary attachment.
func (c *Client) SendAttachment(ctx context.Context, to, subject, bodyHTML string, data []byte, filename string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"from":       c.cfg.From,
		"to":         to,
		"subject":    subject,
		"html":       bodyHTML,
		"teamTag":    c.cfg.TeamTag,
		"productTag": c.cfg.ProductTag,
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return fmt.Errorf("writing field %s: %w", name, err)
		}
	}

	fw, err := mw.CreateFormFile("attachment", filename)
	if err != nil {
		return fmt.Errorf("creating attachment part: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("writing attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalizing multipart body: %w", err)
	}

	if err := c.post(ctx, "/v1/emails", mw.FormDataContentType(), &buf); err != nil {
		telemetry.EmailsSentTotal.WithLabelValues("attachment_error").Inc()
		return err
	}
	telemetry.EmailsSentTotal.WithLabelValues("attachment").Inc()

	c.logger.Info("report email sent",
		"to", to,
		"filename", filename,
		"bytes", len(data),
	)
	return nil
}

// SendPlain sends an HTML email without attachments.
func (c *Client) SendPlain(ctx context.Context, to, subject, bodyHTML string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"from":       c.cfg.From,
		"to":         to,
		"subject":    subject,
		"html":       bodyHTML,
		"teamTag":    c.cfg.TeamTag,
		"productTag": c.cfg.ProductTag,
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return fmt.Errorf("writing field %s: %w", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalizing multipart body: %w", err)
	}

	if err := c.post(ctx, "/v1/emails", mw.FormDataContentType(), &buf); err != nil {
		telemetry.EmailsSentTotal.WithLabelValues("plain_error").Inc()
		return err
	}
	telemetry.EmailsSentTotal.WithLabelValues("plain").Inc()

	c.logger.Info("notification email sent", "to", to)
	return nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling notification gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("notification gateway returned HTTP %d: %s", resp.StatusCode, payload)
	}
	return nil
}
