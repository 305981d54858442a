// Package report glues the pipeline together for one job: resolve the use
// case, fetch view data, transform it, assemble and render the
// presentation, and email the artifact.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wisbric/reportowl/pkg/assembly"
	"github.com/wisbric/reportowl/pkg/notify"
	"github.com/wisbric/reportowl/pkg/queue"
	"github.com/wisbric/reportowl/pkg/registry"
	"github.com/wisbric/reportowl/pkg/tableau"
	"github.com/wisbric/reportowl/pkg/transform"
)

// emailSubject is the subject line of successful report deliveries.
const emailSubject = "Your Export Report"

// Fetcher is the slice of the tableau client the processor needs.
type Fetcher interface {
	FetchViewsInParallel(ctx context.Context, reqs []tableau.ViewRequest, workbookName, site string, concurrency int) (map[string]string, error)
}

// Renderer serializes a presentation manifest to bytes.
type Renderer interface {
	Render(m *assembly.PresentationManifest) ([]byte, error)
}

// Mailer is the email gateway surface the processor needs.
type Mailer interface {
	SendAttachment(ctx context.Context, to, subject, bodyHTML string, data []byte, filename string) error
	SendPlain(ctx context.Context, to, subject, bodyHTML string) error
}

// Result is the JSON payload recorded on a completed job.
type Result struct {
	Success        bool   `json:"success"`
	FileName       string `json:"fileName"`
	Recipient      string `json:"recipient"`
	UseCase        string `json:"useCase"`
	ViewsProcessed int    `json:"viewsProcessed"`
}

// Processor runs one report job end to end.
type Processor struct {
	registry         *registry.Registry
	transformer      *transform.Transformer
	fetcher          Fetcher
	engine           *assembly.Engine
	renderer         Renderer
	mailer           Mailer
	notifier         *notify.Notifier
	fetchConcurrency int
	logger           *slog.Logger

	now func() time.Time
}

// NewProcessor wires a Processor. notifier may be nil.
func NewProcessor(
	reg *registry.Registry,
	transformer *transform.Transformer,
	fetcher Fetcher,
	engine *assembly.Engine,
	renderer Renderer,
	mailer Mailer,
	notifier *notify.Notifier,
	fetchConcurrency int,
	logger *slog.Logger,
) *Processor {
	if fetchConcurrency <= 0 {
		fetchConcurrency = tableau.DefaultFetchConcurrency
	}
	return &Processor{
		registry:         reg,
		transformer:      transformer,
		fetcher:          fetcher,
		engine:           engine,
		renderer:         renderer,
		mailer:           mailer,
		notifier:         notifier,
		fetchConcurrency: fetchConcurrency,
		logger:           logger,
		now:              time.Now,
	}
}

// Process implements queue.Processor.
func (p *Processor) Process(ctx context.Context, job *queue.Job) (string, error) {
	meta, err := p.registry.UseCaseMeta(job.UseCase)
	if err != nil {
		return "", err
	}

	reqs, err := p.transformer.BuildViewConfigs(job.UseCase, job.Filters)
	if err != nil {
		return "", err
	}

	raw, err := p.fetcher.FetchViewsInParallel(ctx, reqs, meta.WorkbookName, meta.SiteName, p.fetchConcurrency)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", ErrNoViewsFetched
	}

	viewData, err := p.transformer.TransformAll(job.UseCase, raw)
	if err != nil {
		return "", err
	}
	if len(viewData) == 0 {
		return "", ErrAllTransformsFailed
	}

	manifest, err := p.engine.Assemble(job.UseCase, viewData)
	if err != nil {
		return "", err
	}

	data, err := p.renderer.Render(manifest)
	if err != nil {
		return "", &RenderFailedError{Err: err}
	}

	fileName := p.fileName(job.UseCase)
	if err := p.mailer.SendAttachment(ctx, job.Recipient, emailSubject, successBody(job.UseCase, len(viewData)), data, fileName); err != nil {
		return "", &EmailFailedError{Err: err}
	}

	p.logger.Info("report delivered",
		"job_id", job.ID,
		"use_case", job.UseCase,
		"recipient", job.Recipient,
		"views_processed", len(viewData),
		"file", fileName,
	)

	result := Result{
		Success:        true,
		FileName:       fileName,
		Recipient:      job.Recipient,
		UseCase:        job.UseCase,
		ViewsProcessed: len(viewData),
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encoding job result: %w", err)
	}
	return string(payload), nil
}

// NotifyFailure implements queue.FailureHandler: it emails the submitter
// about the terminal failure and pings the ops channel. Both paths are
// best-effort; their errors are logged and swallowed so the original
// cause stays the job's failedReason.
func (p *Processor) NotifyFailure(ctx context.Context, job *queue.Job, reason string) {
	subject := fmt.Sprintf("Report generation failed: %s", job.UseCase)
	if err := p.mailer.SendPlain(ctx, job.Recipient, subject, failureBody(job.UseCase, reason)); err != nil {
		p.logger.Error("sending failure notification email",
			"job_id", job.ID,
			"recipient", job.Recipient,
			"error", err,
		)
	}

	if p.notifier != nil {
		if err := p.notifier.PostJobFailure(ctx, job.ID, job.UseCase, job.Recipient, reason); err != nil {
			p.logger.Error("posting failure to slack", "job_id", job.ID, "error", err)
		}
	}
}

// fileName builds the artifact name: <usecase>-report-<timestamp>.pptx.
func (p *Processor) fileName(useCase string) string {
	slug := strings.ToLower(strings.ReplaceAll(useCase, "_", "-"))
	return fmt.Sprintf("%s-report-%s.pptx", slug, p.now().Format("20060102-150405"))
}

func successBody(useCase string, views int) string {
	return fmt.Sprintf(
		"<html><body><p>Hi,</p><p>Your <b>%s</b> report is attached. It was generated from %d data views.</p><p>— reportowl</p></body></html>",
		useCase, views)
}

func failureBody(useCase, reason string) string {
	return fmt.Sprintf(
		"<html><body><p>Hi,</p><p>Unfortunately your <b>%s</b> report could not be generated.</p><p>Error: %s</p><p>The request was retried automatically before giving up. Please try again later or contact support.</p><p>— reportowl</p></body></html>",
		useCase, reason)
}
