// Package vision recognises answer sheets by sending the page image to a
// multimodal AI service and parsing the JSON it returns.
package vision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/pavelanni/omrgrade/internal/imaging"
	"github.com/pavelanni/omrgrade/internal/model"
)

// Request is one page upload.
type Request struct {
	Prompt string
	Image  []byte
	MIME   string
}

// Client is a multimodal completion backend. Complete returns the model's
// raw text reply.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Options tunes a Recognizer. Zero values select the defaults.
type Options struct {
	// Timeout bounds one page, including the wait for the rate limiter.
	Timeout time.Duration
	// RequestsPerSecond caps outbound calls; 0 disables the limiter.
	RequestsPerSecond float64
	// MaxSide is the longest image side sent to the service, in pixels.
	MaxSide int
	// JPEGQuality is used when a page has to be re-encoded.
	JPEGQuality int
}

const (
	DefaultTimeout = 30 * time.Second
	DefaultMaxSide = 2048
)

// Recognizer is the vision recognition path.
type Recognizer struct {
	client  Client
	limiter *rate.Limiter
	opts    Options
}

// New creates a vision recognizer over client.
func New(client Client, opts Options) *Recognizer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxSide == 0 {
		opts.MaxSide = DefaultMaxSide
	}
	r := &Recognizer{client: client, opts: opts}
	if opts.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return r
}

// Recognize sends page to the service and parses its reply. It never fails:
// network, encoding and parse errors are reported through RecognitionError.
func (r *Recognizer) Recognize(ctx context.Context, page model.PageImage, exam model.Exam) model.RecognitionResult {
	total := exam.Key.TotalQuestions
	res, err := r.recognize(ctx, page, exam)
	if err != nil {
		slog.Warn("vision recognition failed",
			"page", page.SourcePage, "backend", r.client.Name(), "error", err)
		return model.FailedRecognition(page.Index, total, model.ModeVision, err.Error())
	}
	res.PageIndex = page.Index
	return res
}

// RecognizePage adapts Recognize to the batch orchestrator.
func (r *Recognizer) RecognizePage(ctx context.Context, page model.PageImage, exam model.Exam) (model.RecognitionResult, error) {
	return r.Recognize(ctx, page, exam), nil
}

func (r *Recognizer) recognize(ctx context.Context, page model.PageImage, exam model.Exam) (model.RecognitionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return model.RecognitionResult{}, fmt.Errorf("rate limit: %w", err)
		}
	}

	img, mime, err := imaging.EncodeJPEG(page, r.opts.MaxSide, r.opts.JPEGQuality)
	if err != nil {
		return model.RecognitionResult{}, err
	}

	raw, err := r.client.Complete(ctx, Request{
		Prompt: BuildPrompt(exam),
		Image:  img,
		MIME:   mime,
	})
	if err != nil {
		return model.RecognitionResult{}, fmt.Errorf("%s call: %w", r.client.Name(), err)
	}
	slog.Debug("vision reply", "page", page.SourcePage, "raw", raw)

	res, err := ParseReply(raw, exam.Key.TotalQuestions)
	if err != nil {
		return model.RecognitionResult{}, fmt.Errorf("parse reply: %w", err)
	}
	return res, nil
}
