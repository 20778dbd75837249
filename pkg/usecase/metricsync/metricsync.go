package metricsync

import (
	"time"

	"github.com/m-mizutani/convsync/pkg/adapter"
	"github.com/m-mizutani/convsync/pkg/classify"
	"github.com/m-mizutani/convsync/pkg/export"
	"github.com/m-mizutani/convsync/pkg/normalize"
	"github.com/m-mizutani/convsync/pkg/repository"
)

const (
	DefaultBatchSize         = 100
	DefaultEnrichBatchSize   = 10
	DefaultEnrichDelay       = 500 * time.Millisecond
	DefaultEnrichConcurrency = 1

	archivePrefix = "exports"
)

// UseCase runs one export window through the sync pipeline
type UseCase struct {
	intercom   adapter.Intercom
	exporter   *export.Client
	classifier *classify.Classifier
	repo       repository.Repository
	archive    adapter.Archive

	fields            normalize.Fields
	batchSize         int
	enrich            bool
	enrichBatchSize   int
	enrichDelay       time.Duration
	enrichConcurrency int
	enrichRPS         float64
	now               func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithArchive stores every raw export payload before it is decoded
func WithArchive(a adapter.Archive) Option {
	return func(uc *UseCase) {
		uc.archive = a
	}
}

func WithFields(f normalize.Fields) Option {
	return func(uc *UseCase) {
		uc.fields = f
	}
}

func WithBatchSize(n int) Option {
	return func(uc *UseCase) {
		if n > 0 {
			uc.batchSize = n
		}
	}
}

// WithEnrichment toggles the per-conversation tag lookup
func WithEnrichment(enabled bool) Option {
	return func(uc *UseCase) {
		uc.enrich = enabled
	}
}

// WithEnrichBatch sets how many records are enriched between two pauses and
// the length of the pause
func WithEnrichBatch(size int, delay time.Duration) Option {
	return func(uc *UseCase) {
		if size > 0 {
			uc.enrichBatchSize = size
		}
		if delay >= 0 {
			uc.enrichDelay = delay
		}
	}
}

func WithEnrichConcurrency(n int) Option {
	return func(uc *UseCase) {
		if n > 0 {
			uc.enrichConcurrency = n
		}
	}
}

// WithEnrichRPS caps conversation lookups per second across workers. Zero
// disables the cap.
func WithEnrichRPS(rps float64) Option {
	return func(uc *UseCase) {
		uc.enrichRPS = rps
	}
}

func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a sync UseCase
func New(
	intercom adapter.Intercom,
	exporter *export.Client,
	classifier *classify.Classifier,
	repo repository.Repository,
	opts ...Option,
) *UseCase {
	uc := &UseCase{
		intercom:          intercom,
		exporter:          exporter,
		classifier:        classifier,
		repo:              repo,
		fields:            normalize.DefaultFields(),
		batchSize:         DefaultBatchSize,
		enrich:            true,
		enrichBatchSize:   DefaultEnrichBatchSize,
		enrichDelay:       DefaultEnrichDelay,
		enrichConcurrency: DefaultEnrichConcurrency,
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(uc)
	}

	if uc.classifier == nil {
		uc.classifier = classify.New()
	}

	return uc
}
