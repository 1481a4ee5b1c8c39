package pagefetch

import (
	"context"

	"github.com/MarcoPoloResearchLab/memexsync/internal/collections"
	"github.com/MarcoPoloResearchLab/memexsync/internal/storage"
	syncengine "github.com/MarcoPoloResearchLab/memexsync/internal/sync"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StrippedPageFields are the page fields the sending device omits.
var StrippedPageFields = syncengine.StripFields{
	collections.Pages: {"fullTitle", "text", "terms", "titleTerms"},
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	Store   *storage.Store
	Fetcher Fetcher
	// Limiter paces fetches; nil fetches without pause.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// Processor fetches pages that arrived without content and fills the missing fields.
type Processor struct {
	store   *storage.Store
	fetcher Fetcher
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: cfg.Store, fetcher: cfg.Fetcher, limiter: cfg.Limiter, logger: logger}
}

// Process enriches every changed live page lacking a title or text. A failed fetch
// leaves the page as received.
func (p *Processor) Process(ctx context.Context, changes []syncengine.ChangedObject) error {
	for _, change := range changes {
		if change.Collection != collections.Pages || change.Deleted || change.Object == nil {
			continue
		}
		_, hasTitle := change.Object["fullTitle"]
		_, hasText := change.Object["text"]
		if hasTitle && hasText {
			continue
		}
		url, _ := change.Object["url"].(string)
		if url == "" {
			continue
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		content, err := p.fetcher.Fetch(ctx, url)
		if err != nil {
			p.logger.Warn("page fetch failed", zap.String("url", url), zap.Error(err))
			continue
		}
		fields := collections.Object{
			"text":  content.Text,
			"terms": collections.ExtractTerms(content.Text),
		}
		if content.Title != "" {
			fields["fullTitle"] = content.Title
			fields["titleTerms"] = collections.ExtractTerms(content.Title)
		}
		if _, err := p.store.Enrich(ctx, change.Collection, change.PK, fields); err != nil {
			return err
		}
	}
	return nil
}
