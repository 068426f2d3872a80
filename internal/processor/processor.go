// Package processor implements the fetch, extract, embed and store steps for each resource kind.
package processor

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"

	"github.com/JakeFAU/ingestion-pipeline/internal/embed"
	"github.com/JakeFAU/ingestion-pipeline/internal/extract"
	collyfetcher "github.com/JakeFAU/ingestion-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

// Fetcher retrieves one URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (collyfetcher.Response, error)
}

// Limiter paces fetches per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Router dispatches to the Processor registered for a record's kind.
type Router struct {
	byKind map[resource.Kind]resource.Processor
}

// NewRouter builds a Router from per-kind processors.
func NewRouter(byKind map[resource.Kind]resource.Processor) *Router {
	return &Router{byKind: byKind}
}

// Process implements resource.Processor.
func (r *Router) Process(ctx context.Context, url string, kind resource.Kind) (resource.Outcome, error) {
	p, ok := r.byKind[kind]
	if !ok || p == nil {
		return resource.Outcome{}, fmt.Errorf("no processor for resource kind %q", kind)
	}
	return p.Process(ctx, url, kind)
}

// Pipeline is a resource.Processor for one kind.
type Pipeline struct {
	kind        resource.Kind
	fetcher     Fetcher
	limiter     Limiter
	extract     func([]byte) (string, error)
	embedder    embed.Embedder
	blobs       resource.BlobStore
	hasher      resource.Hasher
	ext         string
	contentType string
}

// Deps are the collaborators shared by every pipeline.
type Deps struct {
	Fetcher  Fetcher
	Limiter  Limiter // optional
	Embedder embed.Embedder
	Blobs    resource.BlobStore
	Hasher   resource.Hasher
}

// NewDocumentPipeline processes PDF documents.
func NewDocumentPipeline(d Deps) *Pipeline {
	return &Pipeline{
		kind:        resource.KindDocument,
		fetcher:     d.Fetcher,
		limiter:     d.Limiter,
		extract:     extract.PDF,
		embedder:    d.Embedder,
		blobs:       d.Blobs,
		hasher:      d.Hasher,
		ext:         ".pdf",
		contentType: "application/pdf",
	}
}

// NewPagePipeline processes HTML pages.
func NewPagePipeline(d Deps) *Pipeline {
	return &Pipeline{
		kind:        resource.KindPage,
		fetcher:     d.Fetcher,
		limiter:     d.Limiter,
		extract:     extract.Page,
		embedder:    d.Embedder,
		blobs:       d.Blobs,
		hasher:      d.Hasher,
		ext:         ".html",
		contentType: "text/html; charset=utf-8",
	}
}

// NewRouterFromDeps wires the standard document and page pipelines.
func NewRouterFromDeps(d Deps) *Router {
	return NewRouter(map[resource.Kind]resource.Processor{
		resource.KindDocument: NewDocumentPipeline(d),
		resource.KindPage:     NewPagePipeline(d),
	})
}

// Process fetches url, extracts and embeds its text, and stores the raw body.
// The artifact is content addressed, so reprocessing identical content rewrites the same object.
func (p *Pipeline) Process(ctx context.Context, url string, kind resource.Kind) (resource.Outcome, error) {
	if kind != p.kind {
		return resource.Outcome{}, fmt.Errorf("%s pipeline cannot process %q", p.kind, kind)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, url); err != nil {
			return resource.Outcome{}, fmt.Errorf("fetch %s: %w", url, err)
		}
	}
	resp, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return resource.Outcome{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.StatusCode != 0 && resp.StatusCode != http.StatusOK {
		return resource.Outcome{}, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	text, err := p.extract(resp.Body)
	if err != nil {
		return resource.Outcome{}, fmt.Errorf("extract %s: %w", url, err)
	}
	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return resource.Outcome{}, fmt.Errorf("embed %s: %w", url, err)
	}
	digest, err := p.hasher.Hash(resp.Body)
	if err != nil {
		return resource.Outcome{}, fmt.Errorf("hash %s: %w", url, err)
	}
	uri, err := p.blobs.PutObject(ctx, p.objectPath(digest), p.objectContentType(resp.ContentType), resp.Body)
	if err != nil {
		return resource.Outcome{}, fmt.Errorf("store %s: %w", url, err)
	}
	return resource.Outcome{
		ArtifactURI: uri,
		ContentHash: digest,
		Dimensions:  len(vec),
	}, nil
}

func (p *Pipeline) objectPath(digest string) string {
	return path.Join(string(p.kind)+"s", digest[:2], digest+p.ext)
}

func (p *Pipeline) objectContentType(served string) string {
	if served == "" {
		return p.contentType
	}
	if _, _, err := mime.ParseMediaType(served); err != nil {
		return p.contentType
	}
	return served
}
