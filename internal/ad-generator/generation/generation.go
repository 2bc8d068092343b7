// Package generation holds the script-writing and video-rendering
// collaborators of the ad pipeline.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maltedev/infinityad/internal/models"
)

var (
	ErrScriptGeneration = errors.New("script generation failed")
	ErrRenderFailure    = errors.New("render failed")
	ErrRenderTimeout    = errors.New("render timed out")
)

const maxTestimonials = 3

// ScriptRequest is everything the language model sees about a product.
type ScriptRequest struct {
	ProductName  string
	Price        string
	Features     []string
	Testimonials []string
	Style        string
}

// NewScriptRequest builds a request from a product and, when present,
// the positive aspects of its review analysis.
func NewScriptRequest(p *models.Product, analysis *models.VideoAnalysis, style string) ScriptRequest {
	if style == "" {
		style = models.DefaultAdStyle
	}
	req := ScriptRequest{
		ProductName: p.DisplayName(),
		Price:       fmt.Sprintf("%.2f %s", p.Price.Amount, p.Price.Currency),
		Features:    p.Features,
		Style:       style,
	}
	if analysis != nil {
		req.Testimonials = analysis.PositiveAspects
		if len(req.Testimonials) > maxTestimonials {
			req.Testimonials = req.Testimonials[:maxTestimonials]
		}
	}
	return req
}

// Prompt renders the request as the user message sent to the model.
func (r ScriptRequest) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Crie um anúncio de 15-30s com tom %s.\n", r.Style)
	fmt.Fprintf(&b, "Produto: %s\n", r.ProductName)
	fmt.Fprintf(&b, "Preço: %s\n", r.Price)
	if len(r.Features) > 0 {
		features := r.Features
		if len(features) > 5 {
			features = features[:5]
		}
		fmt.Fprintf(&b, "Destaques: %s\n", strings.Join(features, "; "))
	}
	fmt.Fprintf(&b, "Depoimentos: %s\n", strings.Join(r.Testimonials, ", "))
	b.WriteString("Gere um script focado em conversão.")
	return b.String()
}

type ScriptGenerator interface {
	Generate(ctx context.Context, req ScriptRequest) (string, error)
}

type RenderState string

const (
	RenderPending RenderState = "pending"
	RenderDone    RenderState = "done"
	RenderError   RenderState = "error"
)

type RenderStatus struct {
	State     RenderState
	ResultURL string
	Error     string
}

type Renderer interface {
	// Create starts a render and returns its id.
	Create(ctx context.Context, imageURL, script string) (string, error)
	Poll(ctx context.Context, renderID string) (RenderStatus, error)
}
