package engine

import (
	"context"

	"github.com/grinzolo/cachewarden/pkg/authz"
	"github.com/grinzolo/cachewarden/pkg/cache"
)

// DesiredState is the target a plan decision asks for.
type DesiredState string

const (
	// DesiredCached asks for the file to be relocated into the cache.
	DesiredCached DesiredState = "cached"

	// DesiredReleased asks for a committed relocation to be reversed.
	DesiredReleased DesiredState = "released"
)

// Decision is one line of a caching plan produced by the media-catalog
// client: a file and the state it should end up in.
type Decision struct {
	OriginalPath string       `json:"original_path" mapstructure:"original_path"`
	Desired      DesiredState `json:"desired" mapstructure:"desired"`
}

// Outcome reports how a single decision fared. Record is set only for
// successful cache decisions.
type Outcome struct {
	Decision
	Record *cache.CachedFileRecord `json:"record,omitempty"`
	Err    error                   `json:"-"`
}

// Failed reports whether the decision was not carried out.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Apply executes a caching plan decision by decision. One failing decision
// does not abort the rest; each outcome carries its own error. Apply stops
// early only when ctx is cancelled, returning the outcomes gathered so far
// together with the context error.
func (e *Engine) Apply(ctx context.Context, user authz.UserContext, plan []Decision) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(plan))
	for _, d := range plan {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		out := Outcome{Decision: d}
		switch d.Desired {
		case DesiredCached:
			out.Record, out.Err = e.RequestCache(ctx, d.OriginalPath, user)
		case DesiredReleased:
			out.Err = e.RequestRelease(ctx, d.OriginalPath, user)
		default:
			out.Err = cache.NewError(cache.ErrValidation,
				"unknown desired state: "+string(d.Desired), d.OriginalPath)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}
