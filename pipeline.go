package quotagate

import "net/http"

// Pipeline composes the admission stages in a fixed order:
//
//	GlobalLimiter -> Extractor -> QuotaLimiter -> handler
//
// The first stage to reject writes the response and later stages never run.
// A nil stage is skipped. The pipeline holds no state of its own.
type Pipeline struct {
	global    *GlobalLimiter
	extractor *Extractor
	quota     *QuotaLimiter
}

// NewPipeline wires the given stages.
//
// Example:
//
//	p := quotagate.NewPipeline(global, extractor, quota)
//	r.Use(quotagate.Handler(quotagate.WithCanonlog()))
//	r.Use(p.Handler)
func NewPipeline(global *GlobalLimiter, extractor *Extractor, quota *QuotaLimiter) *Pipeline {
	return &Pipeline{
		global:    global,
		extractor: extractor,
		quota:     quota,
	}
}

// Handler returns middleware running every configured stage before next.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	h := next
	if p.quota != nil {
		h = p.quota.Handler(h)
	}
	if p.extractor != nil {
		h = p.extractor.Handler(h)
	}
	if p.global != nil {
		h = p.global.Handler(h)
	}
	return h
}
