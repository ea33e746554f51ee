package recorder

import (
	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

// recordRedirectLocked appends one hop to the redirect chain. Steps are
// numbered from 1 in arrival order.
func (r *Recorder) recordRedirectLocked(resp ResponseInfo, toURL string) {
	server := ""
	if resp.RemoteIP != "" {
		if addr, err := serverAddress(resp.RemoteIP, resp.RemotePort); err == nil {
			server = addr
		}
	}
	resourceType := resp.ResourceType
	if resourceType == "" {
		if ex, ok := r.exchanges[resp.ID]; ok {
			resourceType = ex.resourceType
		}
	}
	r.redirects = append(r.redirects, schemas.RedirectStep{
		Step:         len(r.redirects) + 1,
		FromURL:      resp.URL,
		ToURL:        toURL,
		StatusCode:   resp.Status,
		ResourceType: resourceType,
		Server:       server,
	})
}

// redirectStepsLocked returns the observed chain, or a single synthetic step 0
// for the first response when no redirect was seen. No responses, no steps.
func (r *Recorder) redirectStepsLocked() []schemas.RedirectStep {
	if len(r.redirects) > 0 {
		return append([]schemas.RedirectStep(nil), r.redirects...)
	}
	for _, ev := range r.events {
		if ev.Direction != schemas.DirectionResponse {
			continue
		}
		server := ""
		if ev.ServerAddress != nil && ev.ServerAddress.OK() {
			server = ev.ServerAddress.Value
		}
		return []schemas.RedirectStep{{
			Step:         0,
			FromURL:      ev.URL,
			ToURL:        ev.URL,
			StatusCode:   ev.Status,
			ResourceType: ev.ResourceType,
			Server:       server,
		}}
	}
	return []schemas.RedirectStep{}
}
