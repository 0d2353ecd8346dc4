// Package catalog maps protected routes to the payment requirements that unlock them.
//
// Requirements are immutable templates: Lookup hands out copies, which the gateway
// stamps with the request's resource URL.
package catalog

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/validation"
)

// ErrNotConfigured is returned by Lookup when no route matches. The route is free.
var ErrNotConfigured = errors.New("catalog: route not configured")

// Route is a priced route. Pattern is an optional HTTP method followed by a path or
// path.Match glob, for example "GET /weather" or "/reports/*".
type Route struct {
	Pattern      string
	Requirements []x402.PaymentRequirement

	method string
	path   string
}

// Method returns the route's method filter, or "" when any method matches.
func (r Route) Method() string { return r.method }

// Path returns the route's path or glob.
func (r Route) Path() string { return r.path }

func (r Route) matches(method, p string) bool {
	if r.method != "" && !strings.EqualFold(r.method, method) {
		return false
	}
	if r.path == p {
		return true
	}
	ok, err := path.Match(r.path, p)
	return err == nil && ok
}

// Catalog is an ordered list of routes. The first matching route wins.
type Catalog struct {
	routes []Route
}

// New builds a catalog, validating every requirement.
func New(routes ...Route) (*Catalog, error) {
	c := &Catalog{}
	for _, r := range routes {
		if err := c.Add(r); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends a route. It is not safe to call concurrently with Lookup; catalogs are
// built at startup.
func (c *Catalog) Add(r Route) error {
	method, p, err := ParsePattern(r.Pattern)
	if err != nil {
		return err
	}
	if len(r.Requirements) == 0 {
		return fmt.Errorf("catalog: route %q has no payment requirements", r.Pattern)
	}
	for i, req := range r.Requirements {
		if err := validation.ValidatePaymentRequirement(req); err != nil {
			return fmt.Errorf("catalog: route %q requirement %d: %w", r.Pattern, i, err)
		}
	}

	r.method = method
	r.path = p
	r.Requirements = cloneAll(r.Requirements)
	c.routes = append(c.routes, r)
	return nil
}

// Lookup returns copies of the requirements of the first route matching method and path,
// or ErrNotConfigured.
func (c *Catalog) Lookup(method, p string) ([]x402.PaymentRequirement, error) {
	for _, r := range c.routes {
		if r.matches(method, p) {
			return cloneAll(r.Requirements), nil
		}
	}
	return nil, ErrNotConfigured
}

// Routes returns the configured routes in declaration order.
func (c *Catalog) Routes() []Route {
	out := make([]Route, len(c.routes))
	for i, r := range c.routes {
		r.Requirements = cloneAll(r.Requirements)
		out[i] = r
	}
	return out
}

// ParsePattern splits "METHOD /path" into its parts. A pattern without a method matches
// every method.
func ParsePattern(pattern string) (method, p string, err error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return "", "", fmt.Errorf("catalog: empty route pattern")
	}
	if i := strings.IndexByte(pattern, ' '); i > 0 {
		method, p = strings.ToUpper(pattern[:i]), strings.TrimSpace(pattern[i+1:])
	} else {
		p = pattern
	}
	if p == "" {
		return "", "", fmt.Errorf("catalog: route pattern %q has no path", pattern)
	}
	if _, err := path.Match(p, ""); err != nil {
		return "", "", fmt.Errorf("catalog: bad route pattern %q: %w", pattern, err)
	}
	return method, p, nil
}

func cloneAll(reqs []x402.PaymentRequirement) []x402.PaymentRequirement {
	out := make([]x402.PaymentRequirement, len(reqs))
	for i, req := range reqs {
		if req.Extra != nil {
			extra := make(map[string]interface{}, len(req.Extra))
			for k, v := range req.Extra {
				extra[k] = v
			}
			req.Extra = extra
		}
		out[i] = req
	}
	return out
}
