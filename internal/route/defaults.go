package route

import (
	"fmt"

	"storefront-gateway/internal/config"
	"storefront-gateway/internal/transform"
)

// DefaultRules is the storefront routing layout. Rules sharing a priority
// never overlap.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "auth-alias", Pattern: "/api/auth/", Backend: config.ServiceAuth, Priority: 10,
			Rewrite: Rewrite{Kind: RewriteSubstitute, From: "/api/auth", To: "/api/v1/auth"},
		},
		{Name: "auth", Pattern: "/api/v1/auth/", Backend: config.ServiceAuth, Priority: 10},
		{
			Name: "products-alias", Pattern: "/api/products", Backend: config.ServiceProduct, Priority: 20,
			Rewrite: Rewrite{Kind: RewriteSubstitute, From: "/api/products", To: "/api/v1/product"},
			Schema:  transform.ProductSchema,
		},
		{Name: "product", Pattern: "/api/v1/product", Backend: config.ServiceProduct, Priority: 20, Schema: transform.ProductSchema},
		{Name: "categories", Pattern: "/api/v1/categories", Backend: config.ServiceProduct, Priority: 20},
		{Name: "cart", Pattern: "/api/v1/cart", Backend: config.ServiceCart, Priority: 30},
		{Name: "order", Pattern: "/api/v1/order", Backend: config.ServiceOrder, Priority: 40},
		{Name: "webhook", Match: MatchExact, Pattern: "/webhook", Backend: config.ServiceOrder, Priority: 40},
		{Name: "review", Pattern: "/api/v1/review", Backend: config.ServiceReview, Priority: 50},
	}
}

// FromConfig builds the table from the default rules plus any routes
// declared in the config file.
func FromConfig(cfg *config.Config) (*Table, error) {
	rules := DefaultRules()
	for _, rc := range cfg.Routes {
		r, err := ruleFromConfig(rc)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	t, err := NewTable(rules, cfg.Services.All())
	if err != nil {
		return nil, fmt.Errorf("build route table: %w", err)
	}
	return t, nil
}

func ruleFromConfig(rc config.RouteConfig) (Rule, error) {
	r := Rule{
		Name:     rc.Name,
		Pattern:  rc.Pattern,
		Backend:  rc.Backend,
		Priority: rc.Priority,
		Rewrite:  Rewrite{From: rc.From, To: rc.To},
	}
	if r.Name == "" {
		r.Name = rc.Pattern
	}
	if rc.Match == "exact" {
		r.Match = MatchExact
	}
	switch rc.Rewrite {
	case "substitute":
		r.Rewrite.Kind = RewriteSubstitute
	case "strip":
		r.Rewrite.Kind = RewriteStrip
	}
	schema, ok := transform.Lookup(rc.Schema)
	if !ok {
		return Rule{}, fmt.Errorf("route %q: unknown schema %q", r.Name, rc.Schema)
	}
	r.Schema = schema
	return r, nil
}
