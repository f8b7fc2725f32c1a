package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/sanduku/internal/secrets"
)

// Builtin demo capabilities. Their internals are ordinary business logic
// behind the fixed handler signature; real deployments replace these with
// clients for the platform's own services. Handlers are deterministic for
// identical inputs so repeated executions of the same script produce the
// same result.

var builtinHandlers = map[string]Handler{
	"capabilities/search":           searchHandler,
	"capabilities/orders/lookup":    orderLookupHandler,
	"capabilities/products/catalog": productCatalogHandler,
}

func builtinDescriptors() []Descriptor {
	return []Descriptor{
		{
			ImportPath:  "capabilities/search",
			Description: "Full-text search over the tenant's indexed documents",
			Version:     "1.2.0",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search query"},
					"limit": map[string]any{"type": "integer", "description": "Max results (default 10)"},
				},
				"required": []string{"query"},
			},
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"results": map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
				},
			},
			SideEffects: false,
		},
		{
			ImportPath:  "capabilities/orders/lookup",
			Description: "Look up an order by ID within the tenant's order store",
			Version:     "1.0.3",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"order_id": map[string]any{"type": "string", "description": "Order identifier"},
				},
				"required": []string{"order_id"},
			},
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"order_id": map[string]any{"type": "string"},
					"status":   map[string]any{"type": "string"},
					"total":    map[string]any{"type": "number"},
				},
			},
			SideEffects: false,
		},
		{
			ImportPath:  "capabilities/products/catalog",
			Description: "List the tenant's product catalog, optionally filtered by category",
			Version:     "2.1.0",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category": map[string]any{"type": "string", "description": "Optional category filter"},
				},
			},
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"products": map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
				},
			},
			SideEffects: false,
		},
	}
}

func searchHandler(_ context.Context, call Call) (any, error) {
	query, _ := call.Input["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("search: query is required")
	}
	limit := 10
	if f, ok := call.Input["limit"].(float64); ok && f > 0 {
		limit = int(f)
	}

	// Canned corpus scoped by tenant so two tenants never see each
	// other's documents.
	results := make([]map[string]any, 0, limit)
	for i, doc := range cannedDocs {
		if len(results) >= limit {
			break
		}
		if strings.Contains(strings.ToLower(doc), strings.ToLower(query)) {
			results = append(results, map[string]any{
				"id":     fmt.Sprintf("%s-doc-%d", call.Exec.TenantID, i),
				"title":  doc,
				"tenant": call.Exec.TenantID,
			})
		}
	}
	return map[string]any{"results": results}, nil
}

func orderLookupHandler(ctx context.Context, call Call) (any, error) {
	orderID, _ := call.Input["order_id"].(string)
	if orderID == "" {
		return nil, fmt.Errorf("orders/lookup: order_id is required")
	}

	// The tenant's backend credential is resolved here, host-side. The
	// sandboxed script sees only the lookup result. Handles are derived
	// by convention for every tenant, so an unresolvable handle just
	// means this tenant has no backend credential; only resolver faults
	// (Vault unreachable, permission denied) abort the lookup.
	if call.Exec.CredentialHandle != "" && call.Secrets != nil {
		if _, err := call.Secrets.Resolve(ctx, call.Exec.CredentialHandle); err != nil && !errors.Is(err, secrets.ErrHandleNotFound) {
			return nil, fmt.Errorf("orders/lookup: resolving tenant credential: %w", err)
		}
	}

	// Deterministic canned order derived from the ID.
	status := "shipped"
	if strings.HasSuffix(orderID, "0") {
		status = "processing"
	}
	return map[string]any{
		"order_id": orderID,
		"tenant":   call.Exec.TenantID,
		"status":   status,
		"total":    float64(10*len(orderID)) + 0.99,
	}, nil
}

func productCatalogHandler(_ context.Context, call Call) (any, error) {
	category, _ := call.Input["category"].(string)

	products := make([]map[string]any, 0, len(cannedProducts))
	for _, p := range cannedProducts {
		if category != "" && p["category"] != category {
			continue
		}
		products = append(products, p)
	}
	return map[string]any{"products": products}, nil
}

var cannedDocs = []string{
	"Quarterly shipping report",
	"Returns policy for electronics",
	"Warehouse inventory snapshot",
	"Customer onboarding guide",
}

var cannedProducts = []map[string]any{
	{"sku": "SKU-1001", "name": "Field Notebook", "category": "stationery", "price": 4.50},
	{"sku": "SKU-1002", "name": "Mechanical Pencil", "category": "stationery", "price": 2.25},
	{"sku": "SKU-2001", "name": "USB-C Cable", "category": "electronics", "price": 9.99},
	{"sku": "SKU-2002", "name": "Wireless Mouse", "category": "electronics", "price": 24.00},
}
