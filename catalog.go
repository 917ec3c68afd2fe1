package dualai

import (
	"context"
	"fmt"
	"sync"
)

// ProductCatalog resolves a product id to its display attributes so chat
// requests made from a product page can carry product context. A nil catalog
// means the commerce integration is inactive and product context is skipped.
type ProductCatalog interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
}

// InMemoryProductCatalog is a map-backed ProductCatalog.
type InMemoryProductCatalog struct {
	mu       sync.RWMutex
	products map[string]Product
}

// NewInMemoryProductCatalog creates a catalog pre-populated with the given
// products.
func NewInMemoryProductCatalog(products ...Product) *InMemoryProductCatalog {
	c := &InMemoryProductCatalog{products: make(map[string]Product)}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// AddProduct registers or replaces a product.
func (c *InMemoryProductCatalog) AddProduct(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

// GetProduct returns the product with the given id.
func (c *InMemoryProductCatalog) GetProduct(ctx context.Context, id string) (*Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[id]
	if !ok {
		return nil, fmt.Errorf("product %q not found", id)
	}
	return &p, nil
}
