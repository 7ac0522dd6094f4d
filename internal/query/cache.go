package query

import "github.com/maypok86/otter"

// Cache memoizes parsed RQL expressions keyed by their raw text, since
// controllers tend to poll with identical queries. A nil Cache parses
// directly.
type Cache struct {
	parsed otter.Cache[string, *Node]
}

func NewCache(capacity int) (*Cache, error) {
	parsed, err := otter.MustBuilder[string, *Node](capacity).Build()
	if err != nil {
		return nil, err
	}
	return &Cache{parsed: parsed}, nil
}

// Parse returns the cached expression for s, parsing and caching on miss.
// Parse failures are not cached; malformed queries are rejected upstream
// anyway.
func (c *Cache) Parse(s string) (*Node, error) {
	if c == nil {
		return ParseRQL(s)
	}
	if n, ok := c.parsed.Get(s); ok {
		return n, nil
	}
	n, err := ParseRQL(s)
	if err != nil {
		return nil, err
	}
	c.parsed.Set(s, n)
	return n, nil
}

func (c *Cache) Close() {
	if c != nil {
		c.parsed.Close()
	}
}
