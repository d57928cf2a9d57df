package catalog

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// FixtureClient serves canned part data for local runs and tests. Parts not
// explicitly registered resolve to deterministic synthetic data derived from
// the part identity, so any BOM can be processed without supplier
// credentials.
type FixtureClient struct {
	name    string
	latency time.Duration

	mu    sync.RWMutex
	parts map[string]*PartData
	fail  map[string]error
}

// NewFixtureClient creates an offline supplier client.
func NewFixtureClient(name string) *FixtureClient {
	return &FixtureClient{
		name:  name,
		parts: make(map[string]*PartData),
		fail:  make(map[string]error),
	}
}

// SetLatency adds an artificial delay to every lookup.
func (c *FixtureClient) SetLatency(d time.Duration) {
	c.latency = d
}

// Add registers a canned part.
func (c *FixtureClient) Add(part *PartData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts[fixtureKey(part.MPN, part.Manufacturer)] = part
}

// FailWith makes lookups for the given part return err.
func (c *FixtureClient) FailWith(mpn, manufacturer string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[fixtureKey(mpn, manufacturer)] = err
}

func (c *FixtureClient) Name() string {
	return c.name
}

func (c *FixtureClient) Lookup(ctx context.Context, mpn, manufacturer string) (*PartData, error) {
	if c.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.latency):
		}
	}

	key := fixtureKey(mpn, manufacturer)
	c.mu.RLock()
	err, failing := c.fail[key]
	part, ok := c.parts[key]
	c.mu.RUnlock()

	if failing {
		return nil, err
	}
	if ok {
		return part, nil
	}
	return synthesizePart(mpn, manufacturer, c.name), nil
}

func fixtureKey(mpn, manufacturer string) string {
	return strings.ToLower(strings.TrimSpace(mpn)) + "|" + strings.ToLower(strings.TrimSpace(manufacturer))
}

// synthesizePart derives stable fake attributes from the part identity. The
// same MPN always yields the same data.
func synthesizePart(mpn, manufacturer, supplier string) *PartData {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fixtureKey(mpn, manufacturer)))
	seed := h.Sum32()

	lifecycles := []string{LifecycleActive, LifecycleActive, LifecycleActive, LifecycleNRND, LifecycleEOL}
	years := float64(1 + seed%12)

	return &PartData{
		MPN:              mpn,
		Manufacturer:     manufacturer,
		Description:      "synthetic fixture part",
		LifecycleStatus:  lifecycles[seed%uint32(len(lifecycles))],
		StockQty:         int(seed % 50000),
		LeadTimeWeeks:    int(seed % 30),
		UnitPrice:        float64(seed%10000) / 100,
		Currency:         "USD",
		RoHS:             seed%7 != 0,
		REACH:            seed%11 != 0,
		YearsToEOL:       &years,
		AlternateSources: int(seed % 6),
		Supplier:         supplier,
	}
}
