package docstore

import (
	"context"
	"sync"
)

// DisconnectWrites is the per-connection table of writes to apply when the
// connection goes away. Backends and the store server share it.
type DisconnectWrites struct {
	mu     sync.Mutex
	writes map[string]map[string]interface{}
}

// NewDisconnectWrites returns an empty table.
func NewDisconnectWrites() *DisconnectWrites {
	return &DisconnectWrites{writes: make(map[string]map[string]interface{})}
}

// Add merges fields into the write registered for path.
func (d *DisconnectWrites) Add(path string, fields map[string]interface{}) error {
	if _, err := SplitPath(path); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.writes[path]
	if !ok {
		cur = make(map[string]interface{}, len(fields))
		d.writes[path] = cur
	}
	for k, v := range fields {
		cur[k] = v
	}
	return nil
}

// Cancel drops the write registered for path.
func (d *DisconnectWrites) Cancel(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.writes, path)
}

// Len returns the number of registered paths.
func (d *DisconnectWrites) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

// Fire applies and clears every registered write using apply. Each path is
// applied independently; the first error is returned after all were tried.
func (d *DisconnectWrites) Fire(ctx context.Context, apply func(ctx context.Context, path string, fields map[string]interface{}) error) error {
	d.mu.Lock()
	writes := d.writes
	d.writes = make(map[string]map[string]interface{})
	d.mu.Unlock()

	var first error
	for path, fields := range writes {
		if err := apply(ctx, path, fields); err != nil && first == nil {
			first = err
		}
	}
	return first
}
