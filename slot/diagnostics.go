package slot

import "github.com/tidwall/gjson"

// SetDebugMetadata attaches an optional JSON blob to the slot for
// diagnostic tooling. Never called on the publish/reclaim hot path.
func (d *Descriptor) SetDebugMetadata(raw []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.debugMetadata = raw
}

// DebugField queries one field of the slot's debug metadata without a
// struct-marshal round trip — e.g. DebugField("producer") or
// DebugField("stats.drops"). Returns the zero gjson.Result if no
// metadata is set or the path doesn't match.
func (d *Descriptor) DebugField(path string) gjson.Result {
	d.mu.Lock()
	raw := d.debugMetadata
	d.mu.Unlock()
	if raw == nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(raw, path)
}
