package relay

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupCap bounds each seen-set; the oldest entry is evicted first.
const DedupCap = 96

// Dedup rejects already-seen inbound events. Two independent layers: exact
// event id, and a content fingerprint over (sender, group, content) to catch
// relay re-sends under fresh event ids. The fingerprint uses xxhash; a
// collision costs one dropped message, which is an acceptable trade against
// hashing every inbound event cryptographically.
type Dedup struct {
	ids          *lru.Cache[string, struct{}]
	fingerprints *lru.Cache[string, struct{}]
}

// NewDedup creates an empty filter.
func NewDedup() *Dedup {
	ids, _ := lru.New[string, struct{}](DedupCap)
	fingerprints, _ := lru.New[string, struct{}](DedupCap)
	return &Dedup{ids: ids, fingerprints: fingerprints}
}

// NewDedupFrom restores a filter from serialized state, oldest entries first.
func NewDedupFrom(ids, fingerprints []string) *Dedup {
	d := NewDedup()
	for _, id := range ids {
		d.ids.Add(id, struct{}{})
	}
	for _, fp := range fingerprints {
		d.fingerprints.Add(fp, struct{}{})
	}
	return d
}

// SeenID records the event id and reports whether it was already present.
func (d *Dedup) SeenID(id string) bool {
	if _, ok := d.ids.Get(id); ok {
		return true
	}
	d.ids.Add(id, struct{}{})
	return false
}

// SeenContent records the (sender, group, content) fingerprint and reports
// whether it was already present.
func (d *Dedup) SeenContent(sender, group, content string) bool {
	fp := Fingerprint(sender, group, content)
	if _, ok := d.fingerprints.Get(fp); ok {
		return true
	}
	d.fingerprints.Add(fp, struct{}{})
	return false
}

// Snapshot returns both seen-sets, oldest entries first, for persistence.
func (d *Dedup) Snapshot() (ids, fingerprints []string) {
	return d.ids.Keys(), d.fingerprints.Keys()
}

// Fingerprint hashes (sender, group, content) into a stable key.
func Fingerprint(sender, group, content string) string {
	h := xxhash.New()
	_, _ = h.WriteString(sender)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(group)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(content)
	return strconv.FormatUint(h.Sum64(), 16)
}
