// Package dedup merges batches of records without duplicating entries that
// were already seen.
package dedup

import "github.com/dvloznov/ckexport/internal/domain"

// KeyFunc derives the deduplication key of a record.
type KeyFunc func(domain.Record) string

// ByIdentity keys records by server id, falling back to the composite key.
func ByIdentity(r domain.Record) string {
	return r.Identity()
}

// ByComposite keys records by description, amount, date and category only.
func ByComposite(r domain.Record) string {
	return r.CompositeKey()
}

// Merge appends the records of batch whose key is not yet present in existing
// or earlier in batch. existing is never reordered. Merging a batch with
// itself yields no growth.
func Merge(existing, batch []domain.Record, key KeyFunc) []domain.Record {
	seen := make(map[string]struct{}, len(existing)+len(batch))
	for _, r := range existing {
		seen[key(r)] = struct{}{}
	}

	merged := make([]domain.Record, len(existing), len(existing)+len(batch))
	copy(merged, existing)
	for _, r := range batch {
		k := key(r)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, r)
	}
	return merged
}

// Unique removes duplicates from records, keeping the first occurrence.
func Unique(records []domain.Record, key KeyFunc) []domain.Record {
	return Merge(nil, records, key)
}
