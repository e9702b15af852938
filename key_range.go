package touchview

// KeyRange selects keys between two bounds, in the order of a collator. A nil bound is open.
//
// When Descending is false the range is StartKey <= key <= EndKey. When Descending is true the
// scan runs from StartKey down to EndKey, so StartKey is the upper bound: EndKey <= key <= StartKey.
// InclusiveEnd only affects rows whose key equals EndKey.
// All-docs queries and view queries share this type.
type KeyRange struct {
	StartKey     interface{}
	EndKey       interface{}
	InclusiveEnd bool
	Descending   bool
}

// FullRange matches every key in ascending order.
func FullRange() KeyRange {
	return KeyRange{InclusiveEnd: true}
}

// AfterStart reports whether key is on the inside of the start bound.
func (r KeyRange) AfterStart(c *JSONCollator, key interface{}) bool {
	if r.StartKey == nil {
		return true
	}
	cmp := c.Collate(key, r.StartKey)
	if r.Descending {
		return cmp <= 0
	}
	return cmp >= 0
}

// BeforeEnd reports whether key is on the inside of the end bound.
func (r KeyRange) BeforeEnd(c *JSONCollator, key interface{}) bool {
	if r.EndKey == nil {
		return true
	}
	cmp := c.Collate(key, r.EndKey)
	if r.Descending {
		cmp = -cmp
	}
	if r.InclusiveEnd {
		return cmp <= 0
	}
	return cmp < 0
}

// Contains reports whether key lies within both bounds.
func (r KeyRange) Contains(c *JSONCollator, key interface{}) bool {
	return r.AfterStart(c, key) && r.BeforeEnd(c, key)
}

// lowerBound and upperBound give the bounds in collation order, independent of direction.
func (r KeyRange) lowerBound() interface{} {
	if r.Descending {
		return r.EndKey
	}
	return r.StartKey
}

func (r KeyRange) upperBound() interface{} {
	if r.Descending {
		return r.StartKey
	}
	return r.EndKey
}

func (r KeyRange) normalized() (KeyRange, error) {
	var err error
	if r.StartKey, err = normalizeValue(r.StartKey); err != nil {
		return r, badRequest("invalid start key: %v", err)
	}
	if r.EndKey, err = normalizeValue(r.EndKey); err != nil {
		return r, badRequest("invalid end key: %v", err)
	}
	return r, nil
}

// Applies skip and limit (0 = unlimited) to a slice of rows in their final order.
func paginate[T any](rows []T, skip, limit int) []T {
	if skip >= len(rows) {
		return rows[:0]
	}
	rows = rows[skip:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
