package workitem

// Batch is an ordered collection of items sharing one run. Order is the Row
// Store order and is preserved across stages.
type Batch []Item

// RowIndexes returns the row indexes in batch order.
func (b Batch) RowIndexes() []int {
	out := make([]int, 0, len(b))
	for _, item := range b {
		out = append(out, item.RowIndex)
	}
	return out
}

// Clone deep-copies every item.
func (b Batch) Clone() Batch {
	out := make(Batch, 0, len(b))
	for _, item := range b {
		out = append(out, item.Clone())
	}
	return out
}

// Find returns the item with rowIndex.
func (b Batch) Find(rowIndex int) (Item, bool) {
	for _, item := range b {
		if item.RowIndex == rowIndex {
			return item, true
		}
	}
	return Item{}, false
}

// Split slices the batch into consecutive chunks of at most size items.
func (b Batch) Split(size int) []Batch {
	if len(b) == 0 {
		return nil
	}
	if size <= 0 || size >= len(b) {
		return []Batch{b}
	}
	chunks := make([]Batch, 0, (len(b)+size-1)/size)
	for start := 0; start < len(b); start += size {
		end := min(start+size, len(b))
		chunks = append(chunks, b[start:end:end])
	}
	return chunks
}

// SortLike reorders items to follow the row order of reference. Items not in
// reference keep their relative order at the end.
func SortLike(items []Item, reference Batch) []Item {
	position := make(map[int]int, len(reference))
	for i, item := range reference {
		position[item.RowIndex] = i
	}
	out := make([]Item, 0, len(items))
	placed := make([]*Item, len(reference))
	var extra []Item
	for i := range items {
		if pos, ok := position[items[i].RowIndex]; ok && placed[pos] == nil {
			placed[pos] = &items[i]
			continue
		}
		extra = append(extra, items[i])
	}
	for _, item := range placed {
		if item != nil {
			out = append(out, *item)
		}
	}
	return append(out, extra...)
}
