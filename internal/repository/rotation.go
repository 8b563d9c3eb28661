package repository

// Rotation is the repeat-expanded response order of a stub plus its cursor.
// Its JSON form is shared with the filesystem meta.json.
type Rotation struct {
	OrderWithRepeats []int `json:"orderWithRepeats"`
	NextIndex        int   `json:"nextIndex"`
}

// Append adds responseIndex to the rotation repeat times
func (r *Rotation) Append(responseIndex, repeat int) {
	if repeat <= 0 {
		repeat = 1
	}
	for i := 0; i < repeat; i++ {
		r.OrderWithRepeats = append(r.OrderWithRepeats, responseIndex)
	}
}

// Next returns the current response index and advances the cursor. ok is
// false when the rotation is empty.
func (r *Rotation) Next() (responseIndex int, ok bool) {
	if len(r.OrderWithRepeats) == 0 {
		return 0, false
	}
	position := r.NextIndex % len(r.OrderWithRepeats)
	if position < 0 {
		position = 0
	}
	r.NextIndex = (position + 1) % len(r.OrderWithRepeats)
	return r.OrderWithRepeats[position], true
}
