package filesystem

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// nameGenerator creates sortable, collision free file names of the form
// {epochMillis}-{pid}-{counter} without taking a directory lock
type nameGenerator struct {
	pid     int
	counter atomic.Uint64
	now     func() time.Time
}

func newNameGenerator() *nameGenerator {
	return &nameGenerator{pid: os.Getpid(), now: time.Now}
}

func (g *nameGenerator) next() string {
	return fmt.Sprintf("%d-%d-%d", g.now().UnixMilli(), g.pid, g.counter.Add(1))
}

// parseName splits a generated name into its numeric parts
func parseName(name string) ([3]uint64, bool) {
	var parts [3]uint64
	fields := strings.Split(strings.TrimSuffix(name, ".json"), "-")
	if len(fields) != 3 {
		return parts, false
	}
	for i, field := range fields {
		value, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return parts, false
		}
		parts[i] = value
	}
	return parts, true
}

// sortNames orders generated names by epoch, then pid, then counter. Names
// that were not generated sort after them, lexically.
func sortNames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		left, leftOK := parseName(names[i])
		right, rightOK := parseName(names[j])
		switch {
		case leftOK && rightOK:
			for k := range left {
				if left[k] != right[k] {
					return left[k] < right[k]
				}
			}
			return false
		case leftOK != rightOK:
			return leftOK
		default:
			return names[i] < names[j]
		}
	})
}
