package util

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewID_Monotonic(t *testing.T) {
	at := time.Now()
	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		ids = append(ids, NewIDAt(at))
	}

	assert.True(t, sort.StringsAreSorted(ids))
	assert.Len(t, ids[0], 26)
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID(NewID()))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("not-a-ulid"))
}
