package util

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericCodes_Generate(t *testing.T) {
	for _, n := range []int{0, 4, 6, 8} {
		code, err := NumericCodes{Length: n}.Generate()
		require.NoError(t, err)

		want := n
		if want == 0 {
			want = 6
		}
		assert.Len(t, code, want)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9', "non digit in %q", code)
		}
	}
}

func TestNewIDAt_IsSortable(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		ids = append(ids, NewIDAt(at))
	}
	assert.True(t, sort.StringsAreSorted(ids))
	assert.Len(t, NewID(), 26)
}

func TestClockFunc(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var c Clock = ClockFunc(func() time.Time { return at })
	assert.Equal(t, at, c.Now())
	assert.Equal(t, time.UTC, SystemClock{}.Now().Location())
}
