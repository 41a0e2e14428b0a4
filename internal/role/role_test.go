package role

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldInitiate_Antisymmetric(t *testing.T) {
	ids := []string{"a", "b", "h", "A", "aa", "10", "9", "user-1", "user-10", "ü", ""}
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			assert.NotEqual(t, ShouldInitiate(a, b), ShouldInitiate(b, a), "pair %q/%q", a, b)
		}
	}
}

func TestShouldInitiate_Examples(t *testing.T) {
	assert.True(t, ShouldInitiate("a", "h"))
	assert.False(t, ShouldInitiate("h", "a"))
	assert.True(t, ShouldInitiate("a", "b"))
	assert.True(t, ShouldInitiate("b", "h"))
	assert.False(t, ShouldInitiate("x", "x"))
}

func TestInitiator(t *testing.T) {
	for i := 0; i < 50; i++ {
		a, b := fmt.Sprintf("peer-%d", i), fmt.Sprintf("peer-%d", 99-i)
		if a == b {
			continue
		}
		assert.Equal(t, Initiator(a, b), Initiator(b, a))
	}
	assert.Equal(t, "a", Initiator("h", "a"))
}
