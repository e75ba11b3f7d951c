package redisstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitGroups(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitGroups(" a, ,b,"))
	assert.Nil(t, SplitGroups(""))
}
