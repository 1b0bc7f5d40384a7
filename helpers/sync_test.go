package helpers

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestOnceError(t *testing.T) {
	t.Parallel()
	var o OnceError
	err, ok := o.Load()
	assert.NoError(t, err)
	assert.False(t, ok)

	first, second := errors.New("first"), errors.New("second")
	_, found := o.StoreOnce(first)
	assert.False(t, found)
	prev, found := o.StoreOnce(second)
	assert.True(t, found)
	assert.Equal(t, first, prev)
	err, ok = o.Load()
	assert.Equal(t, first, err)
	assert.True(t, ok)
}
