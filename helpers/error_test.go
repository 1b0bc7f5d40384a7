package helpers

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	assert.Nil(t, FoldErrors(nil))
	assert.Nil(t, FoldErrors([]error{nil, nil}))
	one := errors.New("one")
	assert.Equal(t, one, FoldErrors([]error{nil, one}))
	assert.EqualError(t, FoldErrors([]error{one, nil, errors.New("two")}), "one\ntwo")
}
