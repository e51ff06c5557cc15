package httpx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderCaseInsensitive(t *testing.T) {
	var h Header
	h.Add("x-foo", "a")
	h.Add("X-Foo", "b")
	assert.Equal(t, "a", h.Get("X-FOO"))
	assert.Equal(t, []string{"a", "b"}, h.Values("x-foo"))

	h.Set("content-type", "text/plain")
	assert.Equal(t, "text/plain", h.Get("Content-Type"))
	h.Del("x-foo")
	assert.Empty(t, h.Get("X-Foo"))
	assert.False(t, h.Has("X-Foo"))
}

func TestHeaderSetKeepsPosition(t *testing.T) {
	h := Header{{"A", "1"}, {"B", "2"}, {"a", "3"}, {"C", "4"}}
	h.Set("a", "x")
	assert.Equal(t, Header{{"A", "x"}, {"B", "2"}, {"C", "4"}}, h)
}

func TestHeaderCloneIsIndependent(t *testing.T) {
	h := Header{{"A", "1"}}
	c := h.Clone()
	c.Set("A", "2")
	assert.Equal(t, "1", h.Get("A"))
	assert.Nil(t, Header(nil).Clone())
}
