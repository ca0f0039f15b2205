package memo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
)

func TestOrderedHeaders_PreservesDuplicateInsertionOrder(t *testing.T) {
	var h memo.OrderedHeaders
	h = h.Append("x-tag", "one")
	h = h.Append("x-tag", "two")
	h = h.Append("content-type", "text/plain")

	assert.Equal(t, []string{"one", "two"}, h.Values("x-tag"))
	v, ok := h.Get("x-tag")
	assert.True(t, ok)
	assert.Equal(t, "one", v)
}

func TestOrderedHeaders_ReplaceHeaderDropsAllPriorValues(t *testing.T) {
	var h memo.OrderedHeaders
	h = h.Append("lamport-order", "1")
	h = h.Append("lamport-order", "2")
	h = h.ReplaceHeader("lamport-order", "3")

	assert.Equal(t, []string{"3"}, h.Values("lamport-order"))
}

func TestOrderedHeaders_Without(t *testing.T) {
	var h memo.OrderedHeaders
	h = h.Append("author", "did:key:z123")
	h = h.Append("signature", "abc")
	h = h.Append("proof", "bafy123")

	out := h.Without("signature", "proof")
	assert.Equal(t, 1, len(out))
	v, ok := out.Get("author")
	assert.True(t, ok)
	assert.Equal(t, "did:key:z123", v)
}
