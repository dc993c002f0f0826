package gate

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/odyssey-erp/opsdash/internal/access"
)

type memoKey struct {
	generation uint64
	super      bool
	role       access.RuleKey
	feature    string
	action     access.Action
}

type memo struct {
	cache *lru.Cache[memoKey, bool]
}

func newMemo(size int) *memo {
	cache, err := lru.New[memoKey, bool](size)
	if err != nil {
		return nil
	}
	return &memo{cache: cache}
}

func (m *memo) get(k memoKey) (bool, bool) {
	return m.cache.Get(k)
}

func (m *memo) add(k memoKey, v bool) {
	m.cache.Add(k, v)
}
