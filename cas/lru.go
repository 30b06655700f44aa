package cas

import (
	"container/list"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gear-lang/gear/vm"
)

// LRUCache wraps a CAS and keeps the most recently used decoded programs.
type LRUCache struct {
	mu         sync.Mutex
	underlying CAS
	cache      map[Hash]*list.Element
	evictList  *list.List
	maxSize    int
	hits       int
	misses     int
}

type cacheEntry struct {
	hash    Hash
	program *vm.Program
}

// NewLRUCache creates a cache of at most maxSize programs (0 or negative
// means the default of 64).
func NewLRUCache(underlying CAS, maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &LRUCache{
		underlying: underlying,
		cache:      make(map[Hash]*list.Element),
		evictList:  list.New(),
		maxSize:    maxSize,
	}
}

func (l *LRUCache) Put(data []byte) (Hash, error) {
	return l.underlying.Put(data)
}

func (l *LRUCache) Has(hash Hash) bool {
	return l.underlying.Has(hash)
}

func (l *LRUCache) Get(hash Hash) ([]byte, bool, error) {
	return l.underlying.Get(hash)
}

// Program returns the decoded program for hash, decoding on a miss.
func (l *LRUCache) Program(hash Hash) (*vm.Program, error) {
	l.mu.Lock()
	if elem, ok := l.cache[hash]; ok {
		l.evictList.MoveToFront(elem)
		l.hits++
		p := elem.Value.(*cacheEntry).program
		l.mu.Unlock()
		return p, nil
	}
	l.misses++
	l.mu.Unlock()

	p, err := Retrieve(l.underlying, hash)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Another caller may have decoded it meanwhile; keep the first.
	if elem, ok := l.cache[hash]; ok {
		l.evictList.MoveToFront(elem)
		return elem.Value.(*cacheEntry).program, nil
	}
	l.addToCache(hash, p)
	return p, nil
}

// Load stores an image and returns its decoded program.
func (l *LRUCache) Load(data []byte) (*vm.Program, Hash, error) {
	h, err := l.Put(data)
	if err != nil {
		return nil, 0, err
	}
	p, err := l.Program(h)
	return p, h, err
}

func (l *LRUCache) addToCache(hash Hash, p *vm.Program) {
	elem := l.evictList.PushFront(&cacheEntry{hash: hash, program: p})
	l.cache[hash] = elem
	if l.evictList.Len() > l.maxSize {
		l.evictOldest()
	}
}

func (l *LRUCache) evictOldest() {
	elem := l.evictList.Back()
	if elem != nil {
		l.evictList.Remove(elem)
		entry := elem.Value.(*cacheEntry)
		delete(l.cache, entry.hash)
		log.Trace().Str("hash", entry.hash.String()).Msg("cas: evicted program")
	}
}

type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int
	Misses  int
}

func (l *LRUCache) Stats() CacheStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return CacheStats{
		Size:    len(l.cache),
		MaxSize: l.maxSize,
		Hits:    l.hits,
		Misses:  l.misses,
	}
}
