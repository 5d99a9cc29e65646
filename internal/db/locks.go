package db

import (
	"strconv"
	"strings"
	"sync"
)

// keyedMutex hands out one mutex per key and forgets keys nobody holds
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns its unlock func
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// lockKey joins key parts into a map key
func lockKey(table string, userID int64, parts ...string) string {
	return table + "\x00" + strconv.FormatInt(userID, 10) + "\x00" + strings.Join(parts, "\x00")
}

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
