package config

import "sync"

// ResetForTest forgets the cached Load result so a test can point
// THREEMODELS_CONFIG_PATH somewhere else and load again.
func ResetForTest() {
	cache.once = sync.Once{}
	cache.cfg, cache.err = nil, nil
}
