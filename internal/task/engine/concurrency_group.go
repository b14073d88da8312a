package engine

import "strings"

// keyGroups counts running tasks per key so one key cannot take every
// worker. It is only touched under the run mutex.
type keyGroups struct {
	limit   int
	running map[string]int
}

func newKeyGroups(limit int) *keyGroups {
	return &keyGroups{limit: limit, running: map[string]int{}}
}

func groupKey(key, name string) string {
	k := strings.TrimSpace(key)
	if k == "" {
		k = strings.TrimSpace(name)
	}
	return k
}

func (g *keyGroups) hasRoom(key string) bool {
	if g.limit <= 0 || key == "" {
		return true
	}
	return g.running[key] < g.limit
}

func (g *keyGroups) acquire(key string) {
	if key != "" {
		g.running[key]++
	}
}

func (g *keyGroups) release(key string) {
	if key == "" {
		return
	}
	if g.running[key] <= 1 {
		delete(g.running, key)
		return
	}
	g.running[key]--
}
