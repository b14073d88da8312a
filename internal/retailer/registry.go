package retailer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gputracker/internal/domain"
)

var ErrUnknownRetailer = errors.New("unknown retailer kind")

// Kind builds the extractor of one site and carries its pacing defaults.
type Kind struct {
	New    func(r domain.Retailer) (Extractor, error)
	Policy Policy
}

var (
	kindsMu sync.RWMutex
	kinds   = map[string]Kind{}
)

// Register adds or replaces a site kind.
func Register(name string, k Kind) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || k.New == nil {
		panic("retailer: invalid registration")
	}
	kindsMu.Lock()
	kinds[name] = k
	kindsMu.Unlock()
}

func lookup(name string) (Kind, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	k, ok := kinds[name]
	return k, ok
}

// Known reports whether name is a registered kind.
func Known(name string) bool {
	_, ok := lookup(strings.ToLower(strings.TrimSpace(name)))
	return ok
}

// Kinds lists registered kinds, sorted.
func Kinds() []string {
	kindsMu.RLock()
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	kindsMu.RUnlock()
	sort.Strings(out)
	return out
}

// KindOf resolves the kind of r: Kind when set, otherwise the name
// lowercased with spaces removed ("Best Buy" -> "bestbuy").
func KindOf(r domain.Retailer) string {
	if k := strings.ToLower(strings.TrimSpace(r.Kind)); k != "" {
		return k
	}
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(r.Name), " ", ""))
}

func init() {
	Register("bestbuy", Kind{
		New: func(r domain.Retailer) (Extractor, error) { return NewBestBuy(r.Selectors), nil },
		Policy: Policy{
			MinDelay:   2 * time.Second,
			MaxDelay:   5 * time.Second,
			MinSpacing: 3 * time.Second,
			NavTimeout: DefaultNavTimeout,
			RetryMax:   1,
			RetryDelay: 3 * time.Second,
			Backoff:    2,
		},
	})
	Register("amazon", Kind{
		New: func(r domain.Retailer) (Extractor, error) { return NewAmazon(r.Selectors), nil },
		Policy: Policy{
			MinDelay:   5 * time.Second,
			MaxDelay:   10 * time.Second,
			MinSpacing: 10 * time.Second,
			NavTimeout: DefaultNavTimeout,
			RetryMax:   1,
			RetryDelay: 5 * time.Second,
			Backoff:    2,
		},
	})
	Register("generic", Kind{
		New: func(r domain.Retailer) (Extractor, error) {
			g, err := NewGeneric(r.Selectors)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", r.Name, err)
			}
			return g, nil
		},
		Policy: DefaultPolicy(),
	})
}
