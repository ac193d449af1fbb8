package llm

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
)

// Provider adapts one vendor's chat API to Request and Response.
type Provider interface {
	// Name is the identifier endpoints select the provider by.
	Name() string

	// BuildURL returns the chat endpoint. An empty base uses the provider default.
	BuildURL(baseURL string) string

	SetHeaders(req *http.Request)

	// BuildRequestBody encodes one non-streaming request. A nil temperature
	// and zero maxTokens leave the server defaults in place.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	ParseResponse(body []byte, model string) (*Response, error)
}

var providers = struct {
	sync.RWMutex
	byName map[string]Provider
}{byName: make(map[string]Provider)}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterProvider makes p selectable by name. It is meant to be called from
// init and panics if the name is already taken.
func RegisterProvider(p Provider) {
	key := providerKey(p.Name())
	providers.Lock()
	defer providers.Unlock()
	if _, dup := providers.byName[key]; dup {
		panic(fmt.Sprintf("llm: provider %q registered twice", key))
	}
	providers.byName[key] = p
}

// GetProvider returns the provider registered under name, ignoring case, or nil.
func GetProvider(name string) Provider {
	providers.RLock()
	defer providers.RUnlock()
	return providers.byName[providerKey(name)]
}

// ListProviders returns the registered provider names, sorted.
func ListProviders() []string {
	providers.RLock()
	defer providers.RUnlock()
	return slices.Sorted(maps.Keys(providers.byName))
}
