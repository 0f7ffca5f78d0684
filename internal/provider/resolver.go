package provider

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/link-assistant/agent/internal/agenterr"
	"github.com/link-assistant/agent/internal/catalog"
	"github.com/link-assistant/agent/internal/config"
	"github.com/link-assistant/agent/internal/credentials"
	"github.com/link-assistant/agent/internal/installer"
	"github.com/link-assistant/agent/internal/llm"
	"github.com/link-assistant/agent/internal/provider/sdk"
)

// providerPriority is the fixed preference order for default-model choice
// and short-name disambiguation.
var providerPriority = []string{"anthropic", "openai", "google", "openrouter"}

// modelPriority scores default-model candidates; earlier substrings win.
var modelPriority = []string{
	"claude-sonnet-4",
	"claude",
	"gpt-5",
	"gpt-4",
	"gemini-2.5-pro",
	"gemini",
}

// Resolver builds and serves the provider table.
type Resolver struct {
	Catalog   *catalog.Store
	Auth      *credentials.Store
	Config    *config.Config
	Installer *installer.Installer
	// Client carries the retry transport; every SDK handle uses it.
	Client *http.Client
	DryRun bool
	// Loaders are the pass-3 hooks. Tests replace them.
	Loaders []loader

	mu        sync.Mutex
	providers map[string]*Provider
	order     []string
	aliases   map[string]string // providerID + "\x00" + alias → realID
	handles   map[string]llm.LanguageModel
	built     bool
}

func NewResolver(cat *catalog.Store, auth *credentials.Store, cfg *config.Config) *Resolver {
	return &Resolver{
		Catalog:   cat,
		Auth:      auth,
		Config:    cfg,
		Client:    http.DefaultClient,
		Loaders:   loaders,
		providers: map[string]*Provider{},
		aliases:   map[string]string{},
		handles:   map[string]llm.LanguageModel{},
	}
}

// Build runs the four resolution passes. It is idempotent; later calls
// return the table built at first use.
func (r *Resolver) Build(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.built {
		return nil
	}
	cat, err := r.Catalog.Get(ctx)
	if err != nil {
		return err
	}
	disabled := r.disabledSet()

	// Pass 1: environment variables. The first non-empty recognized
	// variable wins.
	for id, cp := range cat {
		if disabled[id] {
			continue
		}
		for _, env := range cp.Env {
			if v := os.Getenv(env); v != "" {
				r.registerLocked(id, cp, SourceEnv, Options{APIKey: v})
				break
			}
		}
	}

	// Pass 2: stored credentials.
	if r.Auth != nil {
		records, err := r.Auth.All()
		if err != nil {
			return err
		}
		for id, rec := range records {
			cp, inCatalog := cat[id]
			if disabled[id] || !inCatalog {
				continue
			}
			opts := Options{APIKey: rec.Key}
			if rec.Type == credentials.TypeOAuth && !rec.Expired() {
				opts = Options{APIKey: rec.Access, OAuth: true}
			}
			if opts.APIKey == "" {
				continue
			}
			r.registerLocked(id, cp, SourceAPI, opts)
		}
	}

	// Pass 3: custom loaders. Autoload registers even when the earlier
	// passes found nothing.
	for _, loader := range r.Loaders {
		res, ok := loader.load()
		if !ok || disabled[loader.providerID] {
			continue
		}
		cp, inCatalog := cat[loader.providerID]
		if !inCatalog {
			continue
		}
		if _, registered := r.providers[loader.providerID]; registered || res.Autoload {
			r.registerLocked(loader.providerID, cp, SourceCustom, res.Options)
		}
	}

	// Pass 4: user config merges verbatim and may define providers and
	// models the catalog does not know.
	for id, pc := range r.Config.Providers {
		if disabled[id] || pc.Disabled {
			continue
		}
		opts := Options{APIKey: pc.APIKey, BaseURL: pc.BaseURL}
		if cp, inCatalog := cat[id]; inCatalog {
			r.registerLocked(id, cp, SourceConfig, opts)
		} else {
			r.registerLocked(id, catalog.Provider{ID: id, Name: id}, SourceCustom, opts)
		}
		p := r.providers[id]
		if pc.NPM != "" {
			p.NPM = pc.NPM
		}
		for mid, mc := range pc.Models {
			p.Models[mid] = catalog.Model{
				ID:   mid,
				Name: mc.Name,
				Cost: catalog.Cost{Input: mc.CostInput, Output: mc.CostOutput},
				Limit: catalog.Limit{
					Context: mc.ContextLimit,
					Output:  mc.OutputLimit,
				},
				ToolCall:  mc.ToolCall,
				Reasoning: mc.Reasoning,
			}
		}
	}

	r.built = true
	return nil
}

func (r *Resolver) disabledSet() map[string]bool {
	out := map[string]bool{}
	for _, id := range r.Config.DisabledProviders {
		out[id] = true
	}
	return out
}

// registerLocked adds or merges a provider. Registration never removes a
// provider added by an earlier pass; options merge over it.
func (r *Resolver) registerLocked(id string, cp catalog.Provider, src Source, opts Options) {
	p, ok := r.providers[id]
	if !ok {
		p = &Provider{
			ID:      id,
			Name:    cp.Name,
			NPM:     cp.NPM,
			Env:     cp.Env,
			Source:  src,
			Options: Options{BaseURL: cp.API},
			Models:  map[string]catalog.Model{},
		}
		for mid, m := range cp.Models {
			if m.Experimental && !r.Config.ExperimentalModels {
				continue
			}
			p.Models[mid] = m
			if m.RealID != "" && m.RealID != mid {
				r.aliases[id+"\x00"+mid] = m.RealID
			}
		}
		r.providers[id] = p
		r.order = append(r.order, id)
	}
	p.Options.merge(opts)
}

// List enumerates registered providers without secrets, in registration
// order.
func (r *Resolver) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id].info())
	}
	return out
}

// ListRemoteModels queries a provider's live model listing endpoint.
// Anthropic and Gemini expose no OpenAI-compatible listing; everything
// else goes through the official OpenAI client against the provider's
// base URL.
func (r *Resolver) ListRemoteModels(ctx context.Context, providerID string) ([]string, error) {
	r.mu.Lock()
	p, ok := r.providers[providerID]
	r.mu.Unlock()
	if !ok {
		return nil, agenterr.New(agenterr.KindProviderNotFound,
			"provider %q is not configured", providerID)
	}
	switch providerID {
	case "anthropic", "google":
		return nil, agenterr.New(agenterr.KindConfigInvalid,
			"provider %q has no OpenAI-compatible model listing", providerID)
	}
	if p.Options.APIKey == "" {
		return nil, agenterr.New(agenterr.KindProviderNotFound,
			"provider %q holds no credentials", providerID)
	}
	return sdk.ListModels(ctx, sdk.Config{
		ProviderID: providerID,
		APIKey:     p.Options.APIKey,
		BaseURL:    p.Options.BaseURL,
		Client:     r.Client,
	})
}

// OAuth reports whether a provider is authenticated with an OAuth token.
// The prompt layer needs this for the vendor identity header.
func (r *Resolver) OAuth(providerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[providerID]
	return ok && p.Options.OAuth
}

// ResolveShortName matches a bare model id against every registered
// provider. With several matches, providers offering the model for free
// win when no matching provider holds credentials; otherwise the fixed
// priority order decides.
func (r *Resolver) ResolveShortName(modelID string) (providerID, realID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type match struct {
		providerID string
		realID     string
		free       bool
		hasCreds   bool
	}
	var matches []match
	for _, id := range r.order {
		p := r.providers[id]
		rid := modelID
		if real, aliased := r.aliases[id+"\x00"+modelID]; aliased {
			rid = real
		}
		m, found := p.Models[rid]
		if !found {
			m, found = p.Models[modelID]
			if found {
				rid = modelID
			}
		}
		if !found {
			continue
		}
		matches = append(matches, match{
			providerID: id,
			realID:     rid,
			free:       m.Cost.Free(),
			hasCreds:   p.Options.APIKey != "",
		})
	}
	if len(matches) == 0 {
		return "", "", false
	}
	if len(matches) == 1 {
		return matches[0].providerID, matches[0].realID, true
	}

	anyCreds := false
	for _, m := range matches {
		if m.hasCreds {
			anyCreds = true
		}
	}
	if !anyCreds {
		for _, m := range matches {
			if m.free {
				return m.providerID, m.realID, true
			}
		}
	}
	sort.SliceStable(matches, func(a, b int) bool {
		return priorityRank(matches[a].providerID) < priorityRank(matches[b].providerID)
	})
	return matches[0].providerID, matches[0].realID, true
}

func priorityRank(providerID string) int {
	for n, id := range providerPriority {
		if id == providerID {
			return n
		}
	}
	return len(providerPriority)
}

// GetModel returns a cached model handle plus its catalog record. An
// unknown model triggers one on-demand catalog refresh before failing
// with the provider's available models as a hint.
func (r *Resolver) GetModel(ctx context.Context, providerID, modelID string) (llm.LanguageModel, catalog.Model, error) {
	r.mu.Lock()
	p, ok := r.providers[providerID]
	r.mu.Unlock()
	if !ok {
		return nil, catalog.Model{}, agenterr.New(agenterr.KindProviderNotFound,
			"provider %q is not configured", providerID)
	}

	realID, rec, found := r.lookupModel(p, modelID)
	if !found {
		if r.Catalog.Refresh(ctx) {
			r.refreshProviderModels(ctx, p)
			realID, rec, found = r.lookupModel(p, modelID)
		}
	}
	if !found {
		err := agenterr.New(agenterr.KindModelNotFound,
			"model %q not found in provider %q", modelID, providerID)
		err.Hint = r.modelHints(p, modelID)
		return nil, catalog.Model{}, err
	}

	key := handleKey(p, realID)
	r.mu.Lock()
	if handle, cached := r.handles[key]; cached {
		r.mu.Unlock()
		return handle, rec, nil
	}
	r.mu.Unlock()

	// The SDK package is installed before first use; cache hits above
	// never reach this point.
	if p.NPM != "" && r.Installer != nil {
		if _, err := r.Installer.Install(ctx, p.NPM, "latest"); err != nil {
			return nil, catalog.Model{}, agenterr.Wrap(agenterr.KindProviderInitFailed, err,
				"install sdk for provider %q", providerID)
		}
	}

	handle, err := sdk.New(sdk.Config{
		ProviderID: providerID,
		ModelID:    realID,
		APIKey:     p.Options.APIKey,
		BaseURL:    p.Options.BaseURL,
		Headers:    p.Options.Headers,
		OAuth:      p.Options.OAuth,
		Client:     r.Client,
		DryRun:     r.DryRun,
	})
	if err != nil {
		return nil, catalog.Model{}, agenterr.Wrap(agenterr.KindProviderInitFailed, err,
			"initialize provider %q", providerID)
	}

	r.mu.Lock()
	r.handles[key] = handle
	r.mu.Unlock()
	return handle, rec, nil
}

// lookupModel resolves an alias and finds the model record under lock.
func (r *Resolver) lookupModel(p *Provider, modelID string) (string, catalog.Model, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	realID := modelID
	if real, ok := r.aliases[p.ID+"\x00"+modelID]; ok {
		realID = real
	}
	rec, found := p.Models[realID]
	return realID, rec, found
}

func (r *Resolver) refreshProviderModels(ctx context.Context, p *Provider) {
	cat, err := r.Catalog.Get(ctx)
	if err != nil {
		return
	}
	cp, ok := cat[p.ID]
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for mid, m := range cp.Models {
		if m.Experimental && !r.Config.ExperimentalModels {
			continue
		}
		if _, exists := p.Models[mid]; !exists {
			p.Models[mid] = m
			if m.RealID != "" && m.RealID != mid {
				r.aliases[p.ID+"\x00"+mid] = m.RealID
			}
		}
	}
}

// modelHints fuzzy-ranks the provider's models against the requested id.
func (r *Resolver) modelHints(p *Provider, modelID string) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(p.Models))
	for id := range p.Models {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	ranked := fuzzy.Find(modelID, ids)
	if len(ranked) == 0 {
		if len(ids) > 10 {
			ids = ids[:10]
		}
		return ids
	}
	out := make([]string, 0, len(ranked))
	for n, m := range ranked {
		if n == 10 {
			break
		}
		out = append(out, m.Str)
	}
	return out
}

// DefaultModel picks the model to use when the user specified none:
// config first, then the priority provider list with substring scoring.
func (r *Resolver) DefaultModel() (providerID, modelID string, ok bool) {
	if ref := r.Config.Model; ref != "" {
		if pid, mid, found := strings.Cut(ref, "/"); found {
			return pid, mid, true
		}
		if pid, mid, found := r.ResolveShortName(ref); found {
			return pid, mid, true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	candidates := append([]string{}, providerPriority...)
	for _, id := range r.order {
		if priorityRank(id) == len(providerPriority) {
			candidates = append(candidates, id)
		}
	}
	for _, id := range candidates {
		p, registered := r.providers[id]
		if !registered || len(p.Models) == 0 {
			continue
		}
		if mid := bestModel(p.Models); mid != "" {
			return id, mid, true
		}
	}
	return "", "", false
}

func bestModel(models map[string]catalog.Model) string {
	bestScore := -1
	best := ""
	ids := make([]string, 0, len(models))
	for id := range models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m := models[id]
		if m.Deprecated {
			continue
		}
		score := 0
		for n, sub := range modelPriority {
			if strings.Contains(id, sub) {
				score = len(modelPriority) - n
				break
			}
		}
		if score > bestScore {
			bestScore = score
			best = id
		}
	}
	return best
}
