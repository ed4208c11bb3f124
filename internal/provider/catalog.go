package provider

// Settings are per-provider overrides from configuration.
type Settings struct {
	Binary       string
	Models       []string
	DefaultModel string
}

// Info is a provider row as reported to clients.
type Info struct {
	*Provider
	ResolvedBinary string `json:"resolvedBinary" yaml:"resolvedBinary"`
	Available      bool   `json:"available" yaml:"available"`
}

// Catalog is the provider table with configuration applied.
type Catalog struct {
	settings map[ID]Settings
	local    LocalEndpoint
	resolver *Resolver
}

// NewCatalog applies settings and the local endpoint to the built-in table.
func NewCatalog(settings map[ID]Settings, local LocalEndpoint) *Catalog {
	overrides := make(map[ID]string, len(settings))
	for id, s := range settings {
		overrides[id] = s.Binary
	}
	return &Catalog{settings: settings, local: local, resolver: NewResolver(overrides)}
}

// Get returns the configured provider for id.
func (c *Catalog) Get(id ID) (*Provider, error) {
	p, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	s := c.settings[id]
	if len(s.Models) > 0 {
		p.Models = p.Models[:0]
		for _, m := range s.Models {
			p.Models = append(p.Models, Model{ID: m, Name: m})
		}
	}
	if s.DefaultModel != "" {
		p.DefaultModel = s.DefaultModel
	}
	if id == Local && c.local.Model != "" && p.DefaultModel == "" {
		p.DefaultModel = c.local.Model
	}
	if id == Local && len(p.Models) == 0 && p.DefaultModel != "" {
		p.Models = []Model{{ID: p.DefaultModel, Name: p.DefaultModel}}
	}
	return p, nil
}

// List returns every configured provider with its resolution state.
func (c *Catalog) List() []Info {
	var out []Info
	for _, id := range IDs() {
		p, _ := c.Get(id)
		out = append(out, Info{Provider: p, ResolvedBinary: c.resolver.Binary(p), Available: c.resolver.Available(p)})
	}
	return out
}

// Binary resolves p's executable.
func (c *Catalog) Binary(p *Provider) string {
	return c.resolver.Binary(p)
}

// SpawnEnv is the spawn-time environment for p.
func (c *Catalog) SpawnEnv(p *Provider) map[string]string {
	return p.SpawnEnv(c.local)
}

// Prepare fills in the binary and the default model on params.
func (c *Catalog) Prepare(p *Provider, params Params) Params {
	if params.Binary == "" {
		params.Binary = c.Binary(p)
	}
	if params.Model == "" {
		params.Model = p.DefaultModel
	}
	return params
}

// InstallCommand returns the shell command that installs p.
func (c *Catalog) InstallCommand(id ID) (string, error) {
	p, err := c.Get(id)
	if err != nil {
		return "", err
	}
	return p.InstallCommand, nil
}

// Refresh drops cached binary lookups.
func (c *Catalog) Refresh() {
	c.resolver.Forget()
}
