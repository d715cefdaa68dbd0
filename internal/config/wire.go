package config

import "github.com/cargobay/cargobay/internal/model"

// RegistryDescriptors converts the configured registries into the form the
// upstream client consumes.
func (c *Config) RegistryDescriptors() []model.RegistryDescriptor {
	out := make([]model.RegistryDescriptor, 0, len(c.Registries))
	for _, r := range c.Registries {
		d := model.RegistryDescriptor{ID: r.ID, BaseURL: r.URL}
		if r.Auth != nil {
			d.Username = r.Auth.Username
			d.Password = r.Auth.Password
		}
		out = append(out, d)
	}
	return out
}

// RepoMappings converts the configured repositories into the form the
// resolver consumes.
func (c *Config) RepoMappings() []model.RepoMapping {
	out := make([]model.RepoMapping, 0, len(c.Repositories))
	for _, r := range c.Repositories {
		out = append(out, model.RepoMapping{
			LocalName:    r.Name,
			RegistryID:   r.RegistryID,
			UpstreamName: r.UpstreamName,
		})
	}
	return out
}
