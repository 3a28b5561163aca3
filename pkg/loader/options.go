package loader

import (
	"github.com/oklog/ulid/v2"

	"github.com/grafana/prelink/pkg/reloc"
	"github.com/grafana/prelink/pkg/symtab"
)

type loadOptions struct {
	id           ulid.ULID
	name         string
	resolver     reloc.Resolver
	exports      []string
	filter       func(*symtab.Symbol) bool
	userSections []string
	noRegistry   bool
}

type Option func(*loadOptions)

// WithName labels the image in logs, errors and the LoadedImage.
func WithName(name string) Option {
	return func(o *loadOptions) {
		o.name = name
	}
}

// WithID sets the owner identity of the image instead of a fresh ULID.
func WithID(id ulid.ULID) Option {
	return func(o *loadOptions) {
		o.id = id
	}
}

// WithResolver is consulted for undefined symbols before the export
// registry.
func WithResolver(r reloc.Resolver) Option {
	return func(o *loadOptions) {
		o.resolver = r
	}
}

// WithExports names symbols the image must export. In kernel module mode
// these are the only exports and a missing one fails the load. In VDSO mode
// they are exported in addition to the symbols of user visible sections.
func WithExports(names ...string) Option {
	return func(o *loadOptions) {
		o.exports = append(o.exports, names...)
	}
}

// WithExportFilter exports every global definition the filter accepts.
func WithExportFilter(filter func(*symtab.Symbol) bool) Option {
	return func(o *loadOptions) {
		o.filter = filter
	}
}

// WithUserVisible overrides Config.UserSections for one load.
func WithUserVisible(sections ...string) Option {
	return func(o *loadOptions) {
		o.userSections = sections
	}
}

// WithoutRegistry stops undefined symbols from falling back to the export
// registry. Only the WithResolver resolver is consulted, so its refusal is
// final.
func WithoutRegistry() Option {
	return func(o *loadOptions) {
		o.noRegistry = true
	}
}
