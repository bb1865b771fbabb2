package engine

import "visiond/pkg/types"

// Factory maps a variant to a concrete engine instance. The lifecycle
// controller constructs a fresh engine per handle so evicting a handle
// releases every native resource the variant holds.
type Factory func(info types.VariantInfo) Engine

// NewServerFactory builds engines backed by an OpenAI-compatible server,
// using the variant id as the served model name.
func NewServerFactory(cfg ServerConfig) Factory {
	return func(info types.VariantInfo) Engine {
		return NewServer(cfg, string(info.ID))
	}
}

// NewMockFactory builds in-process mock engines; used by tests and the
// bench command.
func NewMockFactory(configure func(info types.VariantInfo, m *Mock)) Factory {
	return func(info types.VariantInfo) Engine {
		m := &Mock{}
		if configure != nil {
			configure(info, m)
		}
		return m
	}
}
