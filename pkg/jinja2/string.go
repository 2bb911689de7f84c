package jinja2

import (
	"fmt"
	"sync"
)

var (
	defaultEnvOnce sync.Once
	defaultEnv     *Environment
)

// Default returns a shared environment with the default configuration
// and the loop controls extension.
func Default() *Environment {
	defaultEnvOnce.Do(func() {
		defaultEnv = MustNew(Config{Extensions: []*Extension{LoopControls()}})
	})
	return defaultEnv
}

// TemplateString is template source embedded in configuration, such as a
// field of a YAML document.
type TemplateString string

func (t TemplateString) Validate() error {
	if _, err := Default().Parse(string(t), ""); err != nil {
		return fmt.Errorf("invalid jinja template: %w", err)
	}
	return nil
}

func (t TemplateString) Render(data any) (string, error) {
	tmpl, err := Default().FromString(string(t))
	if err != nil {
		return "", fmt.Errorf("parsing jinja template: %w", err)
	}
	return tmpl.Render(data)
}
