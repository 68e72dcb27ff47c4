// Package prompt handles the instructions given to an assistant before it
// works with anonymized Canvas data.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Generator returns the custom prompt when one is configured and the
// built-in one otherwise.
type Generator struct {
	label      string
	customPath string
}

// NewGenerator creates a prompt generator. label is the pseudonym prefix,
// customPath may be empty.
func NewGenerator(label, customPath string) *Generator {
	return &Generator{label: label, customPath: customPath}
}

// Generate returns the prompt content (custom or default)
func (g *Generator) Generate() (string, error) {
	if g.customPath == "" {
		return Default(g.label), nil
	}
	b, err := os.ReadFile(g.customPath)
	if err != nil {
		return "", fmt.Errorf("prompt: read %s: %w", g.customPath, err)
	}
	content := strings.TrimSpace(string(b))
	if content == "" {
		return "", fmt.Errorf("prompt: %s is empty", g.customPath)
	}
	return content + "\n", nil
}

// GenerateWithFallback logs a broken custom prompt and returns the default.
func (g *Generator) GenerateWithFallback(log zerolog.Logger) string {
	p, err := g.Generate()
	if err != nil {
		log.Warn().Err(err).Msg("using default prompt instead")
		return Default(g.label)
	}
	return p
}
