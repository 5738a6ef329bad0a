package fingerprint

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// MaskPattern is a single variable-token masking rule.
type MaskPattern struct {
	Name        string `yaml:"name"`
	Regex       string `yaml:"regex"`
	Placeholder string `yaml:"placeholder"`
	Description string `yaml:"description"`
}

// MaskConfig is the masking pattern configuration file.
type MaskConfig struct {
	Patterns []MaskPattern `yaml:"patterns"`
}

// CompiledPattern is a masking rule with compiled regex.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Placeholder string
}

// LoadPatterns loads masking patterns from a YAML file.
func LoadPatterns(filepath string) ([]CompiledPattern, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("reading patterns file: %w", err)
	}

	var config MaskConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing patterns YAML: %w", err)
	}

	compiled := make([]CompiledPattern, 0, len(config.Patterns))
	for _, p := range config.Patterns {
		regex, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %s: %w", p.Name, err)
		}
		compiled = append(compiled, CompiledPattern{
			Name:        p.Name,
			Regex:       regex,
			Placeholder: p.Placeholder,
		})
	}

	return compiled, nil
}

// DefaultPatterns returns the built-in masking rules, applied in order.
// Masking is deliberately conservative: only tokens that vary between
// occurrences of the same failure (timestamps, ids, addresses, literal
// values) are replaced. Exception types and frame symbols are handled
// separately and never pass through these rules.
func DefaultPatterns() []CompiledPattern {
	return []CompiledPattern{
		{
			Name:        "timestamp",
			Regex:       regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`),
			Placeholder: "<TS>",
		},
		{
			Name:        "uuid",
			Regex:       regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`),
			Placeholder: "<UUID>",
		},
		{
			Name:        "quoted_single",
			Regex:       regexp.MustCompile(`'[^']*'`),
			Placeholder: "<STR>",
		},
		{
			Name:        "quoted_double",
			Regex:       regexp.MustCompile(`"[^"]*"`),
			Placeholder: "<STR>",
		},
		{
			Name:        "hex_address",
			Regex:       regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`),
			Placeholder: "<ADDR>",
		},
		{
			Name:        "hex",
			Regex:       regexp.MustCompile(`\b[0-9a-f]{8,}\b`),
			Placeholder: "<HEX>",
		},
		{
			Name:        "number",
			Regex:       regexp.MustCompile(`\b\d+(?:\.\d+)?\b`),
			Placeholder: "<NUM>",
		},
	}
}
