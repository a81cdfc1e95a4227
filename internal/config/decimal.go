package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal decodes YAML scalars into an exact decimal and remembers whether the
// key was present, so an explicit "0" is not replaced by a default.
type Decimal struct {
	decimal.Decimal
	present bool
}

func NewDecimal(d decimal.Decimal) Decimal {
	return Decimal{Decimal: d, present: true}
}

func mustDecimal(v string) Decimal {
	return NewDecimal(decimal.RequireFromString(v))
}

func (d Decimal) set() bool { return d.present }

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal must be a scalar")
	}
	if value.Value == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", value.Value, err)
	}
	d.Decimal = dec
	d.present = true
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
