/*
Package factory builds the engine's immutable configuration from JSON or YAML.

PURPOSE:
  Converts a configuration document into the objects the engine runs on:
  the default commission table, the competence calendar and the pipeline
  timeouts. Nothing here is global; the resulting Config is passed
  explicitly to the pipeline, API and CLI.

JSON SCHEMA:
  {
    "commission": {
      "default_tiers": [
        {"start": 1,  "end": 10, "consultant": "1.288", "manager_solo": "0.35",
         "manager_with_angel": "0.25", "angel": "0.10"},
        {"start": 11, "end": 13, "consultant": "2.374", "manager_solo": "0.50",
         "manager_with_angel": "0.35", "angel": "0.15"},
        {"start": 15, "end": 15, "consultant": "30", "manager_solo": "5",
         "manager_with_angel": "3.5", "angel": "1.5"}
      ]
    },
    "competence": {
      "cutoff_days": {"february": 18, "june": 17, "12": 15},
      "periods": [
        {"start": "2025-12-10", "end": "2026-01-09", "competence_month": "2026-01"}
      ]
    },
    "pipeline": {
      "write_timeout": "10s",
      "recovery_timeout": "60s",
      "recovery_interval": "5m",
      "recovery_startup_delay": "5s"
    }
  }

  The same shape is accepted as YAML. Rates may be quoted or bare numbers.

DEFAULTS:
  - No default_tiers: the built-in table
  - cutoff_days merge over the built-in exceptions (Feb 18, Jun 17)
  - Missing durations: 10s write, 60s recovery, 5m interval, 5s delay

USAGE:
  cfg, err := factory.Load("config.yaml")
  pipeline := settlement.NewPipeline(remote, queue, cfg.PipelineOptions())

SEE ALSO:
  - commission/rate.go: DefaultTable
  - competence/calendar.go: Calendar
  - settlement/pipeline.go: Options
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/competence"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

const (
	DefaultRecoveryInterval     = 5 * time.Minute
	DefaultRecoveryStartupDelay = 5 * time.Second
)

// Format selects the document decoder.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension. Anything that is
// not .yaml or .yml is JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// ConfigJSON is the document form of Config.
type ConfigJSON struct {
	Commission CommissionJSON `json:"commission" yaml:"commission"`
	Competence CompetenceJSON `json:"competence" yaml:"competence"`
	Pipeline   PipelineJSON   `json:"pipeline" yaml:"pipeline"`
}

// CommissionJSON overrides the default rate table.
type CommissionJSON struct {
	DefaultTiers []TierJSON `json:"default_tiers,omitempty" yaml:"default_tiers,omitempty"`
}

// TierJSON is one default tier. Rates are percent of the credit per installment.
type TierJSON struct {
	Start            int    `json:"start" yaml:"start"`
	End              int    `json:"end" yaml:"end"`
	Consultant       Number `json:"consultant" yaml:"consultant"`
	ManagerSolo      Number `json:"manager_solo" yaml:"manager_solo"`
	ManagerWithAngel Number `json:"manager_with_angel" yaml:"manager_with_angel"`
	Angel            Number `json:"angel" yaml:"angel"`
}

// CompetenceJSON configures the cutoff calendar. Month keys are English
// names or numbers 1-12.
type CompetenceJSON struct {
	CutoffDays map[string]int `json:"cutoff_days,omitempty" yaml:"cutoff_days,omitempty"`
	Periods    []PeriodJSON   `json:"periods,omitempty" yaml:"periods,omitempty"`
}

// PeriodJSON is an explicit cutoff period.
type PeriodJSON struct {
	Start           string `json:"start" yaml:"start"`
	End             string `json:"end" yaml:"end"`
	CompetenceMonth string `json:"competence_month" yaml:"competence_month"`
}

// PipelineJSON holds Go duration strings ("10s", "5m").
type PipelineJSON struct {
	WriteTimeout         string `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	RecoveryTimeout      string `json:"recovery_timeout,omitempty" yaml:"recovery_timeout,omitempty"`
	RecoveryInterval     string `json:"recovery_interval,omitempty" yaml:"recovery_interval,omitempty"`
	RecoveryStartupDelay string `json:"recovery_startup_delay,omitempty" yaml:"recovery_startup_delay,omitempty"`
}

// Number is a decimal written either as a string or a bare number.
type Number string

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Number(s)
		return nil
	}
	*n = Number(data)
	return nil
}

func (n Number) rate(field string) (generic.Rate, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(string(n)))
	if err != nil {
		return generic.Rate{}, fmt.Errorf("%w: %s %q is not a number", generic.ErrInvalidConfig, field, string(n))
	}
	if d.IsNegative() {
		return generic.Rate{}, fmt.Errorf("%w: %s is negative", generic.ErrInvalidConfig, field)
	}
	return generic.Rate{Value: d}, nil
}

// =============================================================================
// CONFIG
// =============================================================================

// Config is the validated, immutable engine configuration.
type Config struct {
	Defaults             commission.DefaultTable
	Calculator           *commission.Calculator
	Calendar             *competence.Calendar
	WriteTimeout         time.Duration
	RecoveryTimeout      time.Duration
	RecoveryInterval     time.Duration
	RecoveryStartupDelay time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	defaults := commission.BuiltinDefaults()
	return Config{
		Defaults:             defaults,
		Calculator:           commission.NewCalculator(defaults),
		Calendar:             competence.DefaultCalendar(),
		WriteTimeout:         settlement.DefaultWriteTimeout,
		RecoveryTimeout:      settlement.DefaultRecoveryTimeout,
		RecoveryInterval:     DefaultRecoveryInterval,
		RecoveryStartupDelay: DefaultRecoveryStartupDelay,
	}
}

// PipelineOptions returns pipeline options carrying this configuration.
// Clock, Logger and NewID stay at their defaults.
func (c Config) PipelineOptions() settlement.Options {
	return settlement.Options{
		WriteTimeout:    c.WriteTimeout,
		RecoveryTimeout: c.RecoveryTimeout,
		Calculator:      c.Calculator,
		Resolver:        c.Calendar,
	}
}

// Load reads a configuration file. The format follows the extension.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, FormatFromPath(path))
}

// Parse decodes and validates a configuration document.
func Parse(data []byte, format Format) (Config, error) {
	var doc ConfigJSON
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case FormatJSON, "":
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &doc); err != nil {
				return Config{}, fmt.Errorf("failed to parse config JSON: %w", err)
			}
		}
	default:
		return Config{}, fmt.Errorf("%w: unknown config format %q", generic.ErrInvalidConfig, format)
	}
	return FromJSON(doc)
}

// FromJSON converts a decoded document into a Config.
func FromJSON(doc ConfigJSON) (Config, error) {
	cfg := Default()

	if len(doc.Commission.DefaultTiers) > 0 {
		table, err := buildDefaults(doc.Commission.DefaultTiers)
		if err != nil {
			return Config{}, err
		}
		cfg.Defaults = table
		cfg.Calculator = commission.NewCalculator(table)
	}

	calendar, err := buildCalendar(doc.Competence)
	if err != nil {
		return Config{}, err
	}
	cfg.Calendar = calendar

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"write_timeout", doc.Pipeline.WriteTimeout, &cfg.WriteTimeout},
		{"recovery_timeout", doc.Pipeline.RecoveryTimeout, &cfg.RecoveryTimeout},
		{"recovery_interval", doc.Pipeline.RecoveryInterval, &cfg.RecoveryInterval},
		{"recovery_startup_delay", doc.Pipeline.RecoveryStartupDelay, &cfg.RecoveryStartupDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v < 0 {
			return Config{}, fmt.Errorf("%w: pipeline.%s %q", generic.ErrInvalidConfig, d.field, d.raw)
		}
		*d.dst = v
	}

	return cfg, nil
}

func buildDefaults(tiers []TierJSON) (commission.DefaultTable, error) {
	table := commission.DefaultTable{Tiers: make([]commission.DefaultTier, 0, len(tiers))}
	for i, tj := range tiers {
		tier := commission.DefaultTier{Range: commission.Range{Start: tj.Start, End: tj.End}}
		rates := []struct {
			field string
			raw   Number
			dst   *generic.Rate
		}{
			{"consultant", tj.Consultant, &tier.Consultant},
			{"manager_solo", tj.ManagerSolo, &tier.ManagerSolo},
			{"manager_with_angel", tj.ManagerWithAngel, &tier.ManagerWithAngel},
			{"angel", tj.Angel, &tier.Angel},
		}
		for _, r := range rates {
			if r.raw == "" {
				*r.dst = generic.ZeroRate()
				continue
			}
			v, err := r.raw.rate(fmt.Sprintf("default_tiers[%d].%s", i, r.field))
			if err != nil {
				return commission.DefaultTable{}, err
			}
			*r.dst = v
		}
		table.Tiers = append(table.Tiers, tier)
	}
	if err := table.Validate(); err != nil {
		return commission.DefaultTable{}, err
	}
	return table, nil
}

func buildCalendar(doc CompetenceJSON) (*competence.Calendar, error) {
	cutoffs := competence.DefaultMonthlyCutoffDays()
	for key, day := range doc.CutoffDays {
		month, err := parseMonth(key)
		if err != nil {
			return nil, err
		}
		cutoffs[month] = day
	}

	periods := make([]competence.CutoffPeriod, 0, len(doc.Periods))
	for i, pj := range doc.Periods {
		start, err := generic.ParseDate(pj.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: periods[%d].start: %v", generic.ErrInvalidConfig, i, err)
		}
		end, err := generic.ParseDate(pj.End)
		if err != nil {
			return nil, fmt.Errorf("%w: periods[%d].end: %v", generic.ErrInvalidConfig, i, err)
		}
		month, err := generic.ParseYearMonth(pj.CompetenceMonth)
		if err != nil {
			return nil, fmt.Errorf("%w: periods[%d].competence_month: %v", generic.ErrInvalidConfig, i, err)
		}
		periods = append(periods, competence.CutoffPeriod{Start: start, End: end, CompetenceMonth: month})
	}

	return competence.NewCalendar(periods, cutoffs)
}

func parseMonth(key string) (time.Month, error) {
	key = strings.TrimSpace(strings.ToLower(key))
	if n, err := strconv.Atoi(key); err == nil {
		if n >= 1 && n <= 12 {
			return time.Month(n), nil
		}
	} else {
		for m := time.January; m <= time.December; m++ {
			name := strings.ToLower(m.String())
			if key == name || key == name[:3] {
				return m, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: unknown month %q in cutoff_days", generic.ErrInvalidConfig, key)
}
