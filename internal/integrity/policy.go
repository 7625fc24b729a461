package integrity

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy holds the detector's scan window and resource bounds. Signal
// weights and confidences are not part of the policy; they are fixed where
// each signal is emitted.
type Policy struct {
	LookbackDays      int           `yaml:"lookback_days"`
	MaxConversations  int           `yaml:"max_conversations"`
	ProximityDays     int           `yaml:"proximity_days"`
	MinThreadMessages int           `yaml:"min_thread_messages"`
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	FanoutWorkers     int           `yaml:"fanout_workers"`
}

// DefaultPolicy returns the production detection policy.
func DefaultPolicy() Policy {
	return Policy{
		LookbackDays:      60,
		MaxConversations:  30,
		ProximityDays:     14,
		MinThreadMessages: 2,
		ScanTimeout:       5 * time.Second,
		ReadTimeout:       2 * time.Second,
		FanoutWorkers:     8,
	}
}

// Lookback is the conversation scan window.
func (p Policy) Lookback() time.Duration {
	return time.Duration(p.LookbackDays) * 24 * time.Hour
}

// Validate rejects policies that would disable or unbound the scan.
func (p Policy) Validate() error {
	switch {
	case p.LookbackDays <= 0:
		return fmt.Errorf("lookback_days must be positive")
	case p.MaxConversations <= 0:
		return fmt.Errorf("max_conversations must be positive")
	case p.ProximityDays < 0:
		return fmt.Errorf("proximity_days must not be negative")
	case p.MinThreadMessages <= 0:
		return fmt.Errorf("min_thread_messages must be positive")
	case p.ScanTimeout <= 0 || p.ReadTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	case p.FanoutWorkers <= 0:
		return fmt.Errorf("fanout_workers must be positive")
	}
	return nil
}

// LoadPolicy overlays the YAML file at path onto base. Keys missing from the
// file keep base's values. An empty path returns base unchanged.
func LoadPolicy(path string, base Policy) (Policy, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return base, fmt.Errorf("read policy file: %w", err)
	}
	p := base
	if err := yaml.Unmarshal(data, &p); err != nil {
		return base, fmt.Errorf("parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return base, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return p, nil
}
