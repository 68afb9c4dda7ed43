package policy

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
)

const day = 24 * time.Hour

// Store is the read-only view of the circulation policy.
type Store interface {
	Policy(ctx context.Context) (model.Policy, error)
}

type Config struct {
	MaxLoanDays        int    `yaml:"maxLoanDays" envconfig:"POLICY_MAX_LOAN_DAYS" default:"14"`
	MaxReservationDays int    `yaml:"maxReservationDays" envconfig:"POLICY_MAX_RESERVATION_DAYS" default:"7"`
	MaxReservations    int    `yaml:"maxReservations" envconfig:"POLICY_MAX_RESERVATIONS" default:"5"`
	MaxRenewals        int    `yaml:"maxRenewals" envconfig:"POLICY_MAX_RENEWALS" default:"2"`
	File               string `yaml:"-" envconfig:"POLICY_FILE"`
}

func (c Config) validate() error {
	switch {
	case c.MaxLoanDays <= 0:
		return errors.New("maxLoanDays must be positive")
	case c.MaxReservationDays <= 0:
		return errors.New("maxReservationDays must be positive")
	case c.MaxReservations <= 0:
		return errors.New("maxReservations must be positive")
	case c.MaxRenewals < 0:
		return errors.New("maxRenewals must not be negative")
	}
	return nil
}

func (c Config) policy() model.Policy {
	return model.Policy{
		MaxLoanDuration:        time.Duration(c.MaxLoanDays) * day,
		MaxReservationDuration: time.Duration(c.MaxReservationDays) * day,
		MaxReservationsPerUser: c.MaxReservations,
		MaxRenewals:            c.MaxRenewals,
	}
}

type Static struct {
	mu     sync.RWMutex
	policy model.Policy
}

// NewStore builds the policy from cfg, overlaid by cfg.File when set.
func NewStore(cfg Config) (*Static, error) {
	if cfg.File != "" {
		var err error
		if cfg, err = LoadFile(cfg.File, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "policy")
	}
	return &Static{policy: cfg.policy()}, nil
}

// LoadFile overlays the keys present in the YAML file onto base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, errors.Wrap(err, "read policy file")
	}
	if err = yaml.Unmarshal(data, &base); err != nil {
		return base, errors.Wrap(err, "parse policy file")
	}
	return base, nil
}

func (s *Static) Policy(_ context.Context) (model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy, nil
}

// Set replaces the policy, used by policy administration and tests.
func (s *Static) Set(p model.Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}
