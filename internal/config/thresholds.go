package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Thresholds tunes the detector and aggregator. Transit modes differ, so
// these come from a YAML file rather than constants.
type Thresholds struct {
	Bunching BunchingThresholds `yaml:"bunching"`
	Stalled  StalledThresholds  `yaml:"stalled"`
	Speed    SpeedThresholds    `yaml:"speed"`
	Headway  HeadwayThresholds  `yaml:"headway"`

	// ScheduledHeadways maps route id to the published headway in minutes
	ScheduledHeadways map[string]float64 `yaml:"scheduled_headways" validate:"dive,keys,required,endkeys,gt=0"`
}

type BunchingThresholds struct {
	DistanceKm float64 `yaml:"distance_km" validate:"gt=0"`
}

type StalledThresholds struct {
	Cycles        int     `yaml:"cycles" validate:"gte=2,lte=20"`
	EpsilonMeters float64 `yaml:"epsilon_meters" validate:"gte=0"`
}

// SpeedLimits are in the feed's own speed unit (m/s for MBTA)
type SpeedLimits struct {
	Min         float64 `yaml:"min"`
	Max         float64 `yaml:"max" validate:"gtfield=Min"`
	UnusualLow  float64 `yaml:"unusual_low" validate:"gtefield=Min"`
	UnusualHigh float64 `yaml:"unusual_high" validate:"gtefield=UnusualLow,ltefield=Max"`
}

type SpeedThresholds struct {
	Default SpeedLimits            `yaml:"default"`
	Routes  map[string]SpeedLimits `yaml:"routes" validate:"dive"`
}

// For returns the limits for a route, falling back to the default
func (s SpeedThresholds) For(routeID string) SpeedLimits {
	if limits, ok := s.Routes[routeID]; ok {
		return limits
	}
	return s.Default
}

type HeadwayThresholds struct {
	CeilingMinutes float64 `yaml:"ceiling_minutes" validate:"gt=0"`
}

// DefaultThresholds returns the built-in thresholds
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		Bunching: BunchingThresholds{DistanceKm: 0.5},
		Stalled:  StalledThresholds{Cycles: 3, EpsilonMeters: 10},
		Speed: SpeedThresholds{
			Default: SpeedLimits{Min: 0, Max: 45, UnusualLow: 0.3, UnusualHigh: 27},
		},
		Headway: HeadwayThresholds{CeilingMinutes: 120},
	}
}

// LoadThresholds reads a thresholds file over the defaults. An empty path
// returns the defaults.
func LoadThresholds(path string) (*Thresholds, error) {
	t := DefaultThresholds()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read thresholds file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds file %s: %w", path, err)
	}
	if err := validator.New().Struct(t); err != nil {
		return nil, fmt.Errorf("invalid thresholds in %s: %w", path, err)
	}
	return t, nil
}
