// Package weather is the Enrichment Interfaces (C5) weather facade: a
// narrow, provider-agnostic fetch of current conditions for a detection's
// location and time. Enrichment is best-effort -- callers treat any error
// here as "leave the weather fields null", never as a reason to fail a
// detection write.
package weather

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/corvidio/sentinel/internal/httpclient"
)

// Conditions is the subset of weather data a Detection carries.
type Conditions struct {
	Temperature   float64
	Condition     string
	WindSpeed     float64
	CloudCover    float64
	Precipitation float64
	ObservedAt    time.Time
}

// Service fetches current conditions for a location.
type Service interface {
	CurrentConditions(ctx context.Context, lat, lon float64) (Conditions, error)
}

// NewService dispatches on provider (yrno, openweather, wunderground). An
// unrecognized or empty provider name is a configuration error since the
// caller asked for enrichment it cannot get.
func NewService(provider, apiKey string, client *httpclient.Client) (Service, error) {
	if client == nil {
		client = httpclient.New(nil)
	}
	switch provider {
	case "yrno":
		return &yrNoProvider{client: client}, nil
	case "openweather":
		if apiKey == "" {
			return nil, apperr.Newf("openweather provider requires an api key").Component("weather").AsKind(apperr.KindInvalidInput).Build()
		}
		return &openWeatherProvider{client: client, apiKey: apiKey}, nil
	case "wunderground":
		if apiKey == "" {
			return nil, apperr.Newf("wunderground provider requires an api key").Component("weather").AsKind(apperr.KindInvalidInput).Build()
		}
		return &wundergroundProvider{client: client, apiKey: apiKey}, nil
	default:
		return nil, apperr.Newf("unknown weather provider %q", provider).Component("weather").AsKind(apperr.KindInvalidInput).Build()
	}
}

// FahrenheitToCelsius converts degrees Fahrenheit to Celsius.
func FahrenheitToCelsius(f float64) float64 { return (f - 32) * 5 / 9 }

// KelvinToCelsius converts Kelvin to Celsius.
func KelvinToCelsius(k float64) float64 { return k - 273.15 }

const absoluteZeroCelsius = -273.15

// validateConditions rejects physically impossible readings so a malformed
// upstream response never silently corrupts a Detection row; a weather
// fetch failing this check is handled like any other enrichment failure
// (fields left null), not as a pipeline error.
func validateConditions(c Conditions) error {
	if c.Temperature < absoluteZeroCelsius-0.01 {
		return fmt.Errorf("temperature %.2f is below absolute zero", c.Temperature)
	}
	if c.WindSpeed < 0 {
		return fmt.Errorf("wind speed %.2f is negative", c.WindSpeed)
	}
	if c.CloudCover < 0 || c.CloudCover > 100 {
		return fmt.Errorf("cloud cover %.2f out of range [0,100]", c.CloudCover)
	}
	if c.Precipitation < 0 {
		return fmt.Errorf("precipitation %.2f is negative", c.Precipitation)
	}
	return nil
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
