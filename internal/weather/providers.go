package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/corvidio/sentinel/internal/httpclient"
)

// yrNoProvider talks to the Norwegian Meteorological Institute's Locationforecast
// API. It requires no API key, only a compliant User-Agent, which httpclient
// already sets.
type yrNoProvider struct {
	client *httpclient.Client
}

type yrNoResponse struct {
	Properties struct {
		Timeseries []struct {
			Time string `json:"time"`
			Data struct {
				Instant struct {
					Details struct {
						AirTemperature   float64 `json:"air_temperature"`
						WindSpeed        float64 `json:"wind_speed"`
						CloudAreaFraction float64 `json:"cloud_area_fraction"`
					} `json:"details"`
				} `json:"instant"`
				Next1Hours struct {
					Summary struct {
						SymbolCode string `json:"symbol_code"`
					} `json:"summary"`
					Details struct {
						PrecipitationAmount float64 `json:"precipitation_amount"`
					} `json:"details"`
				} `json:"next_1_hours"`
			} `json:"data"`
		} `json:"timeseries"`
	} `json:"properties"`
}

func (p *yrNoProvider) CurrentConditions(ctx context.Context, lat, lon float64) (Conditions, error) {
	url := fmt.Sprintf("https://api.met.no/weatherapi/locationforecast/2.0/compact?lat=%.4f&lon=%.4f", lat, lon)
	resp, err := p.client.Get(ctx, url)
	if err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	if resp.StatusCode >= 400 {
		return Conditions{}, apperr.Newf("yr.no api error (status %d)", resp.StatusCode).
			Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}

	var parsed yrNoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindInternal).Build()
	}
	if len(parsed.Properties.Timeseries) == 0 {
		return Conditions{}, apperr.Newf("yr.no returned no timeseries data").
			Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}

	entry := parsed.Properties.Timeseries[0]
	observedAt, err := time.Parse(time.RFC3339, entry.Time)
	if err != nil {
		observedAt = time.Now().UTC()
	}
	instant := entry.Data.Instant.Details
	cond := Conditions{
		Temperature:   round2(instant.AirTemperature),
		Condition:     entry.Data.Next1Hours.Summary.SymbolCode,
		WindSpeed:     round2(instant.WindSpeed),
		CloudCover:    round2(instant.CloudAreaFraction),
		Precipitation: round2(entry.Data.Next1Hours.Details.PrecipitationAmount),
		ObservedAt:    observedAt,
	}
	if err := validateConditions(cond); err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	return cond, nil
}

// openWeatherProvider talks to the OpenWeatherMap current-conditions endpoint.
type openWeatherProvider struct {
	client *httpclient.Client
	apiKey string
}

type openWeatherResponse struct {
	Weather []struct {
		Main string `json:"main"`
	} `json:"weather"`
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
	Rain struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
	Dt int64 `json:"dt"`
}

func (p *openWeatherProvider) CurrentConditions(ctx context.Context, lat, lon float64) (Conditions, error) {
	url := fmt.Sprintf("https://api.openweathermap.org/data/2.5/weather?lat=%.4f&lon=%.4f&units=metric&appid=%s", lat, lon, p.apiKey)
	resp, err := p.client.Get(ctx, url)
	if err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	if resp.StatusCode >= 400 {
		return Conditions{}, apperr.Newf("openweather api error (status %d)", resp.StatusCode).
			Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}

	var parsed openWeatherResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindInternal).Build()
	}

	condition := ""
	if len(parsed.Weather) > 0 {
		condition = parsed.Weather[0].Main
	}
	cond := Conditions{
		// units=metric already returns Celsius; no conversion needed here.
		Temperature:   round2(parsed.Main.Temp),
		Condition:     condition,
		WindSpeed:     round2(parsed.Wind.Speed),
		CloudCover:    round2(parsed.Clouds.All),
		Precipitation: round2(parsed.Rain.OneHour),
		ObservedAt:    time.Unix(parsed.Dt, 0).UTC(),
	}
	if err := validateConditions(cond); err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	return cond, nil
}

// wundergroundProvider talks to the Weather Underground PWS current-conditions
// endpoint. WU reports temperature in Fahrenheit and wind in mph regardless of
// requested units when using the metric-agnostic "e" fields, so this provider
// converts explicitly rather than trusting a units query param.
type wundergroundProvider struct {
	client *httpclient.Client
	apiKey string
}

type wundergroundResponse struct {
	Observations []struct {
		Humidity int64 `json:"humidity"`
		Imperial struct {
			TempF     float64 `json:"temp"`
			WindSpeed float64 `json:"windSpeed"`
			PrecipRate float64 `json:"precipRate"`
		} `json:"imperial"`
		Clouds int64  `json:"-"`
		ObsTimeUtc string `json:"obsTimeUtc"`
	} `json:"observations"`
}

func (p *wundergroundProvider) CurrentConditions(ctx context.Context, lat, lon float64) (Conditions, error) {
	url := fmt.Sprintf("https://api.weather.com/v2/pws/observations/current?geocode=%.4f,%.4f&format=json&units=e&apiKey=%s", lat, lon, p.apiKey)
	resp, err := p.client.Get(ctx, url)
	if err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	if resp.StatusCode >= 400 {
		return Conditions{}, apperr.Newf("wunderground api error (status %d)", resp.StatusCode).
			Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}

	var parsed wundergroundResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindInternal).Build()
	}
	if len(parsed.Observations) == 0 {
		return Conditions{}, apperr.Newf("wunderground returned no observations").
			Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}

	obs := parsed.Observations[0]
	observedAt, err := time.Parse(time.RFC3339, obs.ObsTimeUtc)
	if err != nil {
		observedAt = time.Now().UTC()
	}
	cond := Conditions{
		Temperature:   round2(FahrenheitToCelsius(obs.Imperial.TempF)),
		Condition:     "",
		WindSpeed:     round2(obs.Imperial.WindSpeed * 1.60934), // mph -> km/h
		CloudCover:    0,
		Precipitation: round2(obs.Imperial.PrecipRate * 25.4), // in -> mm
		ObservedAt:    observedAt,
	}
	if err := validateConditions(cond); err != nil {
		return Conditions{}, apperr.New(err).Component("weather").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	return cond, nil
}
