package weather

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/corvidio/sentinel/internal/httpclient"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

func TestNewServiceDispatch(t *testing.T) {
	_, err := NewService("yrno", "", nil)
	require.NoError(t, err)

	_, err = NewService("openweather", "", nil)
	require.Error(t, err, "openweather requires an api key")

	_, err = NewService("openweather", "key", nil)
	require.NoError(t, err)

	_, err = NewService("wunderground", "", nil)
	require.Error(t, err, "wunderground requires an api key")

	_, err = NewService("bogus", "", nil)
	require.Error(t, err, "unknown provider must be rejected")
}

func TestFahrenheitToCelsius(t *testing.T) {
	require.InDelta(t, 0, FahrenheitToCelsius(32), 0.01)
	require.InDelta(t, 100, FahrenheitToCelsius(212), 0.01)
}

func TestKelvinToCelsius(t *testing.T) {
	require.InDelta(t, 0, KelvinToCelsius(273.15), 0.01)
	require.InDelta(t, -273.15, KelvinToCelsius(0), 0.01)
}

func TestValidateConditions(t *testing.T) {
	cases := []struct {
		name    string
		cond    Conditions
		wantErr bool
	}{
		{"valid", Conditions{Temperature: 15, WindSpeed: 5, CloudCover: 40, Precipitation: 0}, false},
		{"below absolute zero", Conditions{Temperature: -300}, true},
		{"negative wind", Conditions{WindSpeed: -1}, true},
		{"cloud cover too high", Conditions{CloudCover: 101}, true},
		{"cloud cover negative", Conditions{CloudCover: -1}, true},
		{"negative precipitation", Conditions{Precipitation: -1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateConditions(tc.cond)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestYrNoProviderFetch(t *testing.T) {
	client := httpclient.New(nil)
	httpmock.ActivateNonDefault(client.Underlying())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet, `=~^https://api\.met\.no/weatherapi/locationforecast/2\.0/compact`,
		httpmock.NewJsonResponderOrPanic(200, map[string]any{
			"properties": map[string]any{
				"timeseries": []map[string]any{
					{
						"time": "2026-07-31T12:00:00Z",
						"data": map[string]any{
							"instant": map[string]any{
								"details": map[string]any{
									"air_temperature":     18.5,
									"wind_speed":          3.2,
									"cloud_area_fraction": 55.0,
								},
							},
							"next_1_hours": map[string]any{
								"summary": map[string]any{"symbol_code": "partlycloudy_day"},
								"details": map[string]any{"precipitation_amount": 0.0},
							},
						},
					},
				},
			},
		}))

	svc, err := NewService("yrno", "", client)
	require.NoError(t, err)

	cond, err := svc.CurrentConditions(context.Background(), 59.9, 10.7)
	require.NoError(t, err)
	require.InDelta(t, 18.5, cond.Temperature, 0.01)
	require.Equal(t, "partlycloudy_day", cond.Condition)
	require.WithinDuration(t, time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC), cond.ObservedAt, time.Second)
}
