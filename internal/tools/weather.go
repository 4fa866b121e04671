package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Daggahh/flow3.chat/internal/httputil"
	"github.com/Daggahh/flow3.chat/internal/provider"
)

const defaultWeatherBaseURL = "https://api.open-meteo.com"

type weatherArgs struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
}

type weatherTool struct {
	client  *http.Client
	baseURL string
}

func newWeatherTool(client *http.Client, baseURL string) *weatherTool {
	if baseURL == "" {
		baseURL = defaultWeatherBaseURL
	}
	return &weatherTool{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (t *weatherTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        GetWeather,
		Description: "Get the current weather at a location",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"latitude":  map[string]any{"type": "number"},
				"longitude": map[string]any{"type": "number"},
			},
			"required": []string{"latitude", "longitude"},
		},
	}
}

// Execute returns the Open-Meteo forecast payload unchanged.
func (t *weatherTool) Execute(ctx context.Context, env Env, args json.RawMessage) (any, error) {
	var in weatherArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(*in.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(*in.Longitude, 'f', -1, 64))
	q.Set("current", "temperature_2m")
	q.Set("hourly", "temperature_2m")
	q.Set("daily", "sunrise,sunset")
	q.Set("timezone", "auto")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v1/forecast?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather service returned %d: %s", resp.StatusCode, httputil.ReadErrorBody(resp))
	}

	var forecast json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&forecast); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}
	return forecast, nil
}
