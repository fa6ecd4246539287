package tools

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const WeatherToolName = "get_weather"

var weatherConditions = []string{"sunny", "cloudy", "light rain", "partly cloudy", "overcast"}

type WeatherInput struct {
	Location string `json:"location" jsonschema:"required,description=City or location to get the weather for"`
}

type WeatherReport struct {
	Location  string `json:"location" mapstructure:"location"`
	Temp      int    `json:"temp" mapstructure:"temp"`
	Condition string `json:"condition" mapstructure:"condition"`
	Humidity  int    `json:"humidity" mapstructure:"humidity"`
	Unit      string `json:"unit" mapstructure:"unit"`
}

// Weather produces synthetic current conditions. No external service is called.
type Weather struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewWeather uses src for all randomness; a nil src is seeded randomly.
func NewWeather(src rand.Source) *Weather {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Weather{rnd: rand.New(src)}
}

func (w *Weather) Report(location string) WeatherReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	return WeatherReport{
		Location:  location,
		Temp:      32 + w.rnd.IntN(85-32+1),
		Condition: weatherConditions[w.rnd.IntN(len(weatherConditions))],
		Humidity:  30 + w.rnd.IntN(90-30+1),
		Unit:      "fahrenheit",
	}
}

func (w *Weather) Tool() Tool {
	return NewTool(
		WeatherToolName,
		"Get the current weather for a location.",
		func(ctx context.Context, in WeatherInput) (WeatherReport, error) {
			if strings.TrimSpace(in.Location) == "" {
				return WeatherReport{}, errors.Wrapf(ErrInvalidArguments, "location is required")
			}
			return w.Report(in.Location), nil
		},
	)
}
