package core

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"contoso.com/enterprise-chat-agent/internal/store"
	"contoso.com/enterprise-chat-agent/internal/tools"
)

const (
	DefaultLocation = "Seattle"

	// TipExpression is the fixed calculation run for any tip or percent request.
	// The amount and rate are not read from the message.
	TipExpression = "85 * 0.15"
)

var (
	calculateKeywords = []string{"calculate", "tip", "%", "percent"}

	weatherSource = store.Source{
		Title:   "Weather Service API",
		URL:     "https://api.weather.example.com",
		Snippet: "Real-time weather data",
	}
)

// Invocation is one tool call a planner wants made.
type Invocation struct {
	Tool      string
	Arguments map[string]any
}

type Reply struct {
	Content string
	Sources []store.Source
}

// Planner decides which tools answer a message and turns their results into a reply.
type Planner interface {
	Plan(content string) []Invocation
	Compose(content string, calls []store.ToolCall) Reply
}

// KeywordPlanner selects tools by substring matches on the lowercased message.
type KeywordPlanner struct{}

var _ Planner = KeywordPlanner{}

func (p KeywordPlanner) Plan(content string) []Invocation {
	lower := strings.ToLower(content)

	var plan []Invocation
	if strings.Contains(lower, "weather") {
		plan = append(plan, Invocation{
			Tool:      tools.WeatherToolName,
			Arguments: map[string]any{"location": p.extractLocation(lower)},
		})
	}
	if containsAny(lower, calculateKeywords) {
		plan = append(plan, Invocation{
			Tool:      tools.CalculateToolName,
			Arguments: map[string]any{"expression": TipExpression},
		})
	}
	return plan
}

// extractLocation takes the word after the last "in ", e.g. "weather in boston?"
// gives "Boston".
func (p KeywordPlanner) extractLocation(lower string) string {
	i := strings.LastIndex(lower, "in ")
	if i < 0 {
		return DefaultLocation
	}
	fields := strings.Fields(lower[i+len("in "):])
	if len(fields) == 0 {
		return DefaultLocation
	}
	word := strings.TrimFunc(fields[0], func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	if word == "" {
		return DefaultLocation
	}
	// Casers keep state, so each call gets its own.
	return cases.Title(language.English).String(word)
}

func (p KeywordPlanner) Compose(content string, calls []store.ToolCall) Reply {
	var sb strings.Builder
	for _, call := range calls {
		if call.Error != "" {
			continue
		}
		switch call.Tool {
		case tools.WeatherToolName:
			var report tools.WeatherReport
			if err := mapstructure.Decode(call.Result, &report); err != nil {
				continue
			}
			location, _ := call.Arguments["location"].(string)
			fmt.Fprintf(&sb, "The weather in %s is %d°F with %s. ", location, report.Temp, report.Condition)
		case tools.CalculateToolName:
			result, ok := call.Result.(float64)
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "A 15%% tip on $85 is $%.2f.", result)
		}
	}

	reply := Reply{Content: strings.TrimSpace(sb.String())}
	if reply.Content == "" {
		reply.Content = fmt.Sprintf("I received your message: '%s'. How can I help you further?", content)
	}
	if strings.Contains(strings.ToLower(content), "weather") {
		reply.Sources = []store.Source{weatherSource}
	}
	return reply
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
