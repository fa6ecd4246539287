package tools

import "log/slog"

// NewBuiltinRegistry registers get_weather, calculate and search_knowledge_base.
func NewBuiltinRegistry(logger *slog.Logger, weather *Weather, kb *KnowledgeBase) (*Registry, error) {
	return NewRegistry(logger,
		weather.Tool(),
		NewCalculateTool(),
		kb.Tool(),
	)
}
