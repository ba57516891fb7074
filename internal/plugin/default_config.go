package plugin

import (
	"encoding/json"

	"averagerule/internal/average"
	"averagerule/internal/rule"
)

// ConfigItem is one entry of a configuration category descriptor.
type ConfigItem struct {
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Default     string   `json:"default"`
	DisplayName string   `json:"displayName,omitempty"`
	Order       string   `json:"order,omitempty"`
	Options     []string `json:"options,omitempty"`
	Readonly    string   `json:"readonly,omitempty"`
}

const description = "Trigger if the current value deviates from the moving average by more than a defined percentage"

// DefaultCategory returns the configuration descriptor advertised to the host.
func DefaultCategory() map[string]ConfigItem {
	return map[string]ConfigItem{
		"description": {
			Description: description,
			Type:        "string",
			Default:     Name,
			Readonly:    "true",
		},
		"plugin": {
			Description: description,
			Type:        "string",
			Default:     Name,
			Readonly:    "true",
		},
		"asset": {
			Description: "Asset to monitor",
			Type:        "string",
			Default:     "",
			DisplayName: "Asset",
			Order:       "1",
		},
		"deviation": {
			Description: "Allowed percentage deviation from average",
			Type:        "integer",
			Default:     "10",
			DisplayName: "Deviation %",
			Order:       "2",
		},
		"direction": {
			Description: "Trigger on direction of deviation",
			Type:        "enumeration",
			Options:     []string{rule.AboveName, rule.BelowName, rule.BothName},
			Default:     rule.BothName,
			DisplayName: "Direction",
			Order:       "3",
		},
		"averageType": {
			Description: "The type of average to calculate",
			Type:        "enumeration",
			Options:     []string{average.SimpleName, average.ExponentialName},
			Default:     average.SimpleName,
			DisplayName: "Average",
			Order:       "4",
		},
		"factor": {
			Description: "Exponential moving average factor",
			Type:        "integer",
			Default:     "10",
			DisplayName: "EMA Factor",
			Order:       "5",
		},
	}
}

// DefaultConfig returns DefaultCategory as JSON.
func DefaultConfig() json.RawMessage {
	data, _ := json.Marshal(DefaultCategory())
	return data
}
