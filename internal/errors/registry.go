package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// Config errors (W001-W019)

	"W001": {
		Category: CategoryConfig,
		Message:  "Config file not found",
		Detail:   "No wsbridge.json, wsbridge.toml or wsbridge.yaml was found.",
	},
	"W002": {
		Category: CategoryConfig,
		Message:  "Invalid config file",
		Detail:   "The config file could not be read or parsed.",
	},
	"W003": {
		Category: CategoryConfig,
		Message:  "Unsupported config format",
		Detail:   "Config files must end in .json, .toml, .yaml or .yml.",
	},
	"W004": {
		Category: CategoryConfig,
		Message:  "Invalid duration",
		Detail:   `Durations are written as Go durations such as "1s" or "250ms".`,
	},
	"W005": {
		Category: CategoryConfig,
		Message:  "Invalid config value",
	},

	// Server errors (W020-W039)

	"W020": {
		Category: CategoryServer,
		Message:  "No free port",
		Detail:   "Every port in the probe range is in use.",
	},
	"W021": {
		Category: CategoryServer,
		Message:  "Server failed to start",
	},
	"W022": {
		Category: CategoryServer,
		Message:  "Session failed",
		Detail:   "The controller disconnected abnormally and did not reconnect.",
	},

	// CLI errors (W040-W059)

	"W040": {
		Category: CategoryCLI,
		Message:  "Invalid flag value",
	},
	"W041": {
		Category: CategoryCLI,
		Message:  "Static directory not found",
	},
}

// GetAllCodes returns all registered error codes in order.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
