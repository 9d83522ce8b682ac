package validation

// ValidMCPMethods is the whitelist of methods the message handler
// recognizes. Anything else is rejected with ErrCodeMethodNotFound,
// including MCP methods that exist in the wider protocol but have no
// handler on this proxy (resources/read, prompts/get, sampling, roots,
// and so on).
var ValidMCPMethods = map[string]bool{
	"initialize":                true,
	"notifications/initialized": true,
	"tools/list":                true,
	"tools/call":                true,
	"resources/list":            true,
	"prompts/list":              true,
	"ping":                      true,
}

// IsValidMCPMethod returns true if the method is a valid MCP method.
// MCP method names are case-sensitive.
func IsValidMCPMethod(method string) bool {
	return ValidMCPMethods[method]
}
