// Package config handles configuration loading for gm-gateway.
//
// Configuration is loaded from YAML files with environment variable
// expansion. Lookup order: explicit path, GM_CONFIG, ./config.yaml, then
// built-in defaults. The PORT, BASE_URL, and GM_DB_PATH environment
// variables override file values.
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: ${GM_DB_PATH}
package config
