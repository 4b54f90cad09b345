// Package config loads and validates client configuration from YAML.
package config
