// Package config loads and validates application configuration from
// environment variables (prefixed TAILOR_) and an optional config.yaml
// using viper, with struct validation via go-playground/validator.
package config
