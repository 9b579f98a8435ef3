// Package config loads typed configuration from environment variables.
//
// It wraps github.com/joho/godotenv (optional .env file) and
// github.com/caarlos0/env/v11 (struct tag parsing). Every config type is
// parsed once and cached for the lifetime of the process; structs that
// implement Validator are validated right after parsing.
//
// Payment provider credentials are deliberately absent from environment
// configuration: they are runtime data managed by the gateway package.
package config
