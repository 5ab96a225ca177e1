// Package config loads the Dough agent configuration from a JSON file,
// optional .env files and DOUGH_* environment variables, and validates the
// options the daemon cannot start without.
package config
