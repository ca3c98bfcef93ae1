// Package config loads component configuration from the environment.
package config
