// Package config provides centralized configuration management for the
// ChatLink daemon, covering the realtime transport, session pipeline, staged
// recovery parameters, outbox queue backends, and the local message archive.
package config
