// Package config loads typed configuration structs from environment
// variables using caarlos0/env tags, with optional .env support for local
// development.
//
// Example:
//
//	type ServerConfig struct {
//		Addr string `env:"HTTP_ADDR" envDefault:":8080"`
//	}
//
//	var cfg ServerConfig
//	config.MustLoad(&cfg)
package config
