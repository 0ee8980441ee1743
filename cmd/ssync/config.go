// slidingsync - A Matrix sliding sync client state engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

type Config struct {
	Homeserver  string      `yaml:"homeserver"`
	UserID      id.UserID   `yaml:"user_id"`
	DeviceID    id.DeviceID `yaml:"device_id"`
	AccessToken string      `yaml:"access_token"`

	// Database is the SQLite file holding sync state. Default: ssync.db
	Database string `yaml:"database"`

	Sync SyncConfig `yaml:"sync"`

	Logging LoggingConfig `yaml:"logging"`
}

type SyncConfig struct {
	// TimeoutSeconds is the long-poll hold passed to the server, and (plus
	// slack) the client-side round timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// TimelineLimit caps the per-room timeline batch size.
	TimelineLimit int `yaml:"timeline_limit"`
	// RoomCount is the size of the sliding window requested from the server.
	RoomCount int `yaml:"room_count"`
	// KeepHistory enables linked timeline resets instead of full resets.
	KeepHistory bool `yaml:"keep_history"`
}

// Timeout returns the long-poll hold as a duration.
func (c *SyncConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type LoggingConfig struct {
	// Level is the minimum zerolog level ("debug", "info", ...). Reloaded
	// live when the config file changes on disk.
	Level string `yaml:"level"`

	parsedLevel zerolog.Level
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.Homeserver == "" {
		return fmt.Errorf("homeserver is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}
	if c.Database == "" {
		c.Database = "ssync.db"
	}
	if c.Sync.TimeoutSeconds <= 0 {
		c.Sync.TimeoutSeconds = 30
	}
	if c.Sync.TimelineLimit <= 0 {
		c.Sync.TimelineLimit = 20
	}
	if c.Sync.RoomCount <= 0 {
		c.Sync.RoomCount = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	c.Logging.parsedLevel = level
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// watchLogLevel re-reads the config whenever it changes on disk and applies
// the new log level globally. Every other field requires a restart.
func watchLogLevel(path string, log zerolog.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
					continue
				}
				cfg, err := loadConfig(path)
				if err != nil {
					log.Warn().Err(err).Msg("Failed to reload config for log level change")
					continue
				}
				if cfg.Logging.parsedLevel != zerolog.GlobalLevel() {
					zerolog.SetGlobalLevel(cfg.Logging.parsedLevel)
					log.Info().Str("level", cfg.Logging.Level).Msg("Log level changed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return watcher, nil
}
