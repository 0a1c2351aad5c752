package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Lists holds the list-shaped settings that do not fit in environment
// variables: the precache manifest and the request classification rules.
type Lists struct {
	PrecacheAssets []string `mapstructure:"precache"`
	APIPatterns    []string `mapstructure:"api_patterns"`
	StaticPrefixes []string `mapstructure:"static_prefixes"`
}

func DefaultLists() Lists {
	return Lists{
		PrecacheAssets: []string{"/", "/offline.html", "/manifest.json"},
		APIPatterns: []string{
			`^/api/videos`,
			`^/api/creators`,
			`^/api/search`,
		},
		StaticPrefixes: []string{"/static/", "/_next/static/"},
	}
}

// LoadLists reads the YAML file at path. An empty path, or a missing file,
// yields the defaults. Keys can also be overridden with HLSOFFLINE_* variables.
func LoadLists(path string) (Lists, error) {
	lists := DefaultLists()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HLSOFFLINE")
	v.AutomaticEnv()
	v.SetDefault("precache", lists.PrecacheAssets)
	v.SetDefault("api_patterns", lists.APIPatterns)
	v.SetDefault("static_prefixes", lists.StaticPrefixes)

	if path != "" {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return lists, fmt.Errorf("read config file %s: %w", path, err)
			}
		case !errors.Is(statErr, os.ErrNotExist):
			return lists, fmt.Errorf("inspect config file %s: %w", path, statErr)
		}
	}

	if err := v.Unmarshal(&lists); err != nil {
		return lists, fmt.Errorf("parse config file: %w", err)
	}
	return lists, nil
}
