package main

import (
	"bytes"

	"gopkg.in/yaml.v3"

	"github.com/quilldata/quill/internal/config"
)

// renderConfigTemplate produces an annotated YAML config carrying the
// defaults, suitable as a starting point for deployments.
func renderConfigTemplate() ([]byte, error) {
	defaults := config.DefaultConfig()

	doc := map[string]interface{}{
		"backend": map[string]interface{}{
			"dsn":            "postgres://quill@localhost:5432/quill",
			"schema_version": defaults.Backend.SchemaVersion,
		},
		"compiler": map[string]interface{}{
			"addr": defaults.Compiler.Addr,
		},
		"server": map[string]interface{}{
			"listen_addr":      defaults.Server.ListenAddr,
			"max_connections":  defaults.Server.MaxConnections,
			"dev_mode":         defaults.Server.DevMode,
			"query_cache":      defaults.Server.QueryCache,
			"query_cache_size": defaults.Server.QueryCacheSize,
			"users":            map[string]string{},
		},
		"api": map[string]interface{}{
			"enabled":     defaults.API.Enabled,
			"listen_addr": defaults.API.ListenAddr,
		},
		"log": map[string]interface{}{
			"level":  defaults.Log.Level,
			"format": defaults.Log.Format,
		},
	}

	var buf bytes.Buffer
	buf.WriteString("# quilld configuration\n")
	buf.WriteString("# Environment variables override file values (QUILL_SERVER_LISTEN_ADDR, ...).\n\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
