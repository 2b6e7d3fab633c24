package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nyxloma/signalmesh/internal/apperrors"
	"github.com/stretchr/testify/assert"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
schemaVersion: 1
namespace: messages
postgres:
  dsn: "postgres://localhost/test"
  schema: "app"
`)

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "messages", cfg.Namespace)
	assert.Equal(t, "app", cfg.Postgres.Schema)
}

func TestLoad_SchemaVersionMismatch(t *testing.T) {
	path := writeTempConfig(t, `
schemaVersion: 99
namespace: messages
`)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Equal(t, apperrors.ValidationFailed, apperrors.KindOf(err))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
	assert.Equal(t, apperrors.ValidationFailed, apperrors.KindOf(err))
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "not: [valid: yaml")

	_, err := Load(path)
	assert.Error(t, err)
	assert.Equal(t, apperrors.ValidationFailed, apperrors.KindOf(err))
}
