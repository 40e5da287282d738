package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mme.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
nf:
  instance_id: mme-test
plmn:
  mcc: "001"
  mnc: "01"
  mme_group_id: 1
  mme_code: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mme-test", cfg.NF.InstanceID)
	assert.Equal(t, uint8(2), cfg.PLMN.MMECode)
	// Defaults survive fields the file didn't set.
	assert.Equal(t, 8080, cfg.SBI.Port)
	assert.True(t, cfg.HSS.Deterministic)
	assert.NotEmpty(t, cfg.Security.IntegrityAlgorithms)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/mme.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestValidate_RequiresMMECode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PLMN.MMECode = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RequiresHSSURLWhenNotDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HSS.Deterministic = false
	cfg.HSS.URL = ""
	assert.Error(t, cfg.Validate())

	cfg.HSS.URL = "http://hss.example"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RequiresAuditDSNWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.DSN = ""
	assert.Error(t, cfg.Validate())
}

func TestBindAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SBI.BindAddress = "127.0.0.1"
	cfg.SBI.Port = 9999
	assert.Equal(t, "127.0.0.1:9999", cfg.BindAddress())
}
