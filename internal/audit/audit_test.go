package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/your-org/lte-mme/internal/esm"
)

func TestResultString(t *testing.T) {
	assert.Equal(t, "success", resultString(esm.Success))
	assert.Equal(t, "discarded", resultString(esm.Discarded))
	assert.Equal(t, "failure", resultString(esm.Failure))
}

func TestDefaultConfig_HasTable(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "attach_events", cfg.Table)
	assert.NotEmpty(t, cfg.Addresses)
}
