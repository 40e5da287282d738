package mmeapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/lte-mme/internal/emm/nas"
)

func TestAllocateGUTI_IncrementsMTMSI(t *testing.T) {
	cfg := Config{PLMN: nas.PLMNID{MCC: "001", MNC: "01"}, MMEGroupID: 1, MMECode: 1}
	api := NewLocalAPI(cfg, nil, zaptest.NewLogger(t))

	first, _, err := api.AllocateGUTI(context.Background(), "imsi", nil, nas.TAI{})
	require.NoError(t, err)
	second, _, err := api.AllocateGUTI(context.Background(), "imsi", nil, nas.TAI{})
	require.NoError(t, err)

	assert.NotEqual(t, first.MTMSI, second.MTMSI)
	assert.Equal(t, cfg.PLMN, first.PLMN)
	assert.Equal(t, cfg.MMECode, first.MMECode)
}

func TestAllocateGUTI_DefaultsTAIListToOriginating(t *testing.T) {
	api := NewLocalAPI(Config{}, nil, zaptest.NewLogger(t))
	tai := nas.TAI{PLMN: nas.PLMNID{MCC: "001", MNC: "01"}, TAC: 7}

	_, taiList, err := api.AllocateGUTI(context.Background(), "imsi", nil, tai)
	require.NoError(t, err)
	assert.Equal(t, []nas.TAI{tai}, taiList)
}

func TestAllocateGUTI_ConfiguredTAIListOverridesOriginating(t *testing.T) {
	configured := []nas.TAI{{TAC: 1}, {TAC: 2}}
	api := NewLocalAPI(Config{TAIList: configured}, nil, zaptest.NewLogger(t))

	_, taiList, err := api.AllocateGUTI(context.Background(), "imsi", nil, nas.TAI{TAC: 99})
	require.NoError(t, err)
	assert.Equal(t, configured, taiList)
}

func TestDuplicatePolicy_String(t *testing.T) {
	assert.Equal(t, "REMOVE_OLD", RemoveOld.String())
	assert.Equal(t, "REMOVE_NEW", RemoveNew.String())
}
