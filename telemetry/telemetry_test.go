package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"slotshare/config"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	tel, err := Setup(context.Background(), config.OTelConfig{ServiceName: "slotshare"})
	require.NoError(t, err)
	assert.Nil(t, tel)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewLogger_Levels(t *testing.T) {
	dev := NewLogger(&config.Config{Env: config.EnvDevelopment, OTel: config.OTelConfig{ServiceName: "slotshare"}})
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel), "development logs debug")

	prod := NewLogger(&config.Config{Env: config.EnvProduction, OTel: config.OTelConfig{ServiceName: "slotshare"}})
	assert.False(t, prod.Core().Enabled(zapcore.DebugLevel), "production drops debug")
	assert.True(t, prod.Core().Enabled(zapcore.InfoLevel))
}
