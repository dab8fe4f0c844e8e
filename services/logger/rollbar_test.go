package logsvc

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/escudos/core"
	"github.com/trezcool/escudos/core/user"
)

func TestRollbarLogger(t *testing.T) {
	var buf bytes.Buffer
	conf := core.NewTestConfig()
	logger := NewRollbarLogger(&buf, conf)

	usr := user.User{ID: "u-1", Name: "Ana", Email: "ana@example.com"}
	logger.Error("sweep failed", errors.New("boom"), usr, map[string]interface{}{"expired": 3})

	out := buf.String()
	assert.Contains(t, out, "sweep failed")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "user_id=u-1")
	assert.Contains(t, out, "expired=3")
}

func TestRollbarLogger_debugLevel(t *testing.T) {
	var buf bytes.Buffer
	conf := core.NewTestConfig()
	logger := NewRollbarLogger(&buf, conf)
	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	buf.Reset()
	conf.Debug = true
	logger = NewRollbarLogger(&buf, conf)
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}
