package log_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/ringvault/ringvault/pkg/log"
)

type mockLogger struct {
	mock.Mock
}

func (m *mockLogger) Debugf(f string, v ...interface{}) {
	m.Called(f, v)
}

func TestDebugfRoutesThroughInstalledLogger(t *testing.T) {
	assert.False(t, log.DebugEnabled())

	l := new(mockLogger)
	log.SetLogger(l)
	assert.True(t, log.DebugEnabled())

	l.On("Debugf", "hello %s", []interface{}{"world"}).Return().Once()
	log.Debugf("hello %s", "world")
	l.AssertExpectations(t)

	log.SetLogger(nil)
	assert.False(t, log.DebugEnabled())
}
