package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOK(t *testing.T) {
	r := OK(map[string]interface{}{"watchers": []string{"a", "b"}})
	assert.Equal(t, StatusOK, r.Status)
	assert.Empty(t, r.Reason)
	assert.NotNil(t, r.Data)
}

func TestError(t *testing.T) {
	r := Error("unknown_watcher")
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, "unknown_watcher", r.Reason)
	assert.Nil(t, r.Data)
}
