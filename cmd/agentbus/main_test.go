package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMsToDuration(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, msToDuration(500))
	assert.Equal(t, time.Duration(0), msToDuration(0))
	assert.Equal(t, 2*time.Second, msToDuration(2000))
}

func TestNewRootCmd_RegistersServeAndMigrate(t *testing.T) {
	root := newRootCmd()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}

	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
}
