package distribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextLock_OnePerContextAgent(t *testing.T) {
	a := &Allocator{}

	org := a.contextLock("org")
	assert.Same(t, org, a.contextLock("org"))
	assert.NotSame(t, org, a.contextLock("coop"))
}
