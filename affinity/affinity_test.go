package affinity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPin(t *testing.T) {
	unpin, err := Pin(0)
	if !Supported() {
		assert.Error(t, err)
		return
	}
	// containers may forbid CPU 0
	if err == nil {
		unpin()
	}
}
