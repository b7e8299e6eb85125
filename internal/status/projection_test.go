package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskAccount(t *testing.T) {
	assert.Equal(t, "************9012", maskAccount("4400123456789012"))
	assert.Equal(t, "1234", maskAccount("1234"))
	assert.Equal(t, "99", maskAccount("99"))
	assert.Equal(t, "", maskAccount(""))
}
