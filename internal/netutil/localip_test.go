package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalIPIsIPv4(t *testing.T) {
	ip := net.ParseIP(LocalIP())
	if assert.NotNil(t, ip) {
		assert.NotNil(t, ip.To4())
	}
}
