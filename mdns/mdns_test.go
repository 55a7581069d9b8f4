package mdns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlcb-go/lccnode/nodeid"
)

// TestIDFromTCPServiceName mirrors test_id_from_tcp_service_name
// exactly.
func TestIDFromTCPServiceName(t *testing.T) {
	_, ok := IDFromTCPServiceName("aaaaa.local.")
	assert.False(t, ok)

	id, ok := IDFromTCPServiceName("bobjacobsen_pythonopenlcb_02015700049C._openlcb-can._tcp.local.")
	require.True(t, ok)
	assert.Equal(t, "02.01.57.00.04.9C", id)

	id, ok = IDFromTCPServiceName("pythonopenlcb_02015700049C._openlcb-can._tcp.local.")
	require.True(t, ok)
	assert.Equal(t, "02.01.57.00.04.9C", id)

	id, ok = IDFromTCPServiceName("02015700049C._openlcb-can._tcp.local.")
	require.True(t, ok)
	assert.Equal(t, "02.01.57.00.04.9C", id)
}

func TestIDFromTCPServiceNameCaseInsensitive(t *testing.T) {
	id, ok := IDFromTCPServiceName("pythonopenlcb_02015700049c._openlcb-can._tcp.local.")
	require.True(t, ok)
	assert.Equal(t, "02.01.57.00.04.9C", id)
}

func TestServiceNameRoundTrips(t *testing.T) {
	local, err := nodeid.FromDottedString("02.01.57.00.04.9C")
	require.NoError(t, err)

	name := ServiceName("pythonopenlcb", local)
	id, ok := IDFromTCPServiceName(name + "." + ServiceType + ".local.")
	require.True(t, ok)
	assert.Equal(t, "02.01.57.00.04.9C", id)
}
