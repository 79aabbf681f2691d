package contentserver

import (
	"fmt"
	"testing"

	"cascache/common"

	"github.com/stretchr/testify/assert"
)

func TestGateAdmissionCap(t *testing.T) {
	gate := NewPushGate(3)

	hashes := make([]common.ContentHash, 4)
	for i := range hashes {
		hashes[i] = common.HashContent([]byte(fmt.Sprintf("content-%d", i)))
	}

	for i := 0; i < 3; i++ {
		ok, reason := gate.TryAdmit(hashes[i])
		assert.True(t, ok)
		assert.Equal(t, common.RejectionNone, reason)
	}

	ok, reason := gate.TryAdmit(hashes[3])
	assert.False(t, ok, "the cap applies regardless of hash")
	assert.Equal(t, common.RejectionTooManyPushes, reason)

	gate.Release(hashes[0])
	ok, _ = gate.TryAdmit(hashes[3])
	assert.True(t, ok, "a released slot is available again")
	assert.Equal(t, 3, gate.Ongoing())
}

func TestGateDeduplicatesByHash(t *testing.T) {
	gate := NewPushGate(10)
	hash := common.HashContent([]byte("dup"))

	ok, _ := gate.TryAdmit(hash)
	assert.True(t, ok)
	assert.True(t, gate.IsOngoing(hash))

	ok, reason := gate.TryAdmit(hash)
	assert.False(t, ok)
	assert.Equal(t, common.RejectionOngoingPush, reason)

	gate.Release(hash)
	assert.False(t, gate.IsOngoing(hash))
	ok, _ = gate.TryAdmit(hash)
	assert.True(t, ok, "the hash is admittable again once the push ends")
}

func TestGateReleaseUnknownHashIsNoop(t *testing.T) {
	gate := NewPushGate(2)
	gate.Release(common.HashContent([]byte("never admitted")))
	assert.Zero(t, gate.Ongoing())
}
