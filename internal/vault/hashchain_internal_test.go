package vault

import (
	"testing"

	"PerpVault/internal/event"
	"PerpVault/internal/ledger"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
)

func TestChainHash_FieldBoundaries(t *testing.T) {
	journal := func(token, from, to ledger.Address) []ledger.Journal {
		return []ledger.Journal{{Token: token, From: from, To: to, Amount: *uint256.NewInt(1)}}
	}

	a := chainHash("", 1, nil, journal("0xab", "c", "d"))
	b := chainHash("", 1, nil, journal("0xa", "bc", "d"))
	c := chainHash("", 1, nil, journal("0xa", "b", "cd"))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, b, c)

	// a payload must not absorb the next event's bytes
	ev := func(payloads ...string) []*event.Envelope {
		var out []*event.Envelope
		for _, p := range payloads {
			out = append(out, &event.Envelope{EventType: 1, Payload: []byte(p)})
		}
		return out
	}
	assert.NotEqual(t, chainHash("", 1, ev("{}{}"), nil), chainHash("", 1, ev("{}", "{}"), nil))

	assert.Equal(t, a, chainHash("", 1, nil, journal("0xab", "c", "d")))
}
