package vault

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"

	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
)

const GenesisHashSeed = "PerpVault:genesis:v1"

// GenesisHash is the chain tip before the first committed action.
func GenesisHash() string {
	h := sha256.Sum256([]byte(GenesisHashSeed))
	return hex.EncodeToString(h[:])
}

// chainHash links committed outputs:
//
//	hash[N] = SHA-256(hash[N-1] || sequence || event payloads || journals)
//
// Variable-length fields are length-prefixed so distinct outputs never
// share a hash input. Event ids are random and excluded, so replaying the
// same actions from the same snapshot reproduces the chain.
func chainHash(prev string, sequence int64, envs []*event.Envelope, journals []ledger.Journal) string {
	if prev == "" {
		prev = GenesisHash()
	}
	h := sha256.New()
	h.Write([]byte(prev))

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(sequence))
	h.Write(buf[:])

	binary.LittleEndian.PutUint32(buf[:4], uint32(len(envs)))
	h.Write(buf[:4])
	for _, e := range envs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(e.EventType))
		h.Write(buf[:4])
		writeField(h, e.Payload)
	}
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(journals)))
	h.Write(buf[:4])
	for _, j := range journals {
		writeField(h, []byte(j.Token))
		writeField(h, []byte(j.From))
		writeField(h, []byte(j.To))
		b := j.Amount.Bytes32()
		h.Write(b[:])
		h.Write([]byte{byte(j.JournalType)})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, b []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	w.Write(n[:])
	w.Write(b)
}

// VerifyChain checks that outputs extend each other starting from prev.
func VerifyChain(prev string, outputs []*Output) bool {
	for _, o := range outputs {
		if o.PrevHash != prev {
			return false
		}
		if chainHash(o.PrevHash, o.Sequence, o.Events, o.Journals) != o.StateHash {
			return false
		}
		prev = o.StateHash
	}
	return true
}
