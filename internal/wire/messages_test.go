package wire

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		Kind: KindTestRunResult,
		TestRunResult: &TestRunResult{
			RunID:   "run1",
			Success: true,
			IndividualTests: map[string]SubTest{
				"sub1": {Success: true, HasLog: true},
			},
			StartedTS: time.Unix(1000, 0).UTC(),
			EndedTS:   time.Unix(1010, 0).UTC(),
		},
	}

	b, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)
	if diff := cmp.Diff(msg, decoded); diff != "" {
		t.Errorf("decoded message differs from original:\n%s", diff)
	}
}

func TestHandshakeCarriesMismatchedProtocolVersion(t *testing.T) {
	msg := Message{
		Kind: KindHandshake,
		Handshake: &Handshake{
			MachineID:       "m1",
			Hardware:        "x86",
			OS:              "linux",
			ProtocolVersion: ProtocolVersion + 1,
		},
	}
	require.NotEqual(t, ProtocolVersion, msg.Handshake.ProtocolVersion)
}
