package protocol

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReplyCodecLaw exercises property 6 from spec.md §8:
// parse(encode(rep)) == rep for every reply with an arbitrary subset of
// optional fields set, and encode(parse(buf)) == buf when buf contains
// only the declared fields (no trailing padding).
func TestReplyCodecLaw(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		rep := Reply{
			Status:    Status(rng.Intn(6)),
			ID:        uint16(rng.Intn(1 << 16)),
			HasID:     rng.Intn(2) == 0,
			Size:      rng.Uint32(),
			HasSize:   rng.Intn(2) == 0,
			Result:    int32(rng.Uint32()),
			HasResult: rng.Intn(2) == 0,
		}
		if !rep.HasID {
			rep.ID = 0
		}
		if !rep.HasSize {
			rep.Size = 0
		}
		if !rep.HasResult {
			rep.Result = 0
		}

		buf := EncodeReply(rep)
		assert.True(t, len(buf) >= 6 && len(buf) <= 16, "encoded length %d out of [6,16]", len(buf))

		got, err := ParseReply(buf)
		require.NoError(t, err)
		assert.Equal(t, rep, got)

		assert.Equal(t, buf, EncodeReply(got))
	}
}

func TestParseReplyRejectsMissingStatus(t *testing.T) {
	buf := make([]byte, 4) // flags = 0, STATUS bit unset
	_, err := ParseReply(buf)
	require.Error(t, err)
}

func TestParseReplyRejectsTruncated(t *testing.T) {
	rep := Reply{Status: StatusOK, HasSize: true, Size: 42}
	buf := EncodeReply(rep)
	_, err := ParseReply(buf[:len(buf)-1])
	require.Error(t, err)
}

func TestParseReplyIgnoresTrailingPadding(t *testing.T) {
	rep := Reply{Status: StatusOK, HasID: true, ID: 7}
	buf := EncodeReply(rep)
	padded := make([]byte, 64)
	copy(padded, buf)

	got, err := ParseReply(padded)
	require.NoError(t, err)
	assert.Equal(t, rep, got)
}
