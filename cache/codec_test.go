package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vault-worker/types"
)

func TestCodec_CompressesLargeBodies(t *testing.T) {
	codec := Codec{Threshold: 64}
	resp := okResponse(strings.Repeat("vault ", 200))

	data, err := codec.Encode(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"encoding":"br"`)
	assert.Less(t, len(data), len(resp.Body))

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, resp.Body, decoded.Body)
	assert.Equal(t, resp.Status, decoded.Status)
	assert.Equal(t, resp.URL, decoded.URL)
}

func TestCodec_SmallBodiesStayPlain(t *testing.T) {
	codec := Codec{Threshold: 64}

	data, err := codec.Encode(okResponse("tiny"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"encoding"`)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "tiny", string(decoded.Body))
}

func TestCodec_RejectsGarbage(t *testing.T) {
	_, err := Codec{}.Decode([]byte("not json"))
	assert.ErrorIs(t, err, types.ErrSnapshotCorrupted)

	_, err = Codec{}.Decode([]byte(`{"status":200,"encoding":"zstd"}`))
	assert.ErrorIs(t, err, types.ErrSnapshotCorrupted)
}
