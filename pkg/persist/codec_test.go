package persist_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couplegraph/coupler/pkg/persist"
)

type sampleState struct {
	Name  string  `json:"name" yaml:"name"`
	Score float64 `json:"score" yaml:"score"`
	Tags  []string `json:"tags" yaml:"tags"`
}

func sample() sampleState {
	return sampleState{Name: "internal/auth", Score: 0.73, Tags: []string{"hotspot", "cluster-4"}}
}

func TestCodecs_RoundTrip(t *testing.T) {
	t.Parallel()

	codecs := map[string]persist.Codec{
		"json": persist.NewJSONCodec(),
		"gob":  persist.NewGobCodec(),
		"yaml": persist.NewYAMLCodec(),
	}

	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			require.NoError(t, codec.Encode(&buf, sample()))

			var got sampleState

			require.NoError(t, codec.Decode(&buf, &got))
			assert.Equal(t, sample(), got)
		})
	}
}

func TestCodecExtensions(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ".json", persist.NewJSONCodec().Extension())
	assert.Equal(t, ".gob", persist.NewGobCodec().Extension())
	assert.Equal(t, ".yaml", persist.NewYAMLCodec().Extension())
}

func TestSaveLoadState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	require.NoError(t, persist.SaveState(dir, "snapshot", persist.NewJSONCodec(), sample()))

	var got sampleState

	require.NoError(t, persist.LoadState(dir, "snapshot", persist.NewJSONCodec(), &got))
	assert.Equal(t, sample(), got)
}

func TestLoadState_MissingFile(t *testing.T) {
	t.Parallel()

	var got sampleState

	err := persist.LoadState(t.TempDir(), "nothing", persist.NewJSONCodec(), &got)
	assert.Error(t, err)
}

func TestPersister_SaveLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := persist.NewPersister[sampleState]("export", persist.NewYAMLCodec())

	require.NoError(t, p.Save(dir, func() *sampleState {
		s := sample()

		return &s
	}))

	var got sampleState

	require.NoError(t, p.Load(dir, func(s *sampleState) { got = *s }))
	assert.Equal(t, sample(), got)
}
