package evidence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/hash/sha256"
	"github.com/JakeFAU/botnet-tracker/internal/storage/memory"
)

type fakeCapturer struct {
	png []byte
	err error
}

func (f fakeCapturer) CaptureChannelPage(context.Context, string) ([]byte, error) {
	return f.png, f.err
}

func TestRecordWritesContentAddressedPNG(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	rec := New(fakeCapturer{png: []byte("png-bytes")}, blobs, sha256.New(), "/evidence/", nil)

	uri, err := rec.Record(context.Background(), "UC1")
	require.NoError(t, err)

	sum, err := sha256.New().Hash([]byte("png-bytes"))
	require.NoError(t, err)
	key := "evidence/UC1/" + sum + ".png"
	require.Contains(t, uri, key)

	data, ct, ok := blobs.Object(key)
	require.True(t, ok)
	require.Equal(t, "image/png", ct)
	require.Equal(t, []byte("png-bytes"), data)
}

func TestRecordClassifiesFailures(t *testing.T) {
	t.Parallel()

	rec := New(fakeCapturer{err: errors.New("navigation timeout")}, memory.NewBlobStore(), sha256.New(), "", nil)
	_, err := rec.Record(context.Background(), "UC1")
	require.ErrorIs(t, err, botnet.ErrFetch)

	rec = New(fakeCapturer{png: nil}, memory.NewBlobStore(), sha256.New(), "", nil)
	_, err = rec.Record(context.Background(), "UC1")
	require.ErrorIs(t, err, botnet.ErrFetch)

	_, err = rec.Record(context.Background(), " ")
	require.ErrorIs(t, err, botnet.ErrValidation)
}
