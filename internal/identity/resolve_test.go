package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want botnet.Ref
	}{
		{"channel path with subpage", "https://www.youtube.com/channel/UC123/about", botnet.ChannelID("UC123")},
		{"short url", "https://www.youtu.be/abc123", botnet.VideoRef{ID: "abc123"}},
		{"handle url", "https://www.youtube.com/@spamtube", botnet.ChannelRef{Kind: botnet.RefHandle, Value: "@spamtube"}},
		{"bare handle", "@spamtube", botnet.ChannelRef{Kind: botnet.RefHandle, Value: "@spamtube"}},
		{"user path", "https://youtube.com/user/oldname", botnet.ChannelRef{Kind: botnet.RefUsername, Value: "oldname"}},
		{"watch url", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=10", botnet.VideoRef{ID: "dQw4w9WgXcQ"}},
		{"embed url", "https://www.youtube.com/embed/dQw4w9WgXcQ?start=3", botnet.VideoRef{ID: "dQw4w9WgXcQ"}},
		{"shorts url", "https://m.youtube.com/shorts/abcdefghijk", botnet.VideoRef{ID: "abcdefghijk"}},
		{"scheme-less host", "youtube.com/channel/UCabc", botnet.ChannelID("UCabc")},
		{"relative featured href", "/@feeder/featured", botnet.ChannelRef{Kind: botnet.RefHandle, Value: "@feeder"}},
		{"relative without slash", "channel/UCxyz", botnet.ChannelID("UCxyz")},
		{"bare channel id", "UCaaaaaaaaaaaaaaaaaaaaaa", botnet.ChannelID("UCaaaaaaaaaaaaaaaaaaaaaa")},
		{"bare video id", "dQw4w9WgXcQ", botnet.VideoRef{ID: "dQw4w9WgXcQ"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Resolve(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"https://www.youtube.com",
		"https://www.youtube.com/",
		"https://www.youtube.com/channel",
		"ftp://youtube.com/channel/UC1",
		"https://example.com/channel/UC1",
		"https://www.youtube.com/playlist",
		"https://youtu.be/",
		"@has space",
		"not a reference",
	} {
		_, err := Resolve(in)
		require.ErrorIs(t, err, botnet.ErrResolution, in)
	}
}

func TestResolveChannelAndVideo(t *testing.T) {
	t.Parallel()

	ch, err := ResolveChannel("UC1")
	require.NoError(t, err)
	require.Equal(t, botnet.ChannelID("UC1"), ch)

	_, err = ResolveChannel("https://youtu.be/abc123")
	require.ErrorIs(t, err, botnet.ErrResolution)

	v, err := ResolveVideo("v1")
	require.NoError(t, err)
	require.Equal(t, "v1", v.ID)

	_, err = ResolveVideo("@spamtube")
	require.ErrorIs(t, err, botnet.ErrResolution)
}

func TestChannelURLRoundTrips(t *testing.T) {
	t.Parallel()

	for _, ref := range []botnet.ChannelRef{
		botnet.ChannelID("UC123"),
		{Kind: botnet.RefHandle, Value: "@spamtube"},
		{Kind: botnet.RefUsername, Value: "oldname"},
	} {
		got, err := ResolveChannel(ChannelURL(ref))
		require.NoError(t, err)
		require.Equal(t, ref, got)
	}
}
