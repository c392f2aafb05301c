package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

func TestExtractDomain(t *testing.T) {
	t.Parallel()

	got, err := ExtractDomain("visit http://spam-site.co today")
	require.NoError(t, err)
	require.Equal(t, "spam-site.co", got)

	got, err = ExtractDomain("Check https://WWW.Shop.Example.com/promo?id=1")
	require.NoError(t, err)
	require.Equal(t, "shop.example.com", got)

	got, err = ExtractDomain("https://sites.google.com/view/spam-offer")
	require.NoError(t, err)
	require.Equal(t, "sites.google.com", got)

	_, err = ExtractDomain("no links here")
	require.ErrorIs(t, err, botnet.ErrExtraction)
}

func TestNormalizeDomainCollapsesVariants(t *testing.T) {
	t.Parallel()

	variants := []string{
		"Spam-Site.co",
		"www.spam-site.co",
		"https://spam-site.co/landing",
		"spam-site.co.",
		"spam-site.co:443",
	}
	for _, v := range variants {
		require.Equal(t, "spam-site.co", NormalizeDomain(v), v)
	}
	require.Equal(t, "", NormalizeDomain("localhost"))
	require.Equal(t, "bad.blogspot.com", NormalizeDomain("bad.blogspot.com"))
}

func TestNormalizeDomainKeepsSubdomains(t *testing.T) {
	t.Parallel()

	require.Equal(t, "sites.google.com", NormalizeDomain("https://Sites.Google.com:443/view/spam-offer"))
	require.Equal(t, "google.com", NormalizeDomain("www.google.com"))
	require.Equal(t, "shop.spam-site.co.uk", NormalizeDomain("shop.spam-site.co.uk."))
}

func TestRegistrableDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "google.com", RegistrableDomain("sites.google.com"))
	require.Equal(t, "spam-site.co.uk", RegistrableDomain("shop.spam-site.co.uk"))
	require.Equal(t, "bad.blogspot.com", RegistrableDomain("bad.blogspot.com"))
	require.Equal(t, "intranet.corp", RegistrableDomain("intranet.corp"))
}
