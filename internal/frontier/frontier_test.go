package frontier_test

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-supervisor/internal/frontier"
)

func TestFrontierDeduplicates(t *testing.T) {
	f, err := frontier.Open(afero.NewMemMapFs(), "/state/job-1")
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck
	require.True(t, f.Fresh())

	added, err := f.Add("https://a.example/", 0)
	require.NoError(t, err)
	require.True(t, added)
	added, err = f.Add("https://a.example/", 3)
	require.NoError(t, err)
	require.False(t, added)

	_, err = f.Add("https://a.example/x", 1)
	require.NoError(t, err)
	require.NoError(t, f.Done("https://a.example/"))
	added, err = f.Add("https://a.example/", 0)
	require.NoError(t, err)
	require.False(t, added, "finished URLs are never rescheduled")

	require.Equal(t, []frontier.Entry{{URL: "https://a.example/x", Depth: 1}}, f.Pending())
	require.Equal(t, 2, f.Len())
	require.NoError(t, f.Done("https://unknown.example/"))
}

func TestFrontierSurvivesReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, err := frontier.Open(fs, "/state/job-1")
	require.NoError(t, err)
	for i, u := range []string{"https://a/1", "https://a/2", "https://a/3"} {
		_, err := f.Add(u, i)
		require.NoError(t, err)
	}
	require.NoError(t, f.Done("https://a/2"))
	require.NoError(t, f.Close())

	reopened, err := frontier.Open(fs, "/state/job-1")
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck
	require.False(t, reopened.Fresh())
	require.True(t, reopened.Known("https://a/2"))
	require.Equal(t, []frontier.Entry{
		{URL: "https://a/1", Depth: 0},
		{URL: "https://a/3", Depth: 2},
	}, reopened.Pending())
}

func TestFrontierIgnoresTornLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	log := `{"op":"add","url":"https://a/1"}` + "\n" + `{"op":"add","url":"https://a/`
	require.NoError(t, fs.MkdirAll("/state/job-1", 0o750))
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/state/job-1", frontier.FileName), []byte(log), 0o600))

	f, err := frontier.Open(fs, "/state/job-1")
	require.NoError(t, err)
	require.Equal(t, 1, f.Len())
	_, err = f.Add("https://a/2", 1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	again, err := frontier.Open(fs, "/state/job-1")
	require.NoError(t, err)
	defer again.Close() //nolint:errcheck
	require.True(t, again.Known("https://a/2"), "entries after a torn line stay readable")
	require.Equal(t, 2, again.Len())
}

func TestFrontierClosed(t *testing.T) {
	f, err := frontier.Open(afero.NewMemMapFs(), "/s")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	_, err = f.Add("https://a/", 0)
	require.Error(t, err)
}
