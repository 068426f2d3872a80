package intake

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", []string{}},
		{"whitespace only", " \n , \n", []string{}},
		{"commas", "http://a.com/x.pdf, http://a.com/x.pdf", []string{"http://a.com/x.pdf", "http://a.com/x.pdf"}},
		{"newlines and commas", "b\n\n a ,c,\n", []string{"b", "a", "c"}},
		{"windows newlines", "a\r\nb", []string{"a", "b"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ParseList(tc.raw))
		})
	}
}

func TestIsValidURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input string
		want  bool
	}{
		{"http://x.com/file.pdf", true},
		{"https://example.com", true},
		{"HTTPS://Example.com/a", true},
		{"notaurl", false},
		{"ftp://x.com/file.pdf", false},
		{"http://", false},
		{"/relative/path", false},
		{"http://%zz", false},
		{"mailto:someone@example.com", false},
	}

	for _, tc := range testCases {
		require.Equal(t, tc.want, IsValidURL(tc.input), tc.input)
	}
}

func TestIsValidDocumentURL(t *testing.T) {
	t.Parallel()

	require.True(t, IsValidDocumentURL("http://x.com/file.pdf"))
	require.True(t, IsValidDocumentURL("http://x.com/file.PDF"))
	require.True(t, IsValidDocumentURL("https://x.com/a/b.Pdf?download=1"))
	require.False(t, IsValidDocumentURL("notaurl"))
	require.False(t, IsValidDocumentURL("http://x.com/file.pdf.html"))
	require.False(t, IsValidDocumentURL("http://x.com/?file=x.pdf"))
}

func TestCrossListDuplicates(t *testing.T) {
	t.Parallel()

	docs := []string{"http://a.com/1.pdf", "http://a.com/2.pdf", "http://a.com/1.pdf"}
	pages := []string{"http://a.com/1.pdf", "http://a.com/blog"}
	require.Equal(t, []string{"http://a.com/1.pdf"}, CrossListDuplicates(docs, pages))
	require.Empty(t, CrossListDuplicates(docs, []string{"http://a.com/blog"}))
}
