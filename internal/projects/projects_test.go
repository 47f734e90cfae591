package projects

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/olbackup/internal/session"
	"github.com/chmdznr/olbackup/pkg/models"
)

var listed = []models.Project{
	{ID: "A", Name: "Thesis"},
	{ID: "B", Name: "Old draft", Trashed: true},
	{ID: "C", Name: "Paper"},
}

var attrEscaper = strings.NewReplacer("&", "&amp;", `"`, "&quot;")

// listingPage renders projects the way the server embeds them: JSON inside an
// attribute, with quotes escaped as &quot;.
func listingPage(t *testing.T, projects []models.Project) []byte {
	t.Helper()
	blob, err := json.Marshal(map[string]interface{}{"totalSize": len(projects), "projects": projects})
	require.NoError(t, err)
	return []byte(fmt.Sprintf(`<html><head>
<meta name="ol-prefetchedProjectsBlob" data-type="json" content="%s">
</head><body></body></html>`, attrEscaper.Replace(string(blob))))
}

type fakeGetter struct {
	resp *session.Response
	err  error
	path string
}

func (f *fakeGetter) Get(_ context.Context, path string) (*session.Response, error) {
	f.path = path
	return f.resp, f.err
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name     string
		ids      set.Strings
		expected map[string]string
		skipped  []string
		missing  []string
	}{
		{
			name:     "everything not trashed",
			ids:      set.NewStrings(),
			expected: map[string]string{"A": "Thesis", "C": "Paper"},
		},
		{
			name:     "nil id set means everything",
			ids:      nil,
			expected: map[string]string{"A": "Thesis", "C": "Paper"},
		},
		{
			name:     "explicit trashed project",
			ids:      set.NewStrings("B"),
			expected: map[string]string{},
			skipped:  []string{"B"},
		},
		{
			name:     "explicit subset",
			ids:      set.NewStrings("C", "B"),
			expected: map[string]string{"C": "Paper"},
			skipped:  []string{"B"},
		},
		{
			name:     "unknown id",
			ids:      set.NewStrings("A", "Z"),
			expected: map[string]string{"A": "Thesis"},
			missing:  []string{"Z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Select(listed, tt.ids)
			assert.Equal(t, tt.expected, res.Projects)
			assert.Equal(t, tt.skipped, res.Skipped)
			assert.Equal(t, tt.missing, res.Missing)
		})
	}
}

func TestParse(t *testing.T) {
	projects, err := Parse(listingPage(t, listed))
	require.NoError(t, err)
	assert.Equal(t, listed, projects)

	_, err = Parse([]byte(`<html><body>please log in</body></html>`))
	assert.True(t, errors.Is(err, ErrDiscovery))

	_, err = Parse([]byte(`<meta name="ol-prefetchedProjectsBlob" content="{&quot;projects&quot;:">`))
	assert.True(t, errors.Is(err, ErrDiscovery))
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	g := &fakeGetter{resp: &session.Response{Status: http.StatusOK, Body: listingPage(t, listed)}}
	res, err := Resolve(ctx, g, set.NewStrings())
	require.NoError(t, err)
	assert.Equal(t, ListingPath, g.path)
	assert.Equal(t, map[string]string{"A": "Thesis", "C": "Paper"}, res.Projects)

	_, err = Resolve(ctx, &fakeGetter{resp: &session.Response{Status: http.StatusFound}}, nil)
	assert.True(t, errors.Is(err, ErrDiscovery))

	_, err = Resolve(ctx, &fakeGetter{err: errors.New("connection refused")}, nil)
	assert.True(t, errors.Is(err, ErrDiscovery))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestResolverOverSession(t *testing.T) {
	page := listingPage(t, listed)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ListingPath {
			http.NotFound(w, r)
			return
		}
		w.Write(page)
	}))
	defer srv.Close()

	s, err := session.New(srv.URL, session.Options{})
	require.NoError(t, err)

	r := &Resolver{Source: s, IDs: set.NewStrings("A")}
	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "Thesis"}, got)
}

func TestSelectKeepsArchivedProjects(t *testing.T) {
	withArchived := append([]models.Project{{ID: "D", Name: "Old talk", Archived: true}}, listed...)

	res := Select(withArchived, set.NewStrings())
	assert.Equal(t, map[string]string{"A": "Thesis", "C": "Paper", "D": "Old talk"}, res.Projects)
	assert.Equal(t, []string{"D"}, res.Archived)

	res = Select(withArchived, set.NewStrings("A"))
	assert.Equal(t, map[string]string{"A": "Thesis"}, res.Projects)
	assert.Empty(t, res.Archived)
}
